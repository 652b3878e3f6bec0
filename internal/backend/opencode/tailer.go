package opencode

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

// Tailer reads a directory transcript incrementally. Cursor state is the set
// of message IDs already emitted. A message is emitted at most once: part
// updates to an already-emitted message are never re-emitted, so clients
// never see a message mutate.
type Tailer struct {
	storageDir string
	sessionID  string
	seen       map[string]bool
}

// NewTailer creates a tailer for the session's message directory.
func NewTailer(storageDir, sessionID string) *Tailer {
	return &Tailer{
		storageDir: storageDir,
		sessionID:  sessionID,
		seen:       make(map[string]bool),
	}
}

func (t *Tailer) messageDir() string {
	return filepath.Join(t.storageDir, "message", t.sessionID)
}

// listMessageIDs returns the session's message IDs in insertion order.
// Message IDs are lexically sortable, so name order is emission order.
func (t *Tailer) listMessageIDs() ([]string, error) {
	entries, err := os.ReadDir(t.messageDir())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadNew emits unseen messages that have become ready, in ID order, and
// records them as seen.
func (t *Tailer) ReadNew() ([]backend.Message, error) {
	ids, err := t.listMessageIDs()
	if err != nil {
		return nil, err
	}

	var out []backend.Message
	for _, id := range ids {
		if t.seen[id] {
			continue
		}
		msg, ready := t.loadMessage(id)
		if !ready {
			continue
		}
		t.seen[id] = true
		out = append(out, msg)
	}
	return out, nil
}

// ReadAll replays every ready message without touching the seen set.
func (t *Tailer) ReadAll() ([]backend.Message, error) {
	ids, err := t.listMessageIDs()
	if err != nil {
		return nil, err
	}
	var out []backend.Message
	for _, id := range ids {
		if msg, ready := t.loadMessage(id); ready {
			out = append(out, msg)
		}
	}
	return out, nil
}

// SeekToEnd marks every currently ready message as seen without emitting.
func (t *Tailer) SeekToEnd() error {
	ids, err := t.listMessageIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if t.seen[id] {
			continue
		}
		if _, ready := t.loadMessage(id); ready {
			t.seen[id] = true
		}
	}
	return nil
}

// FirstTimestamp returns the first ready message's creation time.
func (t *Tailer) FirstTimestamp() (time.Time, bool) {
	msgs, err := t.ReadAll()
	if err != nil || len(msgs) == 0 {
		return time.Time{}, false
	}
	return msgs[0].Timestamp, true
}

// LastMessageTimestamp returns the last ready message's creation time.
func (t *Tailer) LastMessageTimestamp() (time.Time, bool) {
	msgs, err := t.ReadAll()
	if err != nil || len(msgs) == 0 {
		return time.Time{}, false
	}
	return msgs[len(msgs)-1].Timestamp, true
}

// WaitingForInput reports whether the transcript tail is a finished
// assistant turn whose last content part is text.
func (t *Tailer) WaitingForInput() (bool, error) {
	msgs, err := t.ReadAll()
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || len(last.Blocks) == 0 {
		return false, nil
	}
	return last.Blocks[len(last.Blocks)-1].Type == backend.BlockText, nil
}

// loadMessage reads one message file plus its parts and reports whether the
// message is ready to emit. User messages are ready once any part carries
// non-empty text; assistant messages once any part is a step-finish.
func (t *Tailer) loadMessage(id string) (backend.Message, bool) {
	data, err := os.ReadFile(filepath.Join(t.messageDir(), id+".json"))
	if err != nil {
		return backend.Message{}, false
	}
	var mf messageFile
	if err := json.Unmarshal(data, &mf); err != nil {
		log.Printf("[opencode] skipping malformed message %s: %v", id, err)
		return backend.Message{}, false
	}
	if mf.Role != "user" && mf.Role != "assistant" {
		return backend.Message{}, false
	}

	parts := t.loadParts(id)

	ready := false
	for _, p := range parts {
		if mf.Role == "user" && p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			ready = true
			break
		}
		if mf.Role == "assistant" && p.Type == "step-finish" {
			ready = true
			break
		}
	}
	if !ready {
		return backend.Message{}, false
	}

	msg := backend.Message{
		Role:      mf.Role,
		Timestamp: time.UnixMilli(mf.Time.Created).UTC(),
		Blocks:    normalizeParts(parts),
	}
	if mf.ModelID != nil {
		msg.Model = *mf.ModelID
	}
	if mf.Finish != nil {
		msg.StopReason = *mf.Finish
	}
	if u := usageFromMessage(&mf, parts); u != nil {
		msg.Usage = u
	}
	return msg, true
}

// loadParts reads the message's parts sorted by part ID.
func (t *Tailer) loadParts(messageID string) []partFile {
	partDir := filepath.Join(t.storageDir, "part", messageID)
	entries, err := os.ReadDir(partDir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	parts := make([]partFile, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(partDir, name))
		if err != nil {
			continue
		}
		var p partFile
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[opencode] skipping malformed part %s/%s: %v", messageID, name, err)
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// normalizeParts maps native parts to the unified block union. Step markers,
// snapshots, patches and file refs are adapter-internal and dropped.
func normalizeParts(parts []partFile) []backend.ContentBlock {
	var out []backend.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, backend.ContentBlock{Type: backend.BlockText, Text: p.Text})
			}
		case "reasoning":
			out = append(out, backend.ContentBlock{Type: backend.BlockThinking, Text: p.Text})
		case "tool":
			out = append(out, normalizeTool(p)...)
		}
	}
	return out
}

// normalizeTool expands a tool part: a completed tool becomes tool_use then
// tool_result; an errored one a tool_use plus an is_error result; a pending
// one a bare tool_use.
func normalizeTool(p partFile) []backend.ContentBlock {
	use := backend.ContentBlock{
		Type:     backend.BlockToolUse,
		ToolName: p.Tool,
		ToolID:   p.CallID,
	}
	if p.State != nil {
		use.ToolInput = p.State.Input
	}

	if p.State == nil {
		return []backend.ContentBlock{use}
	}
	switch p.State.Status {
	case "completed":
		return []backend.ContentBlock{use, {
			Type:      backend.BlockToolResult,
			ToolUseID: p.CallID,
			Content:   p.State.Output,
		}}
	case "error":
		return []backend.ContentBlock{use, {
			Type:      backend.BlockToolResult,
			ToolUseID: p.CallID,
			Content:   p.State.Error,
			IsError:   true,
		}}
	default:
		return []backend.ContentBlock{use}
	}
}

// usageFromMessage extracts usage from the message's token record or, when
// absent, from the last step-finish part.
func usageFromMessage(mf *messageFile, parts []partFile) *backend.Usage {
	tokens := mf.Tokens
	cost := mf.Cost
	if tokens == nil {
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i].Type == "step-finish" && parts[i].Tokens != nil {
				tokens = parts[i].Tokens
				if cost == nil {
					cost = parts[i].Cost
				}
				break
			}
		}
	}
	if tokens == nil {
		return nil
	}

	model := ""
	if mf.ModelID != nil {
		model = *mf.ModelID
	}
	cacheRead, cacheWrite := 0, 0
	if tokens.Cache != nil {
		cacheRead, cacheWrite = tokens.Cache.Read, tokens.Cache.Write
	}

	u := &backend.Usage{}
	u.Add(model, tokens.Input, tokens.Output, cacheRead, cacheWrite)
	if cost != nil {
		u.CostUSD = *cost
		for i := range u.Models {
			u.Models[i].CostUSD = *cost
		}
	} else {
		u.FinalizeCost()
	}
	return u
}
