package claude

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

// placeholderText is the empty-turn marker the CLI writes when an assistant
// message produced no content. A placeholder with a stop_reason is a real
// empty turn and is preserved; without one it is dropped.
const placeholderText = "(no content)"

// rawEntry is one JSON line of the transcript.
type rawEntry struct {
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"`
	IsSidechain bool            `json:"isSidechain,omitempty"`
	Message     json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	StopReason *string         `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content"`
	Usage      *rawUsage       `json:"usage,omitempty"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *rawImageSource `json:"source,omitempty"`
}

type rawImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tailer incrementally reads a JSON-lines transcript. Cursor state is a byte
// offset plus a buffer holding the trailing partial line, so a line written
// in two appends is emitted once, after the second write completes.
type Tailer struct {
	path    string
	offset  int64
	partial []byte
}

// NewTailer creates a tailer positioned at the start of the file.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// ReadNew returns messages from lines completed since the last call and
// advances the cursor.
func (t *Tailer) ReadNew() ([]backend.Message, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if t.offset > 0 {
		if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	lines := bytes.Split(buf, []byte("\n"))
	// The final fragment has no trailing newline yet; keep it for next time.
	t.partial = append([]byte(nil), lines[len(lines)-1]...)
	lines = lines[:len(lines)-1]

	var out []backend.Message
	for _, line := range lines {
		msg, ok := parseLine(line, t.path)
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// ReadAll replays the whole transcript without touching the cursor.
func (t *Tailer) ReadAll() ([]backend.Message, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, err
	}

	var out []backend.Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		msg, ok := parseLine(line, t.path)
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// SeekToEnd advances the cursor to the current end of file without emitting.
// Any trailing partial line is carried so the next append completes it.
func (t *Tailer) SeekToEnd() error {
	_, err := t.ReadNew()
	return err
}

// FirstTimestamp returns the timestamp of the first message record.
func (t *Tailer) FirstTimestamp() (time.Time, bool) {
	msgs, err := t.ReadAll()
	if err != nil || len(msgs) == 0 {
		return time.Time{}, false
	}
	return msgs[0].Timestamp, true
}

// LastMessageTimestamp returns the timestamp of the last message record.
func (t *Tailer) LastMessageTimestamp() (time.Time, bool) {
	msgs, err := t.ReadAll()
	if err != nil || len(msgs) == 0 {
		return time.Time{}, false
	}
	return msgs[len(msgs)-1].Timestamp, true
}

// WaitingForInput reports whether the last message is an assistant turn
// ending in text, meaning the CLI has finished and expects the user.
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

// parseLine converts one transcript line into a normalized message.
// Malformed lines and non-message records are skipped.
func parseLine(line []byte, path string) (backend.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return backend.Message{}, false
	}

	var entry rawEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		log.Printf("[claude] skipping malformed line in %s: %v", path, err)
		return backend.Message{}, false
	}
	if entry.Type != "user" && entry.Type != "assistant" {
		return backend.Message{}, false
	}

	var msg rawMessage
	if entry.Message != nil {
		if err := json.Unmarshal(entry.Message, &msg); err != nil {
			log.Printf("[claude] skipping unreadable message in %s: %v", path, err)
			return backend.Message{}, false
		}
	}

	out := backend.Message{
		Role:   entry.Type,
		Blocks: normalizeContent(msg.Content),
		Model:  msg.Model,
	}
	if msg.StopReason != nil {
		out.StopReason = *msg.StopReason
	}
	if ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
		out.Timestamp = ts
	}
	if msg.Usage != nil {
		// Streaming chunks report output_tokens before the turn settles;
		// fall back to a content-length estimate for display.
		outTokens := msg.Usage.OutputTokens
		if outTokens == 0 {
			outTokens = backend.EstimateOutputTokens(out.Text())
		}
		u := &backend.Usage{}
		u.Add(msg.Model, msg.Usage.InputTokens, outTokens,
			msg.Usage.CacheReadInputTokens, msg.Usage.CacheCreationInputTokens)
		u.FinalizeCost()
		out.Usage = u
	}

	if isDroppedPlaceholder(&out) {
		return backend.Message{}, false
	}
	return out, true
}

// isDroppedPlaceholder detects assistant messages whose only content is the
// CLI's placeholder string and that carry no stop_reason.
func isDroppedPlaceholder(m *backend.Message) bool {
	if m.Role != "assistant" || m.StopReason != "" {
		return false
	}
	return len(m.Blocks) == 1 &&
		m.Blocks[0].Type == backend.BlockText &&
		strings.TrimSpace(m.Blocks[0].Text) == placeholderText
}

// normalizeContent maps the CLI's content field (string or block array) to
// the unified block union.
func normalizeContent(raw json.RawMessage) []backend.ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []backend.ContentBlock{{Type: backend.BlockText, Text: text}}
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}

	out := make([]backend.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, backend.ContentBlock{Type: backend.BlockText, Text: b.Text})
		case "thinking":
			out = append(out, backend.ContentBlock{Type: backend.BlockThinking, Text: b.Thinking})
		case "tool_use":
			out = append(out, backend.ContentBlock{
				Type:      backend.BlockToolUse,
				ToolName:  b.Name,
				ToolID:    b.ID,
				ToolInput: b.Input,
			})
		case "tool_result":
			out = append(out, backend.ContentBlock{
				Type:      backend.BlockToolResult,
				ToolUseID: b.ToolUseID,
				Content:   decodeResultContent(b.Content),
				IsError:   b.IsError,
			})
		case "image":
			if b.Source != nil {
				out = append(out, backend.ContentBlock{
					Type:      backend.BlockImage,
					MediaType: b.Source.MediaType,
					Data:      b.Source.Data,
				})
			}
		}
		// Anything else is an adapter-internal record type; dropped.
	}
	return out
}

// decodeResultContent keeps a tool_result's content as a string or a parsed
// list, whichever the CLI wrote.
func decodeResultContent(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return string(raw)
}
