// Package opencode implements the directory-of-JSON transcript backend. A
// session's transcript artifact is the directory <root>/message/<sessionID>
// holding one JSON file per message, with sibling part files under
// <root>/part/<messageID>.
package opencode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

const warmupSentinel = "warmup"

const summarySuffix = "_summary.json"

// Adapter is the directory backend.
type Adapter struct {
	storageDir string // e.g. ~/.local/share/opencode/storage

	mu       sync.RWMutex
	sessions map[string]*sessionFile // session ID -> parsed session metadata
	msgOwner map[string]string       // message ID -> session ID
}

// New creates an adapter over the given storage directory. Empty selects the
// default under XDG data home.
func New(dir string) *Adapter {
	if dir == "" {
		xdg := os.Getenv("XDG_DATA_HOME")
		if xdg == "" {
			home, _ := os.UserHomeDir()
			xdg = filepath.Join(home, ".local", "share")
		}
		dir = filepath.Join(xdg, "opencode", "storage")
	}
	return &Adapter{
		storageDir: dir,
		sessions:   make(map[string]*sessionFile),
		msgOwner:   make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "opencode" }
func (a *Adapter) Root() string { return a.storageDir }

// SessionID is the transcript directory's base name.
func (a *Adapter) SessionID(path string) string {
	return filepath.Base(path)
}

// TranscriptPath returns the message directory for a session ID.
func (a *Adapter) TranscriptPath(sessionID string) string {
	dir := filepath.Join(a.storageDir, "message", sessionID)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// FindRecent lists message directories with at least one ready message,
// newest first by the most recent message file's mtime.
func (a *Adapter) FindRecent(limit int, includeSubagents bool) ([]string, error) {
	msgRoot := filepath.Join(a.storageDir, "message")
	entries, err := os.ReadDir(msgRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading message root %s: %w", msgRoot, err)
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		dir := filepath.Join(msgRoot, sessionID)

		if !includeSubagents {
			if sf := a.sessionMeta(sessionID); sf != nil && sf.ParentID != nil {
				continue
			}
		}
		if !a.HasMessages(dir) || a.isWarmup(sessionID) {
			continue
		}

		mtime, ok := newestFileTime(dir)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{path: dir, mtime: mtime})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	paths := make([]string, 0, len(candidates))
	for _, c := range candidates {
		paths = append(paths, c.path)
	}
	return paths, nil
}

func newestFileTime(dir string) (time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false
	}
	var newest time.Time
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, !newest.IsZero()
}

func (a *Adapter) isWarmup(sessionID string) bool {
	msgs, err := NewTailer(a.storageDir, sessionID).ReadAll()
	if err != nil {
		return false
	}
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		return strings.EqualFold(strings.TrimSpace(m.Text()), warmupSentinel)
	}
	return false
}

// HasMessages reports whether the session directory holds at least one ready
// user/assistant message.
func (a *Adapter) HasMessages(path string) bool {
	msgs, err := NewTailer(a.storageDir, a.SessionID(path)).ReadAll()
	return err == nil && len(msgs) > 0
}

// sessionMeta locates and caches session/<projectID>/<sessionID>.json.
func (a *Adapter) sessionMeta(sessionID string) *sessionFile {
	a.mu.RLock()
	sf, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if ok {
		return sf
	}

	sessRoot := filepath.Join(a.storageDir, "session")
	projects, err := os.ReadDir(sessRoot)
	if err != nil {
		return nil
	}
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sessRoot, proj.Name(), sessionID+".json"))
		if err != nil {
			continue
		}
		var parsed sessionFile
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		a.mu.Lock()
		a.sessions[sessionID] = &parsed
		a.mu.Unlock()
		return &parsed
	}
	return nil
}

// Metadata reads project information from the session metadata file and the
// first user message from the transcript.
func (a *Adapter) Metadata(path string) (*backend.SessionMeta, error) {
	sessionID := a.SessionID(path)

	meta := &backend.SessionMeta{}
	if sf := a.sessionMeta(sessionID); sf != nil {
		meta.ProjectPath = sf.Directory
		meta.ProjectName = filepath.Base(sf.Directory)
		if sf.ParentID != nil {
			meta.IsSubagent = true
			meta.ParentSessionID = *sf.ParentID
		}
	}
	if meta.ProjectName == "" {
		meta.ProjectName = sessionID
	}

	msgs, err := NewTailer(a.storageDir, sessionID).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		meta.StartedAt = msgs[0].Timestamp
	}
	for _, m := range msgs {
		if m.Role == "user" {
			meta.FirstMessage = strings.TrimSpace(m.Text())
			break
		}
	}
	return meta, nil
}

// NewTailer returns a tailer over the session's message directory.
func (a *Adapter) NewTailer(path string) (backend.Tailer, error) {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("opencode: %s is not a session directory", path)
		}
		return nil, err
	}
	return NewTailer(a.storageDir, a.SessionID(path)), nil
}

// TokenUsage sums every ready message's usage.
func (a *Adapter) TokenUsage(path string) (*backend.Usage, error) {
	msgs, err := NewTailer(a.storageDir, a.SessionID(path)).ReadAll()
	if err != nil {
		return nil, err
	}
	total := &backend.Usage{}
	for _, m := range msgs {
		if m.Usage == nil {
			continue
		}
		total.Add(m.Model, m.Usage.InputTokens, m.Usage.OutputTokens,
			m.Usage.CacheReadTokens, m.Usage.CacheCreationTokens)
	}
	total.FinalizeCost()
	return total, nil
}

// Model returns the model of the first assistant message.
func (a *Adapter) Model(path string) string {
	msgs, err := NewTailer(a.storageDir, a.SessionID(path)).ReadAll()
	if err != nil {
		return ""
	}
	for _, m := range msgs {
		if m.Role == "assistant" && m.Model != "" {
			return m.Model
		}
	}
	return ""
}

// ShouldWatchFile accepts message files, part files, session metadata and
// sidecar summary files under the storage root.
func (a *Adapter) ShouldWatchFile(path string) bool {
	if !strings.HasPrefix(path, a.storageDir+string(filepath.Separator)) {
		return false
	}
	rel, err := filepath.Rel(a.storageDir, path)
	if err != nil {
		return false
	}
	top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	switch top {
	case "message", "part", "session":
		return strings.HasSuffix(path, ".json")
	}
	return false
}

// SessionIDFromChangedFile maps a watched file to its owning session.
// Message files carry the session ID in their path; part files require
// reading the part JSON (or its message file) to recover it.
func (a *Adapter) SessionIDFromChangedFile(path string) (string, bool) {
	rel, err := filepath.Rel(a.storageDir, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))

	switch parts[0] {
	case "message":
		if len(parts) == 2 && strings.HasSuffix(parts[1], summarySuffix) {
			return strings.TrimSuffix(parts[1], summarySuffix), true
		}
		if len(parts) == 3 {
			return parts[1], true
		}
	case "session":
		if len(parts) == 3 {
			return strings.TrimSuffix(parts[2], ".json"), true
		}
	case "part":
		if len(parts) == 3 {
			return a.sessionIDForMessage(parts[1], path)
		}
	}
	return "", false
}

// sessionIDForMessage resolves a message ID to its session, reading the part
// file's sessionID field on a cache miss.
func (a *Adapter) sessionIDForMessage(messageID, partPath string) (string, bool) {
	a.mu.RLock()
	owner, ok := a.msgOwner[messageID]
	a.mu.RUnlock()
	if ok {
		return owner, true
	}

	data, err := os.ReadFile(partPath)
	if err != nil {
		return "", false
	}
	var p partFile
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return "", false
	}

	a.mu.Lock()
	a.msgOwner[messageID] = p.SessionID
	a.mu.Unlock()
	return p.SessionID, true
}
