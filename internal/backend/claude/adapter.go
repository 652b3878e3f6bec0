// Package claude implements the JSON-lines transcript backend. Sessions live
// under <root>/<encoded-project-dir>/<session-id>.jsonl; each line is one
// JSON record with at minimum a type and timestamp.
package claude

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

// warmupSentinel is the first user message of the CLI's warm-up/benchmark
// sessions; such sessions are never tracked.
const warmupSentinel = "warmup"

const summarySuffix = "_summary.json"

// Adapter is the JSON-lines backend.
type Adapter struct {
	root string // e.g. ~/.claude/projects

	mu    sync.RWMutex
	index map[string]string // session ID -> transcript path
}

// New creates an adapter rooted at dir. An empty dir selects the default
// location under the user's home directory.
func New(dir string) *Adapter {
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".claude", "projects")
	}
	return &Adapter{root: dir, index: make(map[string]string)}
}

func (a *Adapter) Name() string { return "claude" }
func (a *Adapter) Root() string { return a.root }

// SessionID is the transcript filename without its extension.
func (a *Adapter) SessionID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FindRecent lists transcripts with at least one message across all project
// directories, newest first.
func (a *Adapter) FindRecent(limit int, includeSubagents bool) ([]string, error) {
	projects, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading projects dir %s: %w", a.root, err)
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate

	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		projPath := filepath.Join(a.root, proj.Name())
		files, err := os.ReadDir(projPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			if !includeSubagents && strings.HasPrefix(f.Name(), "agent-") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(projPath, f.Name())
			if !a.HasMessages(path) || a.isWarmup(path) {
				continue
			}
			candidates = append(candidates, candidate{path: path, mtime: info.ModTime()})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	paths := make([]string, 0, len(candidates))
	a.mu.Lock()
	for _, c := range candidates {
		a.index[a.SessionID(c.path)] = c.path
		paths = append(paths, c.path)
	}
	a.mu.Unlock()
	return paths, nil
}

// isWarmup reports whether the transcript's first user message equals the
// warm-up sentinel.
func (a *Adapter) isWarmup(path string) bool {
	msgs, err := NewTailer(path).ReadAll()
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

// HasMessages reports whether the file holds at least one user/assistant
// record. Zero-byte files and files of only non-message records are false.
func (a *Adapter) HasMessages(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	msgs, err := NewTailer(path).ReadAll()
	return err == nil && len(msgs) > 0
}

// Metadata decodes the project directory name and extracts the first user
// message and start time.
func (a *Adapter) Metadata(path string) (*backend.SessionMeta, error) {
	encoded := filepath.Base(filepath.Dir(path))
	projectPath := DecodeProjectPath(encoded)
	projectName := projectPath
	if strings.HasPrefix(projectPath, "/") {
		projectName = filepath.Base(projectPath)
	}

	meta := &backend.SessionMeta{
		ProjectName: projectName,
		ProjectPath: projectPath,
		IsSubagent:  strings.HasPrefix(filepath.Base(path), "agent-"),
	}

	msgs, err := NewTailer(path).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		meta.StartedAt = msgs[0].Timestamp
	}
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		if preview := firstMessagePreview(m.Text()); preview != "" {
			meta.FirstMessage = preview
			break
		}
	}

	a.mu.Lock()
	a.index[a.SessionID(path)] = path
	a.mu.Unlock()
	return meta, nil
}

// firstMessagePreview strips command/caveat wrappers the CLI injects around
// real user input. Returns "" when nothing usable remains.
func firstMessagePreview(s string) string {
	if strings.Contains(s, "<command-name>") || strings.Contains(s, "<local-command-caveat>") {
		return ""
	}
	if i := strings.Index(s, "<system-reminder>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// NewTailer returns a tailer for the transcript.
func (a *Adapter) NewTailer(path string) (backend.Tailer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return NewTailer(path), nil
}

// TokenUsage aggregates every message's usage record by model.
func (a *Adapter) TokenUsage(path string) (*backend.Usage, error) {
	msgs, err := NewTailer(path).ReadAll()
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
	msgs, err := NewTailer(path).ReadAll()
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

// ShouldWatchFile accepts transcript files and sidecar summary files.
func (a *Adapter) ShouldWatchFile(path string) bool {
	if !strings.HasPrefix(path, a.root+string(filepath.Separator)) {
		return false
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".jsonl") || strings.HasSuffix(base, summarySuffix)
}

// SessionIDFromChangedFile maps a watched file back to its session.
func (a *Adapter) SessionIDFromChangedFile(path string) (string, bool) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, summarySuffix):
		return strings.TrimSuffix(base, summarySuffix), true
	case strings.HasSuffix(base, ".jsonl"):
		return strings.TrimSuffix(base, ".jsonl"), true
	}
	return "", false
}

// TranscriptPath returns the known path for a session ID, probing the root
// when the index has not seen it yet.
func (a *Adapter) TranscriptPath(sessionID string) string {
	a.mu.RLock()
	p, ok := a.index[sessionID]
	a.mu.RUnlock()
	if ok {
		return p
	}

	projects, err := os.ReadDir(a.root)
	if err != nil {
		return ""
	}
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		candidate := filepath.Join(a.root, proj.Name(), sessionID+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			a.mu.Lock()
			a.index[sessionID] = candidate
			a.mu.Unlock()
			return candidate
		}
	}
	return ""
}
