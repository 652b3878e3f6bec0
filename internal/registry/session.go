package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

// Child is a handle to a running CLI process attached to a session. The
// registry terminates it when the session leaves the table.
type Child interface {
	// Terminate asks the process to exit, waiting up to grace before
	// force-killing. Idempotent if the process already exited.
	Terminate(grace time.Duration)
	// Pid returns the child's process ID.
	Pid() int
}

// Summary holds the fields loaded from a session's sidecar summary file.
type Summary struct {
	Title            string `json:"title"`
	ShortSummary     string `json:"short_summary"`
	ExecutiveSummary string `json:"executive_summary"`
	Branch           string `json:"branch,omitempty"`
}

// SidecarPath derives the summary file location from a transcript path.
// Pure: strip the extension (if any) and append the summary suffix, so a
// session has exactly one possible sidecar.
func SidecarPath(transcriptPath string) string {
	ext := filepath.Ext(transcriptPath)
	return strings.TrimSuffix(transcriptPath, ext) + "_summary.json"
}

// LoadSummary reads the sidecar for a transcript, returning nil when absent
// or unreadable.
func LoadSummary(transcriptPath string) *Summary {
	data, err := os.ReadFile(SidecarPath(transcriptPath))
	if err != nil {
		return nil
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

// Session is one tracked transcript.
type Session struct {
	ID      string
	Path    string
	Backend string
	Meta    *backend.SessionMeta
	Tailer  backend.Tailer
	Usage   *backend.Usage
	Summary *Summary

	// lastUpdated is the timestamp of the last message, never file mtime.
	lastUpdated time.Time
	// fileMTime is the last observed artifact mtime; the watcher uses it
	// to drop spurious events.
	fileMTime time.Time

	// Liveness. Guarded by mu, not the registry lock: the supervisor
	// mutates these while the registry serves reads.
	mu      sync.Mutex
	child   Child
	queue   []string
	waiting bool
}

// LastUpdated returns the last message timestamp.
func (s *Session) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// ObserveMessageTime advances the last-updated timestamp; it never moves
// backwards.
func (s *Session) ObserveMessageTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastUpdated) {
		s.lastUpdated = t
	}
}

// FileMTime returns the last observed artifact modification time.
func (s *Session) FileMTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileMTime
}

// SetFileMTime records a newly observed artifact mtime. Returns false when
// the mtime is unchanged, letting the watcher filter spurious events.
func (s *Session) SetFileMTime(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Equal(s.fileMTime) {
		return false
	}
	s.fileMTime = t
	return true
}

// SetWaiting records the waiting-for-user flag derived from the tail.
func (s *Session) SetWaiting(v bool) {
	s.mu.Lock()
	s.waiting = v
	s.mu.Unlock()
}

// Waiting reports the waiting-for-user flag.
func (s *Session) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// SetChild installs the running child handle. Returns false if another child
// is already attached: at most one child runs per session.
func (s *Session) SetChild(c Child) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil {
		return false
	}
	s.child = c
	return true
}

// ClearChild detaches the child handle if it matches c.
func (s *Session) ClearChild(c Child) {
	s.mu.Lock()
	if s.child == c {
		s.child = nil
	}
	s.mu.Unlock()
}

// ChildHandle returns the running child, or nil.
func (s *Session) ChildHandle() Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// Enqueue appends a pending message and returns its queue position (1-based).
func (s *Session) Enqueue(message string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, message)
	return len(s.queue)
}

// Dequeue pops the oldest pending message.
func (s *Session) Dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// DrainQueue discards all pending messages.
func (s *Session) DrainQueue() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// QueueLen returns the number of pending messages.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports whether a child is attached.
func (s *Session) Running() bool {
	return s.ChildHandle() != nil
}
