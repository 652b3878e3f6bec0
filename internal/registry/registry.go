// Package registry keeps the in-memory table of tracked sessions. One coarse
// mutex guards every structural change and every iteration that must be
// atomic with respect to changes (client catchup, eviction, broadcasts).
package registry

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agentlens/backend/internal/backend"
)

// childTerminateGrace is how long an evicted session's child gets to exit
// before being killed.
const childTerminateGrace = 2 * time.Second

type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	backends    *backend.Multi
	maxSessions int
}

func New(backends *backend.Multi, maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		backends:    backends,
		maxSessions: maxSessions,
	}
}

// Add tracks the transcript at path. It rejects missing artifacts, empty
// artifacts, artifacts without messages, and duplicates (duplicates return
// nil, "", nil). When the table is full and evictOldest is set, the oldest
// session by last message time (ties broken by artifact mtime) is removed —
// terminating its child — and its ID returned so the caller can broadcast
// the removal.
func (r *Registry) Add(path string, evictOldest bool) (*Session, string, error) {
	owner, err := r.backends.ByPath(path)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("registry: artifact vanished: %w", err)
	}
	if !info.IsDir() && info.Size() == 0 {
		return nil, "", fmt.Errorf("registry: empty transcript %s", path)
	}
	if !owner.HasMessages(path) {
		return nil, "", fmt.Errorf("registry: no messages in %s", path)
	}

	id := owner.SessionID(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, "", nil
	}

	tailer, err := owner.NewTailer(path)
	if err != nil {
		return nil, "", err
	}

	meta, err := owner.Metadata(path)
	if err != nil {
		log.Printf("[registry] metadata for %s: %v", id, err)
		meta = &backend.SessionMeta{}
	}
	usage, err := owner.TokenUsage(path)
	if err != nil {
		usage = &backend.Usage{}
	}

	sess := &Session{
		ID:      id,
		Path:    path,
		Backend: owner.Name(),
		Meta:    meta,
		Tailer:  tailer,
		Usage:   usage,
		Summary: LoadSummary(path),
	}
	sess.fileMTime = info.ModTime()
	if ts, ok := tailer.LastMessageTimestamp(); ok {
		sess.lastUpdated = ts
	} else {
		sess.lastUpdated = meta.StartedAt
	}
	if waiting, err := tailer.WaitingForInput(); err == nil {
		sess.waiting = waiting
	}

	// Live readers must never replay history; history is served only by
	// an explicit full read.
	if err := tailer.SeekToEnd(); err != nil {
		return nil, "", err
	}

	evictedID := ""
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		if !evictOldest {
			return nil, "", fmt.Errorf("registry: session cap %d reached", r.maxSessions)
		}
		evictedID = r.evictOldestLocked()
	}

	r.sessions[id] = sess
	return sess, evictedID, nil
}

// evictOldestLocked removes the oldest session and terminates its child.
func (r *Registry) evictOldestLocked() string {
	var oldest *Session
	for _, s := range r.sessions {
		if oldest == nil {
			oldest = s
			continue
		}
		st, ot := s.LastUpdated(), oldest.LastUpdated()
		if st.Before(ot) || (st.Equal(ot) && s.FileMTime().Before(oldest.FileMTime())) {
			oldest = s
		}
	}
	if oldest == nil {
		return ""
	}

	delete(r.sessions, oldest.ID)
	if child := oldest.ChildHandle(); child != nil {
		go child.Terminate(childTerminateGrace)
	}
	log.Printf("[registry] evicted %s (last updated %s)", oldest.ID, oldest.LastUpdated().Format(time.RFC3339))
	return oldest.ID
}

// Remove drops the session from the table. It does not terminate processes;
// eviction callers own that.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions sorted newest-first by last message time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated().After(out[j].LastUpdated())
	})
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
