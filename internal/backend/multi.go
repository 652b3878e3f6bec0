package backend

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Multi unions several backends behind the read side of the Backend
// contract. Per-session operations are routed to the adapter that owns the
// path; ownership is learned lazily and cached.
//
// CLI command construction is deliberately not part of Multi: callers must
// resolve the owning adapter first (ByPath, ByName, or Default) because a
// new-session request has no path yet.
type Multi struct {
	mu          sync.RWMutex
	backends    []Backend
	owner       map[string]Backend // transcript path -> owning adapter
	defaultName string
}

// NewMulti creates an aggregator over the given backends. defaultName names
// the backend used for new sessions when the caller does not specify one;
// empty means the first backend.
func NewMulti(backends []Backend, defaultName string) *Multi {
	return &Multi{
		backends:    backends,
		owner:       make(map[string]Backend),
		defaultName: defaultName,
	}
}

// Backends returns the underlying adapters in registration order.
func (m *Multi) Backends() []Backend { return m.backends }

// ByName returns the backend with the given name.
func (m *Multi) ByName(name string) (Backend, bool) {
	for _, b := range m.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Default returns the backend new sessions go to.
func (m *Multi) Default() Backend {
	if b, ok := m.ByName(m.defaultName); ok {
		return b
	}
	if len(m.backends) > 0 {
		return m.backends[0]
	}
	return nil
}

// ByPath resolves the adapter owning a transcript path, populating the
// ownership map on first resolution.
func (m *Multi) ByPath(path string) (Backend, error) {
	m.mu.RLock()
	b, ok := m.owner[path]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	for _, cand := range m.backends {
		if cand.ShouldWatchFile(path) || cand.TranscriptPath(cand.SessionID(path)) == path {
			m.mu.Lock()
			m.owner[path] = cand
			m.mu.Unlock()
			return cand, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSession, path)
}

// Claim records adapter ownership of a path explicitly. Discovery uses this
// so later per-session calls skip the probing in ByPath.
func (m *Multi) Claim(path string, b Backend) {
	m.mu.Lock()
	m.owner[path] = b
	m.mu.Unlock()
}

type recentEntry struct {
	path    string
	backend Backend
	mtime   int64
}

// FindRecent merges results from all adapters and re-sorts by modification
// time descending. Ownership for every returned path is recorded.
func (m *Multi) FindRecent(limit int, includeSubagents bool) ([]string, error) {
	var entries []recentEntry
	for _, b := range m.backends {
		paths, err := b.FindRecent(limit, includeSubagents)
		if err != nil {
			// One failing backend must not hide the others' sessions.
			continue
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			entries = append(entries, recentEntry{path: p, backend: b, mtime: info.ModTime().UnixNano()})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime > entries[j].mtime })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		m.Claim(e.path, e.backend)
		paths = append(paths, e.path)
	}
	return paths, nil
}

// Metadata delegates to the owner.
func (m *Multi) Metadata(path string) (*SessionMeta, error) {
	b, err := m.ByPath(path)
	if err != nil {
		return nil, err
	}
	return b.Metadata(path)
}

// NewTailer delegates to the owner.
func (m *Multi) NewTailer(path string) (Tailer, error) {
	b, err := m.ByPath(path)
	if err != nil {
		return nil, err
	}
	return b.NewTailer(path)
}

// TokenUsage delegates to the owner.
func (m *Multi) TokenUsage(path string) (*Usage, error) {
	b, err := m.ByPath(path)
	if err != nil {
		return nil, err
	}
	return b.TokenUsage(path)
}

// Model delegates to the owner.
func (m *Multi) Model(path string) string {
	b, err := m.ByPath(path)
	if err != nil {
		return ""
	}
	return b.Model(path)
}
