// Package watcher turns raw filesystem events under the backends' transcript
// roots into session lifecycle events: new sessions discovered, transcripts
// appended, sidecars rewritten, transcripts deleted.
package watcher

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/hub"
	"github.com/agentlens/backend/internal/registry"
)

// minDebounce floors the batching window. Editors and CLIs write transcripts
// in bursts; coalescing avoids re-reading per write syscall.
const minDebounce = 100 * time.Millisecond

// discoveryLimit caps how many recent transcripts a discovery pass considers.
const discoveryLimit = 50

// Watcher tails the backend roots and drives the registry and hub.
type Watcher struct {
	Registry *registry.Registry
	Backends *backend.Multi
	Hub      *hub.Hub

	// Debounce is the event batching window; values below minDebounce are
	// raised to it.
	Debounce time.Duration

	// IncludeSubagents forwards to discovery.
	IncludeSubagents bool

	// OnActivity, if set, is called after a session's transcript grew. The
	// summarizer uses it to reset idle timers.
	OnActivity func(s *registry.Session)

	// OnAdded, if set, is called for every newly tracked session. The
	// supervisor uses it to attach children it spawned for sessions whose
	// transcripts did not exist yet.
	OnAdded func(s *registry.Session)

	// OnRemoved, if set, is called after a session is untracked.
	OnRemoved func(sessionID string)

	fw *fsnotify.Watcher
}

// Run watches until ctx is done. It owns the fsnotify watcher lifecycle.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	w.fw = fw

	for _, b := range w.Backends.Backends() {
		if err := w.addTree(b.Root()); err != nil {
			log.Printf("[watcher] watch %s: %v", b.Root(), err)
		}
	}

	debounce := w.Debounce
	if debounce < minDebounce {
		debounce = minDebounce
	}

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			pending[ev.Name] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[watcher] %v", err)

		case <-timerC:
			batch := pending
			pending = make(map[string]fsnotify.Op)
			timer = nil
			timerC = nil
			w.flush(batch)
		}
	}
}

// addTree registers path and every subdirectory beneath it.
func (w *Watcher) addTree(root string) error {
	if _, err := os.Stat(root); err != nil {
		// Root may not exist until the assistant first runs.
		return err
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fw.Add(p); err != nil {
				log.Printf("[watcher] add %s: %v", p, err)
			}
		}
		return nil
	})
}

// flush processes one debounced batch of events.
func (w *Watcher) flush(batch map[string]fsnotify.Op) {
	discover := false

	for path, op := range batch {
		// New directories join the watch tree so nested writes are seen.
		if op.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if err := w.addTree(path); err == nil {
					discover = true
				}
				continue
			}
		}

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			if w.handleRemoved(path) {
				continue
			}
		}

		owner, err := w.Backends.ByPath(path)
		if err != nil || !owner.ShouldWatchFile(path) {
			continue
		}

		if strings.HasSuffix(path, "_summary.json") {
			w.handleSidecar(owner, path)
			continue
		}

		id, ok := owner.SessionIDFromChangedFile(path)
		if !ok {
			discover = true
			continue
		}
		sess, tracked := w.Registry.Get(id)
		if !tracked {
			discover = true
			continue
		}
		w.handleTranscript(sess, path)
	}

	if discover {
		w.Discover()
	}
}

// handleRemoved untracks a session whose transcript artifact vanished.
// Returns true when the path was a tracked artifact.
func (w *Watcher) handleRemoved(path string) bool {
	for _, s := range w.Registry.List() {
		if s.Path != path {
			continue
		}
		if w.Registry.Remove(s.ID) {
			log.Printf("[watcher] transcript removed, untracking %s", s.ID)
			if w.OnRemoved != nil {
				w.OnRemoved(s.ID)
			}
			w.Hub.BroadcastSessionRemoved(s.ID)
		}
		return true
	}
	return false
}

// handleSidecar reloads a rewritten summary file.
func (w *Watcher) handleSidecar(owner backend.Backend, path string) {
	id, ok := owner.SessionIDFromChangedFile(path)
	if !ok {
		return
	}
	sess, tracked := w.Registry.Get(id)
	if !tracked {
		return
	}
	summary := registry.LoadSummary(sess.Path)
	if summary == nil {
		return
	}
	sess.Summary = summary
	w.Hub.BroadcastSummaryUpdated(hub.SummaryPayload{SessionID: id, Summary: summary})
}

// handleTranscript reads newly appended messages and publishes them.
func (w *Watcher) handleTranscript(sess *registry.Session, changed string) {
	// mtime gate: editors and some CLIs emit write events without content
	// changes; an unchanged artifact mtime means nothing to read. Only the
	// artifact itself is gated — directory backends change through many
	// files whose mtimes say nothing about one another.
	if changed == sess.Path {
		if info, err := os.Stat(changed); err == nil {
			if !sess.SetFileMTime(info.ModTime()) {
				return
			}
		}
	}

	msgs, err := sess.Tailer.ReadNew()
	if err != nil {
		log.Printf("[watcher] read %s: %v", sess.ID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	for _, m := range msgs {
		sess.ObserveMessageTime(m.Timestamp)
		w.Hub.BroadcastMessage(hub.MessagePayload{SessionID: sess.ID, Message: m})
	}

	if waiting, err := sess.Tailer.WaitingForInput(); err == nil {
		sess.SetWaiting(waiting)
	}
	w.Hub.BroadcastStatus(hub.StatusPayload{
		SessionID:      sess.ID,
		Running:        sess.Running(),
		QueuedMessages: sess.QueueLen(),
		Waiting:        sess.Waiting(),
	})

	if usage, err := w.Backends.TokenUsage(sess.Path); err == nil {
		sess.Usage = usage
		w.Hub.BroadcastTokenUsage(hub.TokenUsagePayload{SessionID: sess.ID, Usage: usage})
	}

	if w.OnActivity != nil {
		w.OnActivity(sess)
	}
}

// Discover runs a discovery pass: every recent transcript not yet tracked is
// added, evicting the oldest tracked session when the table is full.
func (w *Watcher) Discover() {
	paths, err := w.Backends.FindRecent(discoveryLimit, w.IncludeSubagents)
	if err != nil {
		log.Printf("[watcher] discovery: %v", err)
		return
	}
	for _, p := range paths {
		sess, evictedID, err := w.Registry.Add(p, true)
		if err != nil || sess == nil {
			continue
		}
		if evictedID != "" {
			w.Hub.BroadcastSessionRemoved(evictedID)
		}
		log.Printf("[watcher] tracking %s (%s)", sess.ID, sess.Backend)
		if w.OnAdded != nil {
			w.OnAdded(sess)
		}
		w.Hub.BroadcastSessionAdded(hub.NewSessionView(sess))
	}
}
