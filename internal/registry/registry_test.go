package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/backend/claude"
)

func newTestRegistry(t *testing.T, maxSessions int) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	multi := backend.NewMulti([]backend.Backend{claude.New(root)}, "claude")
	return New(multi, maxSessions), root
}

// writeSession creates a minimal transcript whose last message carries the
// given hour so eviction order is controlled by the caller.
func writeSession(t *testing.T, root, id string, hour int) string {
	t.Helper()
	dir := filepath.Join(root, "-home-u-proj")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".jsonl")
	line := fmt.Sprintf(`{"type":"user","timestamp":"2026-01-30T%02d:00:00.000Z","message":{"role":"user","content":[{"type":"text","text":"hello"}]}}`, hour) + "\n"
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddAndDuplicate(t *testing.T) {
	r, root := newTestRegistry(t, 10)
	path := writeSession(t, root, "aaaa", 10)

	sess, evicted, err := r.Add(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || sess.ID != "aaaa" || evicted != "" {
		t.Fatalf("unexpected add result: %+v, %q", sess, evicted)
	}
	if sess.Backend != "claude" {
		t.Errorf("expected backend claude, got %s", sess.Backend)
	}
	if sess.LastUpdated().IsZero() {
		t.Error("expected last-updated from transcript, not zero")
	}

	// Duplicate adds are silent no-ops.
	dup, evicted, err := r.Add(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if dup != nil || evicted != "" {
		t.Errorf("duplicate add must return nil, got %+v", dup)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 session, got %d", r.Count())
	}
}

func TestAddRejectsEmptyAndMessageless(t *testing.T) {
	r, root := newTestRegistry(t, 10)

	dir := filepath.Join(root, "-p")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Add(empty, false); err == nil {
		t.Error("expected error for empty transcript")
	}

	meta := filepath.Join(dir, "meta.jsonl")
	if err := os.WriteFile(meta, []byte(`{"type":"summary","summary":"x"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Add(meta, false); err == nil {
		t.Error("expected error for messageless transcript")
	}

	if _, _, err := r.Add(filepath.Join(dir, "missing.jsonl"), false); err == nil {
		t.Error("expected error for missing transcript")
	}
}

func TestCapEviction(t *testing.T) {
	r, root := newTestRegistry(t, 2)

	oldest := writeSession(t, root, "old0", 8)
	if _, _, err := r.Add(oldest, true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Add(writeSession(t, root, "mid1", 10), true); err != nil {
		t.Fatal(err)
	}

	// Third add over a cap of two: the oldest by message time goes.
	sess, evicted, err := r.Add(writeSession(t, root, "new2", 12), true)
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || evicted != "old0" {
		t.Fatalf("expected old0 evicted, got %q", evicted)
	}
	if r.Count() != 2 {
		t.Errorf("expected 2 sessions after eviction, got %d", r.Count())
	}
	if _, ok := r.Get("old0"); ok {
		t.Error("evicted session still present")
	}

	// Without evictOldest the add is refused instead.
	if _, _, err := r.Add(writeSession(t, root, "late", 14), false); err == nil {
		t.Error("expected cap error without eviction")
	}
}

func TestListNewestFirst(t *testing.T) {
	r, root := newTestRegistry(t, 10)
	for i, id := range []string{"s-a", "s-b", "s-c"} {
		if _, _, err := r.Add(writeSession(t, root, id, 9+i), true); err != nil {
			t.Fatal(err)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].LastUpdated().After(list[i-1].LastUpdated()) {
			t.Errorf("list not newest-first at %d", i)
		}
	}
}

func TestTailerSeekedOnAdd(t *testing.T) {
	r, root := newTestRegistry(t, 10)
	path := writeSession(t, root, "seek", 10)

	sess, _, err := r.Add(path, false)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := sess.Tailer.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("live reader must not replay history, got %d messages", len(msgs))
	}
}

func TestRemove(t *testing.T) {
	r, root := newTestRegistry(t, 10)
	if _, _, err := r.Add(writeSession(t, root, "gone", 10), false); err != nil {
		t.Fatal(err)
	}
	if !r.Remove("gone") {
		t.Error("expected removal")
	}
	if r.Remove("gone") {
		t.Error("second removal must report false")
	}
}

func TestSidecarPath(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"/p/abc.jsonl", "/p/abc_summary.json"},
		{"/p/message/ses_01", "/p/message/ses_01_summary.json"},
	}
	for _, tt := range tests {
		if got := SidecarPath(tt.in); got != tt.out {
			t.Errorf("SidecarPath(%q) = %q, want %q", tt.in, got, tt.out)
		}
	}
}

func TestLoadSummary(t *testing.T) {
	dir := t.TempDir()
	transcript := filepath.Join(dir, "abc.jsonl")

	if s := LoadSummary(transcript); s != nil {
		t.Error("expected nil for missing sidecar")
	}

	sidecar := SidecarPath(transcript)
	if err := os.WriteFile(sidecar, []byte(`{"title":"Fix login","short_summary":"Fixed the bug","executive_summary":"Long text","branch":"main"}`), 0644); err != nil {
		t.Fatal(err)
	}
	s := LoadSummary(transcript)
	if s == nil || s.Title != "Fix login" || s.Branch != "main" {
		t.Errorf("unexpected summary: %+v", s)
	}

	if err := os.WriteFile(sidecar, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if s := LoadSummary(transcript); s != nil {
		t.Error("expected nil for corrupt sidecar")
	}
}

type fakeChild struct {
	pid        int
	terminated bool
}

func (f *fakeChild) Terminate(time.Duration) { f.terminated = true }
func (f *fakeChild) Pid() int                { return f.pid }

func TestSessionChildSlot(t *testing.T) {
	s := &Session{ID: "x"}

	c1 := &fakeChild{pid: 100}
	if !s.SetChild(c1) {
		t.Fatal("first child must attach")
	}
	if s.SetChild(&fakeChild{pid: 200}) {
		t.Error("second child must be refused while the first runs")
	}
	if !s.Running() {
		t.Error("expected running")
	}

	// Clearing a stale handle is a no-op.
	s.ClearChild(&fakeChild{pid: 300})
	if !s.Running() {
		t.Error("clearing a different child must not detach")
	}
	s.ClearChild(c1)
	if s.Running() {
		t.Error("expected idle after clear")
	}
}

func TestSessionQueue(t *testing.T) {
	s := &Session{ID: "x"}

	if pos := s.Enqueue("first"); pos != 1 {
		t.Errorf("expected position 1, got %d", pos)
	}
	if pos := s.Enqueue("second"); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}

	msg, ok := s.Dequeue()
	if !ok || msg != "first" {
		t.Errorf("expected FIFO order, got %q", msg)
	}

	s.Enqueue("third")
	s.DrainQueue()
	if s.QueueLen() != 0 {
		t.Errorf("expected empty queue after drain, got %d", s.QueueLen())
	}
	if _, ok := s.Dequeue(); ok {
		t.Error("dequeue on empty queue must report false")
	}
}

func TestObserveMessageTimeMonotonic(t *testing.T) {
	s := &Session{ID: "x"}
	later := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	s.ObserveMessageTime(later)
	s.ObserveMessageTime(earlier)
	if !s.LastUpdated().Equal(later) {
		t.Errorf("last-updated moved backwards: %v", s.LastUpdated())
	}
}

func TestSetFileMTimeFiltersSpurious(t *testing.T) {
	s := &Session{ID: "x"}
	ts := time.Now()

	if !s.SetFileMTime(ts) {
		t.Error("first observation must report change")
	}
	if s.SetFileMTime(ts) {
		t.Error("same mtime must be filtered")
	}
	if !s.SetFileMTime(ts.Add(time.Second)) {
		t.Error("new mtime must report change")
	}
}
