// Package summary generates sidecar summary files for tracked sessions by
// asking the session's own assistant CLI to describe the conversation. Runs
// are non-persistent so the session transcript is never polluted.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/registry"
)

// jobTimeout bounds one summarization run.
const jobTimeout = 5 * time.Minute

// prompt asks for exactly the sidecar fields, as JSON, so the result parses
// without heuristics.
const prompt = `Summarize this coding session. Respond with ONLY a JSON object, no prose and no code fences, with these keys:
"title": a short name for the session (max 8 words),
"short_summary": one sentence describing what was done,
"executive_summary": one paragraph covering goals, approach, and outcome,
"branch": the git branch worked on, or "" if unknown.`

// Summarizer schedules and runs summarization jobs.
type Summarizer struct {
	Registry *registry.Registry
	Backends *backend.Multi

	// IdleAfter is how long a session must be quiet before an idle
	// summarization fires. Zero disables the idle trigger.
	IdleAfter time.Duration

	// IdleModel, when set, overrides the session's own model for idle
	// jobs (a cheaper model is usually fine for titles).
	IdleModel string

	// LongRunningAfter triggers a refresh after any CLI run at least this
	// long. Zero disables the trigger.
	LongRunningAfter time.Duration

	// LogPath, when set, appends one JSON line per completed job.
	LogPath string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NoteActivity resets the session's idle timer. Called by the watcher on
// every transcript append.
func (sm *Summarizer) NoteActivity(sess *registry.Session) {
	if sm.IdleAfter <= 0 {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.timers == nil {
		sm.timers = make(map[string]*time.Timer)
	}
	if t, ok := sm.timers[sess.ID]; ok {
		t.Stop()
	}
	id := sess.ID
	sm.timers[id] = time.AfterFunc(sm.IdleAfter, func() { sm.idleFired(id) })
}

// RunFinished is called by the supervisor after each child exits. A session
// without a sidecar gets one immediately; an existing sidecar is refreshed
// only after a long-running child.
func (sm *Summarizer) RunFinished(sess *registry.Session, runDuration time.Duration) {
	refresh := sm.LongRunningAfter > 0 && runDuration >= sm.LongRunningAfter
	if sess.Summary != nil && !refresh {
		return
	}
	go func() {
		if err := sm.Summarize(sess, ""); err != nil {
			log.Printf("[summary] %s: %v", sess.ID, err)
		}
	}()
}

// Stop cancels the session's pending idle job.
func (sm *Summarizer) Stop(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.timers[sessionID]; ok {
		t.Stop()
		delete(sm.timers, sessionID)
	}
}

func (sm *Summarizer) idleFired(sessionID string) {
	sm.mu.Lock()
	delete(sm.timers, sessionID)
	sm.mu.Unlock()

	sess, ok := sm.Registry.Get(sessionID)
	if !ok {
		return
	}
	// Idle jobs only fill a missing sidecar; refreshes come from the
	// long-running trigger or an explicit request.
	if sess.Summary != nil {
		return
	}
	if err := sm.Summarize(sess, sm.IdleModel); err != nil {
		log.Printf("[summary] %s: %v", sessionID, err)
	}
}

// Summarize runs one job synchronously and writes the sidecar. model, when
// empty, defaults to the session's own model so the CLI stays on the warm
// prompt cache.
func (sm *Summarizer) Summarize(sess *registry.Session, model string) error {
	owner, err := sm.Backends.ByPath(sess.Path)
	if err != nil {
		return err
	}
	if !owner.CLIAvailable() {
		return fmt.Errorf("summary: %s CLI unavailable", owner.Name())
	}
	if model == "" {
		model = owner.Model(sess.Path)
	}

	spec, err := owner.BuildSend(sess.Path, prompt, backend.CommandOptions{
		JSONOutput: true,
		NoPersist:  true,
		Model:      model,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	if sess.Meta != nil {
		cmd.Dir = sess.Meta.ProjectPath
	}
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("summary: run %s: %w", spec.Argv[0], err)
	}

	summary, err := parseResult(out)
	if err != nil {
		return err
	}
	if summary.Branch == "" && sess.Meta != nil {
		summary.Branch = gitBranch(sess.Meta.ProjectPath)
	}

	if err := writeSidecar(sess.Path, summary); err != nil {
		return err
	}
	sm.appendLog(sess.ID, summary, time.Since(started))
	log.Printf("[summary] wrote sidecar for %s (%q)", sess.ID, summary.Title)
	return nil
}

// parseResult unwraps the CLI's JSON envelope ({"result": "..."}) and parses
// the inner summary object, tolerating code fences the model should not but
// sometimes does emit.
func parseResult(out []byte) (*registry.Summary, error) {
	var envelope struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(out, &envelope); err != nil {
		return nil, fmt.Errorf("summary: parse CLI output: %w", err)
	}

	text := strings.TrimSpace(envelope.Result)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var s registry.Summary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("summary: parse result payload: %w", err)
	}
	if s.Title == "" && s.ShortSummary == "" {
		return nil, fmt.Errorf("summary: empty result")
	}
	return &s, nil
}

func gitBranch(projectPath string) string {
	if projectPath == "" {
		return ""
	}
	out, err := exec.Command("git", "-C", projectPath, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func writeSidecar(transcriptPath string, s *registry.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(registry.SidecarPath(transcriptPath), append(data, '\n'), 0o644)
}

// appendLog writes one JSONL record per completed job when logging is on.
func (sm *Summarizer) appendLog(sessionID string, s *registry.Summary, took time.Duration) {
	if sm.LogPath == "" {
		return
	}
	rec := struct {
		Time      time.Time `json:"time"`
		SessionID string    `json:"session_id"`
		Title     string    `json:"title"`
		TookMS    int64     `json:"took_ms"`
	}{time.Now().UTC(), sessionID, s.Title, took.Milliseconds()}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(sm.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}
