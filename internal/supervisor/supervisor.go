// Package supervisor runs assistant CLI processes on behalf of tracked
// sessions: follow-up sends, forks, fresh sessions, and interrupts. At most
// one child runs per session; further sends queue and are pumped in order as
// runs finish.
package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/hub"
	"github.com/agentlens/backend/internal/permissions"
	"github.com/agentlens/backend/internal/registry"
)

// interruptGrace is how long an interrupted child gets to exit cleanly.
const interruptGrace = 2 * time.Second

// newSessionGrace is how long a fresh CLI run gets before its pending attach
// record is considered stale.
const newSessionGrace = 10 * time.Minute

// newSessionStartupGrace is how long a new-session request blocks on the
// child: an exit inside this window surfaces its denials in the response,
// after it the rest of the run is monitored in the background.
const newSessionStartupGrace = 500 * time.Millisecond

var (
	ErrSendDisabled    = errors.New("supervisor: sending is disabled")
	ErrForkDisabled    = errors.New("supervisor: forking is disabled")
	ErrForkUnsupported = errors.New("supervisor: backend does not support forking")
	ErrCLIUnavailable  = errors.New("supervisor: assistant CLI not installed")
	ErrNotFound        = errors.New("supervisor: session not tracked")
)

// thinkingBudgets maps trigger keywords in a message to an extended thinking
// token budget, checked most generous first.
var thinkingBudgets = []struct {
	keyword string
	tokens  int
}{
	{"ultrathink", 31999},
	{"megathink", 10000},
	{"think", 4000},
}

// pendingRun ties a freshly spawned new-session child to the session the
// watcher will discover moments later.
type pendingRun struct {
	child     *child
	sessionID string // known upfront when the CLI lets us pin the ID
	cwd       string
	started   time.Time
}

// Supervisor owns all child CLI processes.
type Supervisor struct {
	Registry *registry.Registry
	Backends *backend.Multi
	Hub      *hub.Hub

	SendEnabled     bool
	ForkEnabled     bool
	SkipPermissions bool
	ThinkingBudget  int

	// AllowedDirs threads the sandbox allow-list into every invocation.
	AllowedDirs *permissions.AllowedDirs

	// OnRunFinished, if set, is called after a child exits with the session
	// and the run duration. The summarizer hangs its long-running trigger
	// off it.
	OnRunFinished func(s *registry.Session, runDuration time.Duration)

	mu      sync.Mutex
	pending []*pendingRun
}

// SendResult reports what happened to a send request.
type SendResult struct {
	Queued   bool
	Position int
}

// NewSessionResult reports how a new-session run started. Denials is
// non-empty when the child exited within the startup grace with permission
// denials on its stream output.
type NewSessionResult struct {
	SessionID string
	Denials   []permissions.Denial
}

// Send delivers a follow-up message to the session. If a child is already
// running the message is queued and its 1-based position returned.
func (sv *Supervisor) Send(sessionID, message string) (*SendResult, error) {
	if !sv.SendEnabled {
		return nil, ErrSendDisabled
	}
	sess, ok := sv.Registry.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	owner, err := sv.Backends.ByPath(sess.Path)
	if err != nil {
		return nil, err
	}
	if !owner.CLIAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrCLIUnavailable, owner.InstallHint())
	}

	if sess.Running() {
		pos := sess.Enqueue(message)
		sv.broadcastStatus(sess)
		return &SendResult{Queued: true, Position: pos}, nil
	}

	spec, err := owner.BuildSend(sess.Path, message, sv.commandOptions(owner))
	if err != nil {
		return nil, err
	}
	if err := sv.start(sess, owner, spec, message); err != nil {
		return nil, err
	}
	return &SendResult{}, nil
}

// Fork seeds a new session with this session's history plus the message. The
// forked transcript is picked up by discovery like any other new session.
func (sv *Supervisor) Fork(sessionID, message string) error {
	if !sv.ForkEnabled {
		return ErrForkDisabled
	}
	sess, ok := sv.Registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	owner, err := sv.Backends.ByPath(sess.Path)
	if err != nil {
		return err
	}
	if !owner.SupportsFork() {
		return ErrForkUnsupported
	}
	if !owner.CLIAvailable() {
		return fmt.Errorf("%w: %s", ErrCLIUnavailable, owner.InstallHint())
	}

	spec, err := owner.BuildFork(sess.Path, message, sv.commandOptions(owner))
	if err != nil {
		return err
	}
	if spec.Dir == "" && sess.Meta != nil {
		spec.Dir = sess.Meta.ProjectPath
	}
	// A fork writes a new transcript; it does not occupy the source
	// session's run slot. The source cwd lets discovery attach the child.
	_, _, err = sv.startDetached(owner, spec, message, "", spec.Dir)
	return err
}

// Interrupt drains the session's queue and terminates its child, if any.
func (sv *Supervisor) Interrupt(sessionID string) error {
	sess, ok := sv.Registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	sess.DrainQueue()
	if c := sess.ChildHandle(); c != nil {
		c.Terminate(interruptGrace)
	}
	sv.broadcastStatus(sess)
	return nil
}

// NewSession starts a fresh CLI session in cwd with an initial message. The
// transcript appears on disk shortly after and is attached to the running
// child when discovery tracks it. For permission-detecting backends the call
// blocks up to the startup grace so an early denial lands in the result.
func (sv *Supervisor) NewSession(backendName, cwd, message string) (*NewSessionResult, error) {
	if !sv.SendEnabled {
		return nil, ErrSendDisabled
	}
	if !filepath.IsAbs(cwd) {
		return nil, fmt.Errorf("supervisor: cwd must be absolute: %s", cwd)
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("supervisor: cwd is not a directory: %s", cwd)
	}

	var owner backend.Backend
	if backendName != "" {
		b, ok := sv.Backends.ByName(backendName)
		if !ok {
			return nil, fmt.Errorf("supervisor: unknown backend %q", backendName)
		}
		owner = b
	} else {
		owner = sv.Backends.Default()
	}
	if owner == nil {
		return nil, errors.New("supervisor: no backends configured")
	}
	if !owner.CLIAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrCLIUnavailable, owner.InstallHint())
	}

	opts := sv.commandOptions(owner)
	// Pin the session ID upfront when the CLI accepts one, so the watcher
	// can attach the running child the moment the transcript shows up.
	sessionID := ""
	if owner.SupportsSessionPinning() {
		sessionID = uuid.NewString()
		opts.SessionID = sessionID
	}

	spec, err := owner.BuildNewSession(cwd, message, opts)
	if err != nil {
		return nil, err
	}
	c, stdout, err := sv.startDetached(owner, spec, message, sessionID, cwd)
	if err != nil {
		return nil, err
	}

	res := &NewSessionResult{SessionID: sessionID}
	if opts.MachineReadable {
		select {
		case <-c.done:
			res.Denials = permissions.ParseDenials(stdout.Bytes())
		case <-time.After(newSessionStartupGrace):
		}
	}
	return res, nil
}

// AttachIfPending connects a just-discovered session to a child spawned by
// NewSession or Fork. The watcher calls it for every session it adds.
func (sv *Supervisor) AttachIfPending(sess *registry.Session) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	kept := sv.pending[:0]
	var match *pendingRun
	now := time.Now()
	for _, p := range sv.pending {
		if now.Sub(p.started) > newSessionGrace {
			continue
		}
		if match == nil && sv.pendingMatches(p, sess) {
			match = p
			continue
		}
		kept = append(kept, p)
	}
	sv.pending = kept

	if match != nil && sess.SetChild(match.child) {
		log.Printf("[supervisor] attached child pid %d to %s", match.child.Pid(), sess.ID)
		sv.broadcastStatus(sess)
	}
}

func (sv *Supervisor) pendingMatches(p *pendingRun, sess *registry.Session) bool {
	if p.sessionID != "" {
		return p.sessionID == sess.ID
	}
	return sess.Meta != nil && sess.Meta.ProjectPath == p.cwd
}

// commandOptions builds the per-run options from configuration.
func (sv *Supervisor) commandOptions(owner backend.Backend) backend.CommandOptions {
	opts := backend.CommandOptions{
		SkipPermissions: sv.SkipPermissions,
	}
	if owner.SupportsPermissionDetection() && !sv.SkipPermissions {
		opts.MachineReadable = true
	}
	if sv.AllowedDirs != nil {
		opts.AllowedDirs = sv.AllowedDirs.List()
	}
	return opts
}

// start runs a child occupying the session's run slot.
func (sv *Supervisor) start(sess *registry.Session, owner backend.Backend, spec *backend.CommandSpec, message string) error {
	cmd, stdout := sv.buildCmd(spec, message, sess.Meta)
	c := newChild(cmd)
	if !sess.SetChild(c) {
		// Raced with another send; queue instead.
		sess.Enqueue(message)
		sv.broadcastStatus(sess)
		return nil
	}

	if err := cmd.Start(); err != nil {
		sess.ClearChild(c)
		return fmt.Errorf("supervisor: start %s: %w", spec.Argv[0], err)
	}
	log.Printf("[supervisor] pid %d: %s for %s", cmd.Process.Pid, filepath.Base(spec.Argv[0]), sess.ID)
	sv.broadcastStatus(sess)

	started := time.Now()
	go func() {
		err := cmd.Wait()
		c.markExited()
		sess.ClearChild(c)
		duration := time.Since(started)
		if err != nil {
			log.Printf("[supervisor] pid %d exited: %v", c.Pid(), err)
		}

		denied := sv.reportDenials(sess, owner, stdout, message)
		sv.broadcastStatus(sess)
		if sv.OnRunFinished != nil {
			sv.OnRunFinished(sess, duration)
		}
		// A denied run leaves the queue untouched: the user grants or
		// discards before anything else runs.
		if !denied {
			sv.pumpQueue(sess, owner)
		}
	}()
	return nil
}

// startDetached runs a child not tied to an existing session's run slot (new
// sessions, forks) and records it for later attach. It returns the child and
// its captured stdout so NewSession can block on an early exit.
func (sv *Supervisor) startDetached(owner backend.Backend, spec *backend.CommandSpec, message, sessionID, cwd string) (*child, *bytes.Buffer, error) {
	cmd, stdout := sv.buildCmd(spec, message, nil)
	c := newChild(cmd)

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("supervisor: start %s: %w", spec.Argv[0], err)
	}
	log.Printf("[supervisor] pid %d: new %s run in %s", cmd.Process.Pid, owner.Name(), cwd)

	sv.mu.Lock()
	sv.pending = append(sv.pending, &pendingRun{child: c, sessionID: sessionID, cwd: cwd, started: time.Now()})
	sv.mu.Unlock()

	go func() {
		err := cmd.Wait()
		c.markExited()
		if err != nil {
			log.Printf("[supervisor] pid %d exited: %v", c.Pid(), err)
		}

		// By exit time discovery has usually tracked the session. Without
		// a pinned ID the session is found by its attached child handle.
		var sess *registry.Session
		if sessionID != "" {
			sess, _ = sv.Registry.Get(sessionID)
		} else {
			for _, s := range sv.Registry.List() {
				if s.ChildHandle() == c {
					sess = s
					break
				}
			}
		}
		if sess != nil {
			sess.ClearChild(c)
			denied := sv.reportDenials(sess, owner, stdout, message)
			sv.broadcastStatus(sess)
			if !denied {
				sv.pumpQueue(sess, owner)
			}
		}
	}()
	return c, stdout, nil
}

// buildCmd turns a CommandSpec into an exec.Cmd, wiring stdin, working
// directory, the thinking-budget env var, and stdout capture for denial
// parsing.
func (sv *Supervisor) buildCmd(spec *backend.CommandSpec, message string, meta *backend.SessionMeta) (*exec.Cmd, *bytes.Buffer) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" && meta != nil {
		cmd.Dir = meta.ProjectPath
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	cmd.Env = os.Environ()
	if budget := thinkingBudgetFor(message, sv.ThinkingBudget); budget > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", budget))
	}

	stdout := &bytes.Buffer{}
	cmd.Stdout = stdout
	return cmd, stdout
}

// thinkingBudgetFor picks the extended-thinking budget: keyword triggers in
// the message win over the configured default.
func thinkingBudgetFor(message string, configured int) int {
	lower := strings.ToLower(message)
	for _, tb := range thinkingBudgets {
		if strings.Contains(lower, tb.keyword) {
			return tb.tokens
		}
	}
	return configured
}

// reportDenials parses permission denials out of a finished run's stdout and
// broadcasts them so the frontend can offer the grant flow. Returns whether
// the run was denied.
func (sv *Supervisor) reportDenials(sess *registry.Session, owner backend.Backend, stdout *bytes.Buffer, message string) bool {
	if !owner.SupportsPermissionDetection() || stdout == nil {
		return false
	}
	denials := permissions.ParseDenials(stdout.Bytes())
	if len(denials) == 0 {
		return false
	}
	log.Printf("[supervisor] %d permission denial(s) in %s", len(denials), sess.ID)

	payload := hub.PermissionDeniedPayload{SessionID: sess.ID, Message: message}
	for _, d := range denials {
		payload.Denials = append(payload.Denials, d)
	}
	sv.Hub.BroadcastPermissionDenied(payload)
	return true
}

// pumpQueue starts the next queued message, if any.
func (sv *Supervisor) pumpQueue(sess *registry.Session, owner backend.Backend) {
	next, ok := sess.Dequeue()
	if !ok {
		return
	}
	spec, err := owner.BuildSend(sess.Path, next, sv.commandOptions(owner))
	if err != nil {
		log.Printf("[supervisor] queued send for %s: %v", sess.ID, err)
		return
	}
	if err := sv.start(sess, owner, spec, next); err != nil {
		log.Printf("[supervisor] queued send for %s: %v", sess.ID, err)
	}
}

func (sv *Supervisor) broadcastStatus(sess *registry.Session) {
	sv.Hub.BroadcastStatus(hub.StatusPayload{
		SessionID:      sess.ID,
		Running:        sess.Running(),
		QueuedMessages: sess.QueueLen(),
		Waiting:        sess.Waiting(),
	})
}
