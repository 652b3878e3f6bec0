package claude

import (
	"fmt"
	"os/exec"

	"github.com/agentlens/backend/internal/backend"
)

// cliBinary is the assistant CLI driven by this backend.
const cliBinary = "claude"

func (a *Adapter) SupportsFork() bool                { return true }
func (a *Adapter) SupportsPermissionDetection() bool { return true }
func (a *Adapter) SupportsSessionPinning() bool      { return true }

// CLIAvailable reports whether the CLI binary is on PATH.
func (a *Adapter) CLIAvailable() bool {
	_, err := exec.LookPath(cliBinary)
	return err == nil
}

func (a *Adapter) InstallHint() string {
	return "install the Claude Code CLI: npm install -g @anthropic-ai/claude-code"
}

// Models returns the model aliases the CLI accepts.
func (a *Adapter) Models() []string {
	return []string{"opus", "sonnet", "haiku"}
}

// BuildSend resumes the session in print mode with the message on stdin.
func (a *Adapter) BuildSend(path, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	return a.buildRun([]string{"--resume", a.SessionID(path)}, message, opts)
}

// BuildFork resumes with --fork-session so the CLI writes a new transcript.
func (a *Adapter) BuildFork(path, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	return a.buildRun([]string{"--resume", a.SessionID(path), "--fork-session"}, message, opts)
}

// BuildNewSession starts a fresh session, optionally pinning its ID so the
// resulting transcript filename is known in advance.
func (a *Adapter) BuildNewSession(cwd, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	var extra []string
	if opts.SessionID != "" {
		extra = append(extra, "--session-id", opts.SessionID)
	}
	spec, err := a.buildRun(extra, message, opts)
	if err != nil {
		return nil, err
	}
	spec.Dir = cwd
	return spec, nil
}

func (a *Adapter) buildRun(extra []string, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	if message == "" {
		return nil, fmt.Errorf("claude: empty message")
	}

	argv := []string{cliBinary, "--print"}
	argv = append(argv, extra...)

	switch {
	case opts.MachineReadable:
		argv = append(argv, "--output-format", "stream-json", "--verbose")
	case opts.JSONOutput:
		argv = append(argv, "--output-format", "json")
	}
	if opts.NoPersist {
		argv = append(argv, "--no-session-persistence")
	}
	if opts.SkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	for _, dir := range opts.AllowedDirs {
		argv = append(argv, "--add-dir", dir)
	}

	return &backend.CommandSpec{Argv: argv, Stdin: message}, nil
}
