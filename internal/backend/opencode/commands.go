package opencode

import (
	"fmt"
	"os/exec"

	"github.com/agentlens/backend/internal/backend"
)

const cliBinary = "opencode"

func (a *Adapter) SupportsFork() bool                { return false }
func (a *Adapter) SupportsPermissionDetection() bool { return false }
func (a *Adapter) SupportsSessionPinning() bool      { return false }

func (a *Adapter) CLIAvailable() bool {
	_, err := exec.LookPath(cliBinary)
	return err == nil
}

func (a *Adapter) InstallHint() string {
	return "install the OpenCode CLI: npm install -g opencode-ai"
}

func (a *Adapter) Models() []string {
	return []string{
		"anthropic/claude-opus-4-5",
		"anthropic/claude-sonnet-4-5",
		"anthropic/claude-haiku-4-5",
	}
}

// BuildSend runs the CLI against an existing session. The message is passed
// as a positional argument; the CLI takes no stdin payload.
func (a *Adapter) BuildSend(path, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	if message == "" {
		return nil, fmt.Errorf("opencode: empty message")
	}
	argv := []string{cliBinary, "run", "--session", a.SessionID(path)}
	argv = appendCommon(argv, opts)
	argv = append(argv, message)
	return &backend.CommandSpec{Argv: argv}, nil
}

// BuildFork is unsupported; the CLI has no fork mode.
func (a *Adapter) BuildFork(path, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	return nil, fmt.Errorf("opencode: fork not supported")
}

// BuildNewSession starts a fresh session in cwd.
func (a *Adapter) BuildNewSession(cwd, message string, opts backend.CommandOptions) (*backend.CommandSpec, error) {
	if message == "" {
		return nil, fmt.Errorf("opencode: empty message")
	}
	argv := []string{cliBinary, "run"}
	argv = appendCommon(argv, opts)
	argv = append(argv, message)
	return &backend.CommandSpec{Argv: argv, Dir: cwd}, nil
}

func appendCommon(argv []string, opts backend.CommandOptions) []string {
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.JSONOutput {
		argv = append(argv, "--format", "json")
	}
	if opts.NoPersist {
		argv = append(argv, "--no-save")
	}
	return argv
}
