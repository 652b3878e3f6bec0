package supervisor

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// child wraps a running CLI process. It satisfies registry.Child so the
// registry can terminate it on eviction.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	exited bool
}

func newChild(cmd *exec.Cmd) *child {
	return &child{cmd: cmd, done: make(chan struct{})}
}

// markExited is called by the waiter goroutine once Wait returns.
func (c *child) markExited() {
	c.mu.Lock()
	c.exited = true
	c.mu.Unlock()
	close(c.done)
}

// Pid returns the child's process ID, or 0 before start.
func (c *child) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Terminate sends SIGTERM, waits up to grace, then SIGKILLs. Safe to call
// after exit.
func (c *child) Terminate(grace time.Duration) {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited || c.cmd.Process == nil {
		return
	}

	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.done:
	case <-time.After(grace):
		_ = c.cmd.Process.Kill()
	}
}
