// Package procscan detects assistant CLI processes the server did not spawn,
// so sessions driven from a terminal still show as running. Results are
// cached briefly: a full process-table walk per status request would be
// wasteful.
package procscan

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// cacheTTL bounds scan staleness. Status polls within the window reuse the
// previous walk.
const cacheTTL = 5 * time.Second

// cliNames are the process names treated as assistant CLIs.
var cliNames = map[string]bool{
	"claude":   true,
	"opencode": true,
}

type entry struct {
	pid int32
	cwd string
}

// Scanner walks the process table for assistant CLIs.
type Scanner struct {
	mu      sync.Mutex
	scanned time.Time
	entries []entry
}

// PIDForProject returns the PID of an assistant CLI whose working directory
// is projectPath or beneath it, or 0 when none is running.
func (s *Scanner) PIDForProject(projectPath string) int {
	if projectPath == "" {
		return 0
	}
	projectPath = filepath.Clean(projectPath)

	for _, e := range s.snapshot() {
		if e.cwd == projectPath || strings.HasPrefix(e.cwd, projectPath+string(filepath.Separator)) {
			return int(e.pid)
		}
	}
	return 0
}

func (s *Scanner) snapshot() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.scanned) < cacheTTL {
		return s.entries
	}

	procs, err := process.Processes()
	if err != nil {
		return s.entries
	}

	var found []entry
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || !cliNames[strings.ToLower(name)] {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		found = append(found, entry{pid: p.Pid, cwd: filepath.Clean(cwd)})
	}

	s.entries = found
	s.scanned = time.Now()
	return s.entries
}
