package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentlens/backend/internal/config"
)

// allowedDirsFile persists the sandbox allow-list across restarts.
const allowedDirsFile = "allowed-dirs.json"

// AllowedDirs is the set of extra directories CLI children may touch. It is
// loaded once at startup and flushed to disk on every change.
type AllowedDirs struct {
	mu   sync.Mutex
	dirs []string
	path string
}

// LoadAllowedDirs reads the persisted allow-list, returning an empty store
// when the file does not exist yet.
func LoadAllowedDirs() (*AllowedDirs, error) {
	a := &AllowedDirs{path: filepath.Join(config.UserConfigDir(), allowedDirsFile)}

	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.dirs); err != nil {
		return nil, fmt.Errorf("permissions: parse %s: %w", a.path, err)
	}
	return a, nil
}

// Add records an absolute directory in the allow-list and persists it.
// Duplicates are no-ops.
func (a *AllowedDirs) Add(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("permissions: directory must be absolute: %s", dir)
	}
	dir = filepath.Clean(dir)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.dirs {
		if d == dir {
			return nil
		}
	}
	a.dirs = append(a.dirs, dir)
	return a.flushLocked()
}

// List returns a copy of the allow-list.
func (a *AllowedDirs) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.dirs))
	copy(out, a.dirs)
	return out
}

func (a *AllowedDirs) flushLocked() error {
	data, err := json.MarshalIndent(a.dirs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(a.path, append(data, '\n'), 0o644)
}
