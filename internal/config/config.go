// Package config holds the server's plain-record configuration: a YAML file
// with in-code defaults, overridable by command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`

	// MaxSessions caps the registry; the oldest session by last message
	// time is evicted when the cap is exceeded.
	MaxSessions int `yaml:"max_sessions"`

	SendEnabled        bool   `yaml:"send_enabled"`
	ForkEnabled        bool   `yaml:"fork_enabled"`
	SkipPermissions    bool   `yaml:"skip_permissions"`
	DefaultSendBackend string `yaml:"default_send_backend"`
	IncludeSubagents   bool   `yaml:"include_subagents"`

	// ThinkingBudget, when positive, sets MAX_THINKING_TOKENS on every
	// spawned child. Zero means keyword detection only.
	ThinkingBudget int `yaml:"thinking_budget"`

	SummarizeAfterIdle      time.Duration `yaml:"summarize_after_idle"`
	IdleSummaryModel        string        `yaml:"idle_summary_model"`
	SummaryAfterLongRunning time.Duration `yaml:"summary_after_long_running"`
	SummaryLogPath          string        `yaml:"summary_log_path"`

	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	ClientQueueSize int           `yaml:"client_queue_size"`
	CatchupBudget   time.Duration `yaml:"catchup_budget"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8317,
		},
		MaxSessions:             25,
		SendEnabled:             true,
		ForkEnabled:             true,
		DefaultSendBackend:      "claude",
		SummarizeAfterIdle:      2 * time.Minute,
		SummaryAfterLongRunning: 5 * time.Minute,
		WatchDebounce:           100 * time.Millisecond,
		ClientQueueSize:         100,
		CatchupBudget:           30 * time.Second,
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error: the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UserConfigDir returns the directory holding the server's persisted state
// (sandbox allow-list, preference files).
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentlens")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentlens")
}
