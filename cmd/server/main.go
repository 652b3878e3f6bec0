package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentlens/backend/internal/backend"
	"github.com/agentlens/backend/internal/backend/claude"
	"github.com/agentlens/backend/internal/backend/opencode"
	"github.com/agentlens/backend/internal/config"
	"github.com/agentlens/backend/internal/hub"
	"github.com/agentlens/backend/internal/permissions"
	"github.com/agentlens/backend/internal/procscan"
	"github.com/agentlens/backend/internal/registry"
	"github.com/agentlens/backend/internal/server"
	"github.com/agentlens/backend/internal/summary"
	"github.com/agentlens/backend/internal/supervisor"
	"github.com/agentlens/backend/internal/watcher"
)

func main() {
	var (
		configPath       string
		host             string
		port             int
		maxSessions      int
		includeSubagents bool
		skipPermissions  bool
		disableSend      bool
	)

	root := &cobra.Command{
		Use:   "agentlens-server",
		Short: "Local web server that tracks AI coding assistant sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if maxSessions > 0 {
				cfg.MaxSessions = maxSessions
			}
			if includeSubagents {
				cfg.IncludeSubagents = true
			}
			if skipPermissions {
				cfg.SkipPermissions = true
			}
			if disableSend {
				cfg.SendEnabled = false
			}
			return run(cfg)
		},
	}

	defaultConfig := filepath.Join(config.UserConfigDir(), "config.yaml")
	root.Flags().StringVar(&configPath, "config", defaultConfig, "path to config file")
	root.Flags().StringVar(&host, "host", "127.0.0.1", "bind address")
	root.Flags().IntVar(&port, "port", 0, "override server port")
	root.Flags().IntVar(&maxSessions, "max-sessions", 0, "override tracked session cap")
	root.Flags().BoolVar(&includeSubagents, "include-subagents", false, "track subagent sessions too")
	root.Flags().BoolVar(&skipPermissions, "skip-permissions", false, "spawn CLIs with permission prompts disabled")
	root.Flags().BoolVar(&disableSend, "disable-send", false, "reject all send/fork/new-session requests")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	backends := backend.NewMulti([]backend.Backend{
		claude.New(""),
		opencode.New(""),
	}, cfg.DefaultSendBackend)

	reg := registry.New(backends, cfg.MaxSessions)
	h := hub.New(cfg.ClientQueueSize)

	allowedDirs, err := permissions.LoadAllowedDirs()
	if err != nil {
		return err
	}

	sm := &summary.Summarizer{
		Registry:         reg,
		Backends:         backends,
		IdleAfter:        cfg.SummarizeAfterIdle,
		IdleModel:        cfg.IdleSummaryModel,
		LongRunningAfter: cfg.SummaryAfterLongRunning,
		LogPath:          cfg.SummaryLogPath,
	}

	sv := &supervisor.Supervisor{
		Registry:        reg,
		Backends:        backends,
		Hub:             h,
		SendEnabled:     cfg.SendEnabled,
		ForkEnabled:     cfg.ForkEnabled,
		SkipPermissions: cfg.SkipPermissions,
		ThinkingBudget:  cfg.ThinkingBudget,
		AllowedDirs:     allowedDirs,
		OnRunFinished:   sm.RunFinished,
	}

	w := &watcher.Watcher{
		Registry:         reg,
		Backends:         backends,
		Hub:              h,
		Debounce:         cfg.WatchDebounce,
		IncludeSubagents: cfg.IncludeSubagents,
		OnActivity:       sm.NoteActivity,
		OnAdded:          sv.AttachIfPending,
		OnRemoved:        sm.Stop,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Track whatever already exists before the first client connects.
	w.Discover()
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[main] watcher: %v", err)
		}
	}()

	srv := &server.Server{
		Config:      cfg,
		Registry:    reg,
		Backends:    backends,
		Hub:         h,
		Supervisor:  sv,
		Summarizer:  sm,
		AllowedDirs: allowedDirs,
		Scanner:     &procscan.Scanner{},
	}
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[main] shutting down")
		cancel()
		os.Exit(0)
	}()

	return server.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux)
}
