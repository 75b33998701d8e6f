package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brigadehq/agentharness/internal/callbackstore"
	"github.com/brigadehq/agentharness/internal/config"
	"github.com/brigadehq/agentharness/internal/eventbus"
	"github.com/brigadehq/agentharness/internal/httpapi"
	"github.com/brigadehq/agentharness/internal/manager"
	"github.com/brigadehq/agentharness/internal/poller"
	"github.com/brigadehq/agentharness/internal/subscriptions"
	"github.com/brigadehq/agentharness/internal/tmux"
	"github.com/brigadehq/agentharness/internal/webhook"

	_ "github.com/brigadehq/agentharness/internal/provider/claudecode"
	_ "github.com/brigadehq/agentharness/internal/provider/codex"
	_ "github.com/brigadehq/agentharness/internal/provider/opencode"
	_ "github.com/brigadehq/agentharness/internal/provider/pi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentharnessd HTTP+SSE server in the foreground",
	Long: `serve wires the event bus, session manager, poller, and webhook
dispatcher, rehydrates any projects/agents already live in tmux, then
listens for HTTP until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel := slog.LevelInfo
	if debugFlag {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	if !debugFlag {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg := config.ApplyEnv(config.Defaults(), os.Getenv)

	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	subs, err := subscriptions.Load(cfg.SubscriptionsPath)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	bus := eventbus.New(cfg.MaxEventHistory)

	store, err := callbackstore.Open(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("open callback store: %w", err)
	}

	client := tmux.New()
	if client.Unavailable() {
		logger.Warn("tmux binary not found; server will report TMUX_UNAVAILABLE until it is installed")
	}

	mgr := manager.New(client, bus, cfg, subs, nil)

	if err := mgr.RehydrateProjectsFromTmux(); err != nil {
		logger.Warn("rehydrate projects from tmux", "err", err)
	}
	if err := mgr.RehydrateAgentsFromTmux(); err != nil {
		logger.Warn("rehydrate agents from tmux", "err", err)
	}
	restoreCallbacks(mgr, store, logger)

	p := poller.New(client, mgr, cfg, nil)

	dispatcher := webhook.New(mgr, cfg, nil, logger)
	unsubscribe := dispatcher.Start()
	defer unsubscribe()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go p.Run(ctx)
	go dispatcher.RunSafetyNet(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.New(mgr, dispatcher, store, cfg, logger).Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agentharnessd listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-serveErr
}

// restoreCallbacks merges callbacks.json's persisted project/agent
// callbacks onto the in-memory entities rehydrated from tmux, so a restart
// does not silently drop routing configured before the crash.
func restoreCallbacks(mgr *manager.Manager, store *callbackstore.Store, logger *slog.Logger) {
	projects, agents, err := store.Load()
	if err != nil {
		logger.Warn("load persisted callbacks", "err", err)
		return
	}
	for name, cb := range projects {
		if _, err := mgr.UpdateProject(name, nil, toManagerCallback(cb)); err != nil {
			logger.Debug("skip persisted project callback", "project", name, "err", err)
		}
	}
	for key, cb := range agents {
		project, agentID, ok := splitAgentKey(key)
		if !ok {
			continue
		}
		if err := mgr.SetAgentCallback(project, agentID, toManagerCallback(cb)); err != nil {
			logger.Debug("skip persisted agent callback", "key", key, "err", err)
		}
	}
}

func toManagerCallback(cb *callbackstore.Callback) *manager.Callback {
	if cb == nil {
		return nil
	}
	return &manager.Callback{
		URL:            cb.URL,
		Token:          cb.Token,
		DiscordChannel: cb.DiscordChannel,
		SessionKey:     cb.SessionKey,
		Extra:          cb.Extra,
	}
}

// splitAgentKey reverses the "project:id" key callbackstore uses for agent
// callbacks.
func splitAgentKey(key string) (project, agentID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
