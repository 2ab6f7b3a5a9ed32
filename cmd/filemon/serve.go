package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filemonitor/filemon/internal/api"
	"github.com/filemonitor/filemon/internal/config"
	"github.com/filemonitor/filemon/internal/notify"
	"github.com/filemonitor/filemon/internal/observer"
	"github.com/filemonitor/filemon/internal/service"
	"github.com/filemonitor/filemon/internal/status"
	"github.com/filemonitor/filemon/internal/uistate"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor service and its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("backend", cfg.Backend),
		slog.String("settings_path", cfg.SettingsPath),
		slog.String("log_level", cfg.LogLevel),
	)

	backend, err := observer.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	factory, err := observer.NewFactory(backend, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SettingsPath), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	settings, err := uistate.OpenSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}
	defer settings.Close()

	store := uistate.NewStore(initialState(settings, cfg, logger))

	notifier, err := notify.New(os.Stdout, logger, notify.Options{
		Allowed: cfg.Notifications.Enabled,
		Ignore:  cfg.Notifications.Ignore,
		Color:   cfg.Notifications.Color,
	})
	if err != nil {
		return err
	}

	var pubKey *rsa.PublicKey
	if cfg.Auth.PublicKeyPath != "" {
		if pubKey, err = api.LoadPublicKey(cfg.Auth.PublicKeyPath); err != nil {
			return err
		}
	}

	indicator := status.NewIndicator(logger, 0)
	svc := service.New(factory, indicator, logger,
		service.WithNotifier(notifier),
		service.WithStore(store),
	)
	hub := api.NewHub(logger, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { svc.Run(ctx) })
	run(func() { hub.Run(ctx, svc.Events().Subscribe(ctx), indicator.Subscribe(ctx)) })
	run(func() { uistate.Bind(ctx, store, svc.Toggler(), logger) })
	run(func() { uistate.Persist(ctx, store, settings, logger) })
	store.ServiceConnected()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(api.NewServer(svc, hub, indicator, logger), pubKey),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Bool("auth", pubKey != nil))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case runErr = <-serveErr:
		logger.Error("control API error", slog.Any("error", runErr))
	}

	// WebSocket connections are hijacked and not tracked by Shutdown; closing
	// the hub ends their write loops.
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown error", slog.Any("error", err))
	}

	cancel()
	wg.Wait()

	logger.Info("filemon exited cleanly")
	return runErr
}

// initialState prefers saved settings; monitored_dir from config only
// replaces the built-in default.
func initialState(settings *uistate.Settings, cfg *config.Config, logger *slog.Logger) uistate.State {
	st, err := settings.Load(context.Background())
	if err != nil {
		logger.Warn("failed to load settings, using defaults", slog.Any("error", err))
		st = uistate.DefaultState()
	}
	if st.MonitoredDir == uistate.DefaultMonitoredDir && cfg.MonitoredDir != "" {
		st.MonitoredDir = cfg.MonitoredDir
	}
	return st
}
