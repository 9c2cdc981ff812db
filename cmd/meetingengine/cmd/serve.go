package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meetingengine/pkg/api"
	"meetingengine/pkg/config"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session engine (also the default with no subcommand)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return newExitError(2, "failed to load configuration: %w", err)
	}

	if !config.IsLoopback(cfg.Server.Host) {
		return newExitError(2, "ENGINE_HOST %q must resolve to loopback; refusing to bind a non-local address", cfg.Server.Host)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return newExitError(2, "ENGINE_PORT %d is out of range", cfg.Server.Port)
	}

	logger := logging.New(logging.ParseLevel(cfg.Engine.LogLevel))

	registry, err := session.NewRegistry(session.Config{
		MaxConcurrentSessions: cfg.Engine.MaxConcurrentSessions,
		MaxConcurrentLLMCalls: cfg.Engine.MaxConcurrentLLMCalls,
		OllamaBaseURL:         cfg.Engine.OllamaBaseURL,
		HistoryDir:            cfg.Engine.HistoryDir,
		ProdMode:              cfg.Engine.ProdMode(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session registry: %w", err)
	}
	defer registry.Close()

	handlers := api.NewHandlers(registry, cfg.Engine.AuthToken, cfg.Engine.StopDrainTimeout,
		api.SessionDefaults{
			ChunkDurationSecs: cfg.Defaults.ChunkDurationSecs,
			MaxQueueDepth:     cfg.Defaults.MaxQueueDepth,
			CompanionNaming:   cfg.Defaults.CompanionNaming,
		}, logger)
	router := api.NewRouter(handlers)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrs := make(chan error, 1)
	go func() {
		logger.Info("engine listening", logging.Fields{"addr": srv.Addr, "mode": cfg.Engine.Mode})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
		logger.Info("shutdown signal received", nil)
	}

	registry.AbortActive(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("engine exited cleanly", nil)
	return nil
}
