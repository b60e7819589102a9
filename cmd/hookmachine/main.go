// Command hookmachine is the automation daemon: it serves webhook
// deliveries, runs the periodic repository check, and executes the
// resulting jobs through the durable task queue.
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

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/queue"
	"github.com/joshfire/hookmachine/timer"
	"github.com/joshfire/hookmachine/webhook"
	"github.com/joshfire/hookmachine/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("hookmachine exited with error",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	var cfg hookmachine.Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	hooks, err := hookmachine.LoadHooks(cfg.HooksFile)
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		return fmt.Errorf("hooks file %s defines no hooks", cfg.HooksFile)
	}

	script := worker.NewScript(cfg.WorkDir,
		worker.WithTimeout(cfg.JobTimeout),
		worker.WithLogger(logger),
	)
	q := queue.New(cfg.TaskDir, script.Run,
		queue.WithMaxItems(cfg.MaxItems),
		queue.WithLogger(logger),
	)
	if err := q.Init(context.Background()); err != nil {
		return fmt.Errorf("prepare task directory: %w", err)
	}

	checker, err := timer.New(q, hooks, cfg.CheckSchedule,
		timer.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	handler := webhook.NewServer(q, hooks,
		webhook.WithEvent(cfg.HookEvent),
		webhook.WithRateLimit(cfg.HookRateLimit, cfg.HookRateBurst),
		webhook.WithLogger(logger),
	)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		if err := checker.Run(ctx); !errors.Is(err, context.Canceled) {
			logger.Error("periodic checker stopped",
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info("hookmachine started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("task_dir", cfg.TaskDir),
		slog.Int("max_items", cfg.MaxItems),
		slog.Int("hooks", len(hooks)),
		slog.String("check_schedule", cfg.CheckSchedule),
	)

	select {
	case err := <-serveErr:
		return fmt.Errorf("webhook listener: %w", err)
	case <-ctx.Done():
	}
	stop()

	logger.Info("shutting down",
		slog.Duration("timeout", cfg.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook listener shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if err := q.Close(shutdownCtx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}

	logger.Info("hookmachine stopped")
	return nil
}
