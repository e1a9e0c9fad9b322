// Package app owns the recorder daemon's lifecycle. It wires the exchange
// adapters, stores, cache, and archive from configuration and runs the
// recorder until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmxt/pmxt-go/config"
	"github.com/pmxt/pmxt-go/internal/recorder"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and records until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting recorder",
		slog.Int("subscriptions", len(a.cfg.Recorder.Subscriptions)),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	subs := make([]recorder.Subscription, 0, len(a.cfg.Recorder.Subscriptions))
	for _, sub := range a.cfg.Recorder.Subscriptions {
		subs = append(subs, recorder.Subscription{
			Source:    sub.Exchange,
			OutcomeID: sub.OutcomeID,
			Trades:    sub.Trades,
		})
	}

	rec, err := recorder.New(recorder.Options{
		Sources:          deps.Sources,
		Subs:             subs,
		Books:            deps.Books,
		Trades:           deps.Trades,
		Candles:          deps.Candles,
		Markets:          deps.Markets,
		Cache:            deps.Cache,
		Archive:          deps.Archive,
		SnapshotInterval: a.cfg.Recorder.SnapshotInterval.Duration,
		ArchiveInterval:  a.cfg.Recorder.ArchiveInterval.Duration,
		Logger:           a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: build recorder: %w", err)
	}
	return rec.Run(ctx)
}

// Close tears down all resources in reverse registration order. Safe to call
// more than once.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
