// Command callflow-server runs the call orchestration API.
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

	"github.com/finch/callflow/internal/config"
	"github.com/finch/callflow/internal/engine"
	"github.com/finch/callflow/internal/eventlog"
	"github.com/finch/callflow/internal/ledger"
	"github.com/finch/callflow/internal/server"
	"github.com/finch/callflow/internal/storage"
	"github.com/finch/callflow/internal/storage/memory"
	"github.com/finch/callflow/internal/storage/sqlite"
	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers"
	"github.com/finch/callflow/providers/infobip"
	"github.com/finch/callflow/providers/simulation"
	"github.com/finch/callflow/providers/twilio"
	"github.com/finch/callflow/providers/voice"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "reason", err.Error())
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	log, err := eventlog.New(store, eventlog.Config{})
	if err != nil {
		return err
	}

	var notifier ledger.Notifier = ledger.NoopNotifier{}
	if cfg.LedgerURL != "" {
		notifier, err = ledger.NewHTTPNotifier(cfg.LedgerURL, 10*time.Second)
		if err != nil {
			return err
		}
	}

	// The simulation adapter delivers its synthetic webhooks into the
	// correlator, which resolves against the engine the adapter is wired
	// into. The indirection below breaks that construction cycle.
	var correlator *webhook.Correlator
	sink := simulation.SinkFunc(func(ctx context.Context, msg webhook.Message) {
		correlator.Deliver(ctx, msg)
	})

	adapter, err := openAdapter(cfg, sink)
	if err != nil {
		return err
	}

	eng, err := engine.New(store, log, adapter, notifier, engine.Config{
		CallbackBaseURL: cfg.CallbackBaseURL,
		CollectTimeout:  cfg.CollectTimeout,
		Retry:           engine.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, Backoff: cfg.RetryBackoff},
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	correlator = webhook.NewCorrelator(eng, eng, logger)

	api, err := server.New(eng, correlator, voice.NewSynthesizer(voice.SynthConfig{}), server.Config{
		DefaultFromNumber: cfg.FromNumber,
		StreamHeartbeat:   cfg.StreamHeartbeat,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "provider", cfg.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.SQLitePath == "" {
		return memory.New(), nil
	}
	return sqlite.Open(cfg.SQLitePath)
}

func openAdapter(cfg config.Config, sink simulation.Sink) (providers.Adapter, error) {
	switch cfg.Provider {
	case "infobip":
		return infobip.New(infobip.Config{BaseURL: cfg.Infobip.BaseURL, APIKey: cfg.Infobip.APIKey})
	case "twilio":
		return twilio.New(twilio.Config{
			BaseURL:    cfg.Twilio.BaseURL,
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
		})
	case "simulation":
		return simulation.New(sink, simulation.Config{})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
