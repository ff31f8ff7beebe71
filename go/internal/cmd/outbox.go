package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/live/outbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOutboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Publish outbox events to JetStream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := parseConfig[OutboxConfig]()
			if err != nil {
				return fail(err, "invalid configuration")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOutbox(ctx, cfg)
		},
	}
}

func runOutbox(ctx context.Context, cfg OutboxConfig) error {
	clock := clockwork.NewRealClock()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return fail(err, "failed to connect to database")
	}
	defer db.Close()

	repo := outbox.NewRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		return fail(err, "failed to migrate outbox")
	}
	app := outbox.NewApp(repo, clock, "liftlive-outbox")

	jsCfg := cfg.NATS.jetStream()
	nc, err := outbox.Connect(jsCfg)
	if err != nil {
		return fail(err, "failed to connect to NATS")
	}
	defer nc.Close()

	publisher, err := outbox.NewJetStreamPublisher(ctx, nc, clock, jsCfg)
	if err != nil {
		return fail(err, "failed to create JetStream publisher")
	}

	listenerCfg := outbox.DefaultListenerConfig()
	listenerCfg.DatabaseURL = cfg.Database.DSN()
	listenerCfg.FallbackInterval = cfg.FallbackInterval
	listenerCfg.BatchSize = cfg.BatchSize
	listener, err := outbox.NewListener(app, publisher, clock, listenerCfg)
	if err != nil {
		return fail(err, "failed to create outbox listener")
	}

	checker := outbox.NewHealthChecker(db, nc, repo)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := checker.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HealthPort),
		Handler: mux,
	}
	go func() {
		log.Info().Str("addr", healthServer.Addr).Msg("starting outbox health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("stream", jsCfg.StreamName).
		Str("subject_prefix", jsCfg.SubjectPrefix).
		Msg("outbox relay started")
	if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err, "outbox listener stopped")
	}
	log.Info().Msg("outbox relay stopped")
	return nil
}
