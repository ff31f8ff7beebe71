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
	"github.com/mcdev12/liftlive/go/internal/live/api"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/gateway"
	"github.com/mcdev12/liftlive/go/internal/live/orchestrator"
	"github.com/mcdev12/liftlive/go/internal/live/outbox"
	"github.com/mcdev12/liftlive/go/internal/live/session"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/mcdev12/liftlive/go/internal/store/postgres"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func newServeCmd() *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live session API, websocket gateway and orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := parseConfig[ServeConfig]()
			if err != nil {
				return fail(err, "invalid configuration")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep all state in process memory (no Postgres, no event bus)")
	return cmd
}

// Services is the wired application layer.
type Services struct {
	Sessions *session.App
	Attempts *attempt.App
	Timers   *timer.App
}

func setupServices(gw store.Gateway, emitter session.EventEmitter, table timer.Table, clock clockwork.Clock, lockOnDecision bool) *Services {
	// Store gateway → Repository layer → App layer
	attempts := attempt.NewApp(attempt.NewRepository(gw), emitter, clock, attempt.WithLockOnDecision(lockOnDecision))
	sessions := session.NewApp(session.NewRepository(gw, clock), emitter, clock, session.WithAttemptOpener(attempts))
	timers := timer.NewApp(timer.NewRepository(gw), table)
	return &Services{Sessions: sessions, Attempts: attempts, Timers: timers}
}

func runServe(ctx context.Context, cfg ServeConfig, memory bool) error {
	clock := clockwork.NewRealClock()
	table, err := cfg.timerTable()
	if err != nil {
		return fail(err, "failed to load timer table")
	}

	var (
		gw      store.Gateway
		emitter session.EventEmitter
		nc      *nats.Conn
		health  func(context.Context) (any, bool)
	)

	if memory {
		mem := store.NewMemory(clock)
		defer mem.Close()
		gw = mem
		health = func(context.Context) (any, bool) { return map[string]string{"store": "memory"}, true }
		log.Warn().Msg("running with in-memory store; state is lost on exit and no events are published")
	} else {
		pool, err := openPool(ctx, cfg.Database)
		if err != nil {
			return fail(err, "failed to connect document store")
		}
		defer pool.Close()

		pg := postgres.New(pool)
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fail(err, "failed to migrate document store")
		}
		notifierCfg := postgres.DefaultNotifierConfig()
		notifierCfg.DatabaseURL = cfg.Database.DSN()
		notifier, err := pg.Listen(notifierCfg)
		if err != nil {
			return fail(err, "failed to listen for document changes")
		}
		go func() {
			if err := notifier.Run(ctx); err != nil {
				log.Error().Err(err).Msg("document listener stopped")
			}
		}()
		gw = pg

		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return fail(err, "failed to connect outbox database")
		}
		defer db.Close()
		outboxRepo := outbox.NewRepository(db)
		if err := outboxRepo.Migrate(ctx); err != nil {
			return fail(err, "failed to migrate outbox")
		}
		emitter = outbox.NewApp(outboxRepo, clock, cfg.OutboxSource)

		nc, err = outbox.Connect(cfg.NATS.jetStream())
		if err != nil {
			return fail(err, "failed to connect to NATS")
		}
		defer nc.Close()

		checker := outbox.NewHealthChecker(db, nc, outboxRepo)
		health = func(ctx context.Context) (any, bool) {
			status := checker.Check(ctx)
			return status, status.Healthy
		}
	}

	services := setupServices(gw, emitter, table, clock, cfg.LockOnDecision)

	if nc != nil && cfg.Orchestrator.Enabled {
		orch, err := setupOrchestrator(ctx, cfg, nc, services, table, clock)
		if err != nil {
			return fail(err, "failed to set up orchestrator")
		}
		go func() {
			if err := orch.RunScheduler(ctx); err != nil {
				log.Error().Err(err).Msg("orchestrator stopped")
			}
		}()
	}

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), clock)
	feed := gateway.NewFeed(services.Sessions, services.Attempts, services.Timers, manager, clock)
	manager.SetWatcher(feed)
	manager.SetCommandHandler(feed)
	go manager.Start(ctx)

	server := setupServer(cfg, services, manager, health)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fail(err, "server failed")
		}
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fail(err, "server shutdown failed")
	}
	return nil
}

func setupOrchestrator(ctx context.Context, cfg ServeConfig, nc *nats.Conn, services *Services, table timer.Table, clock clockwork.Clock) (*orchestrator.Orchestrator, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if err := outbox.EnsureStream(ctx, js, cfg.NATS.jetStream()); err != nil {
		return nil, err
	}

	consumerCfg := orchestrator.DefaultConsumerConfig()
	consumerCfg.StreamName = cfg.NATS.StreamName
	consumerCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	consumerCfg.Name = cfg.Orchestrator.ConsumerName
	consumer, err := orchestrator.EnsureConsumer(ctx, js, consumerCfg)
	if err != nil {
		return nil, err
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.NumWorkers = cfg.Orchestrator.Workers
	var opts []orchestrator.Option
	if cfg.Orchestrator.OpeningWeight > 0 {
		opts = append(opts, orchestrator.WithWeights(orchestrator.StaticWeight(cfg.Orchestrator.OpeningWeight)))
	}
	return orchestrator.NewOrchestrator(consumer, services.Sessions, services.Timers, table, clock, orchCfg, opts...), nil
}

func setupServer(cfg ServeConfig, services *Services, manager *gateway.ConnectionManager, health func(context.Context) (any, bool)) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	mux.Handle(api.NewSessionServiceHandler(api.NewSessionService(services.Sessions)))
	mux.Handle(api.NewAttemptServiceHandler(api.NewAttemptService(services.Attempts)))
	mux.Handle(api.NewTimerServiceHandler(api.NewTimerService(services.Timers)))
	gateway.NewWebSocketHandler(manager).RegisterRoutes(mux)
	setupHealthCheck(mux, health)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux, health func(context.Context) (any, bool)) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, ok := health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
