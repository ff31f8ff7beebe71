package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/liftlive/go/internal/dbconfig"
	"github.com/mcdev12/liftlive/go/internal/live/outbox"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
)

// ServeConfig configures the API server.
type ServeConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	TimerTablePath string   `env:"TIMER_TABLE_PATH"`
	LockOnDecision bool     `env:"LOCK_VOTES_ON_DECISION" envDefault:"false"`
	OutboxSource   string   `env:"OUTBOX_SOURCE" envDefault:"liftlive-api"`

	Orchestrator OrchestratorConfig
	NATS         NATSConfig
	Database     dbconfig.Config
}

// OrchestratorConfig configures the in-process session orchestrator.
type OrchestratorConfig struct {
	Enabled       bool    `env:"ORCHESTRATOR_ENABLED" envDefault:"true"`
	Workers       int     `env:"ORCHESTRATOR_WORKERS" envDefault:"4"`
	OpeningWeight float64 `env:"ORCHESTRATOR_OPENING_WEIGHT" envDefault:"0"`
	ConsumerName  string  `env:"ORCHESTRATOR_CONSUMER" envDefault:"live-orchestrator"`
}

// NATSConfig locates the event stream.
type NATSConfig struct {
	URL           string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	StreamName    string `env:"NATS_STREAM" envDefault:"LIVE_EVENTS"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"live.events"`
}

func (c NATSConfig) jetStream() outbox.JetStreamConfig {
	cfg := outbox.DefaultJetStreamConfig()
	cfg.URL = c.URL
	cfg.StreamName = c.StreamName
	cfg.SubjectPrefix = c.SubjectPrefix
	return cfg
}

// OutboxConfig configures the outbox relay process.
type OutboxConfig struct {
	HealthPort       string        `env:"OUTBOX_HEALTH_PORT" envDefault:"8081"`
	FallbackInterval time.Duration `env:"OUTBOX_FALLBACK_INTERVAL" envDefault:"30s"`
	BatchSize        int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	NATS     NATSConfig
	Database dbconfig.Config
}

// JudgeConfig configures the judge device relay.
type JudgeConfig struct {
	APIURL         string        `env:"LIVE_API_URL" envDefault:"http://localhost:8080"`
	BufferPath     string        `env:"RELAY_DB_PATH" envDefault:"liftlive-relay.db"`
	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT" envDefault:"5s"`
	SyncInterval   time.Duration `env:"RELAY_SYNC_INTERVAL" envDefault:"30s"`
	PollInterval   time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	MaxAge         time.Duration `env:"RELAY_MAX_AGE" envDefault:"168h"`
}

func parseConfig[T any]() (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// timerTable loads the sport table file, or the built-in table when none is configured.
func (c ServeConfig) timerTable() (timer.Table, error) {
	if c.TimerTablePath == "" {
		return timer.DefaultTable(), nil
	}
	return timer.LoadTable(c.TimerTablePath)
}
