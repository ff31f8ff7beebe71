package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// ConsumerConfig describes the durable JetStream consumer the orchestrator reads from.
type ConsumerConfig struct {
	StreamName    string
	SubjectPrefix string
	Name          string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultConsumerConfig matches the stream created by the outbox publisher.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StreamName:    "LIVE_EVENTS",
		SubjectPrefix: "live.events",
		Name:          "live-orchestrator",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// EnsureConsumer creates or gets the JetStream consumer
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, cfg.Name)
	if err == nil {
		log.Info().Str("consumer", cfg.Name).Msg("using existing JetStream consumer for orchestrator")
		return consumer, nil
	}

	consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		Description:   "Live session orchestrator event consumer with startup replay",
		FilterSubject: cfg.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	log.Info().Str("consumer", cfg.Name).Msg("created JetStream consumer for orchestrator")
	return consumer, nil
}

// processEvent processes a single JetStream event
func (o *Orchestrator) processEvent(ctx context.Context, msg jetstream.Msg) error {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		return fmt.Errorf("parse session ID: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject()).
		Str("session_id", env.SessionID).
		Str("event_type", env.EventType).
		Str("event_id", env.EventID).
		Msg("processing orchestrator event")

	return o.HandleDomainEvent(ctx, env.EventType, sessionID, env.Payload)
}
