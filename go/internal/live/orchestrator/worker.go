package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// RunScheduler runs the orchestrator as a JetStream consumer until ctx is cancelled.
// Recovery happens through event replay; stale events are skipped by the handlers.
func (o *Orchestrator) RunScheduler(ctx context.Context) error {
	log.Info().
		Str("instance", o.instanceID).
		Int("workers", o.numWorkers).
		Msg("orchestrator started as JetStream consumer")

	eventCh := make(chan jetstream.Msg, o.bufferSize)

	consumeCtx, err := o.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case eventCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}
	defer consumeCtx.Stop()

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	for i := 0; i < o.numWorkers; i++ {
		wg.Add(1)
		go o.worker(workerCtx, &wg, i)
	}

	defer func() {
		log.Info().Str("instance", o.instanceID).Msg("shutting down workers")
		cancelWorkers()
		wg.Wait()
		for _, id := range o.ActiveSessions() {
			o.dropTimer(id)
			log.Debug().Str("session_id", id.String()).Msg("stopped session timer on shutdown")
		}
		log.Info().Str("instance", o.instanceID).Msg("all workers shut down")
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", o.instanceID).Msg("orchestrator shutdown requested")
			return nil
		case msg := <-eventCh:
			if err := o.processEvent(ctx, msg); err != nil {
				log.Error().Err(err).Msg("failed to process event")
				msg.Nak()
			} else {
				msg.Ack()
			}
		}
	}
}

// worker advances sessions whose countdown expired
func (o *Orchestrator) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	log.Debug().
		Str("instance", o.instanceID).
		Int("worker_id", workerID).
		Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().
				Str("instance", o.instanceID).
				Int("worker_id", workerID).
				Msg("worker shutting down")
			return
		case e := <-o.workCh:
			log.Info().
				Str("session_id", e.sessionID.String()).
				Str("timer_type", string(e.timerType)).
				Str("instance", o.instanceID).
				Int("worker_id", workerID).
				Msg("worker handling expired countdown")

			if err := o.handleExpiry(ctx, e); err != nil {
				log.Error().
					Err(err).
					Str("session_id", e.sessionID.String()).
					Str("instance", o.instanceID).
					Int("worker_id", workerID).
					Msg("worker expiry handling failed")
			}

			// Clean up in-flight tracking regardless of success/failure
			o.inFlightMu.Lock()
			delete(o.inFlight, e.sessionID)
			o.inFlightMu.Unlock()
		}
	}
}

// handleExpiry calls the next athlete once the current athlete's countdown ran out.
func (o *Orchestrator) handleExpiry(ctx context.Context, e expiry) error {
	s, err := o.sessions.GetLiveSession(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if slot, ok := currentSlot(s); s.CurrentState != models.SessionStateActive || !ok || slot != e.slot {
		log.Debug().
			Str("session_id", e.sessionID.String()).
			Str("state", string(s.CurrentState)).
			Str("athlete_id", e.slot.AthleteID).
			Int("attempt_number", e.slot.AttemptNumber).
			Msg("expired countdown no longer matches the session")
		return nil
	}

	next, err := o.sessions.NextAthlete(ctx, e.sessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			log.Info().Err(err).Str("session_id", e.sessionID.String()).Msg("session can no longer advance")
			return nil
		}
		return fmt.Errorf("auto-advance failed: %w", err)
	}
	if !next.HasCurrent() {
		return nil
	}

	o.openAttempt(ctx, e.sessionID, events.AthleteAdvancedPayload{
		SessionID:     next.ID.String(),
		CompetitionID: next.CompetitionID,
		Sport:         next.Sport,
		AthleteID:     *next.CurrentAthleteID,
		DisciplineID:  *next.CurrentDisciplineID,
		AttemptNumber: *next.CurrentAttemptNumber,
		Order:         next.QueuePosition,
		Remaining:     next.QueueLength - next.QueuePosition,
		AdvancedAt:    next.UpdatedAt,
	})
	return nil
}
