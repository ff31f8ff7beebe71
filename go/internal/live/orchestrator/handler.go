package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/rs/zerolog/log"
)

// HandleDomainEvent handles incoming domain events and routes them to appropriate handlers
func (o *Orchestrator) HandleDomainEvent(ctx context.Context, eventType string, sessionID uuid.UUID, payload []byte) error {
	log.Info().
		Str("event_type", eventType).
		Str("session_id", sessionID.String()).
		Msg("handling domain event")

	switch eventType {
	case events.SessionStarted:
		var p events.SessionStartedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal SessionStarted payload: %w", err)
		}
		return o.handleSessionStarted(ctx, sessionID, p)

	case events.AthleteAdvanced:
		var p events.AthleteAdvancedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal AthleteAdvanced payload: %w", err)
		}
		return o.handleAthleteAdvanced(ctx, sessionID, p)

	case events.SessionPaused:
		var p events.SessionPausedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal SessionPaused payload: %w", err)
		}
		return o.handleSessionPaused(ctx, sessionID, p)

	case events.SessionResumed:
		var p events.SessionResumedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal SessionResumed payload: %w", err)
		}
		return o.handleSessionResumed(ctx, sessionID, p)

	case events.SessionCompleted:
		var p events.SessionCompletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal SessionCompleted payload: %w", err)
		}
		return o.handleSessionCompleted(ctx, sessionID, p)

	case events.AttemptDecided:
		var p events.AttemptDecidedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal AttemptDecided payload: %w", err)
		}
		return o.handleAttemptDecided(ctx, sessionID, p)

	case events.SessionCreated, events.VoteSubmitted:
		log.Debug().
			Str("event_type", eventType).
			Str("session_id", sessionID.String()).
			Msg("no orchestrator action needed")
		return nil

	default:
		log.Warn().
			Str("event_type", eventType).
			Str("session_id", sessionID.String()).
			Msg("unknown event type - ignoring")
		return nil
	}
}

func (o *Orchestrator) handleSessionStarted(ctx context.Context, sessionID uuid.UUID, p events.SessionStartedPayload) error {
	o.timerFor(ctx, sessionID, p.Sport)
	return nil
}

// handleAthleteAdvanced opens the attempt of the called athlete and starts the attempt countdown.
// Replayed events for a slot that is no longer current are ignored.
func (o *Orchestrator) handleAthleteAdvanced(ctx context.Context, sessionID uuid.UUID, p events.AthleteAdvancedPayload) error {
	s, err := o.sessions.GetLiveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if !isCurrent(s, p) {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("athlete_id", p.AthleteID).
			Int("order", p.Order).
			Msg("skipping stale AthleteAdvanced event")
		return nil
	}

	st := o.timerFor(ctx, sessionID, s.Sport)
	o.openAttempt(ctx, sessionID, p)
	return o.startCountdown(ctx, st, models.TimerTypeAttempt, slotOf(p))
}

func (o *Orchestrator) handleSessionPaused(ctx context.Context, sessionID uuid.UUID, _ events.SessionPausedPayload) error {
	st, ok := o.existingTimer(sessionID)
	if !ok {
		return nil
	}
	if err := st.client.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause countdown: %w", err)
	}
	return nil
}

// handleSessionResumed continues the countdown from its remaining time. A
// session this instance has no countdown for gets a fresh attempt countdown.
func (o *Orchestrator) handleSessionResumed(ctx context.Context, sessionID uuid.UUID, p events.SessionResumedPayload) error {
	if st, ok := o.existingTimer(sessionID); ok {
		if err := st.client.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume countdown: %w", err)
		}
		return nil
	}

	s, err := o.sessions.GetLiveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	slot, ok := currentSlot(s)
	if s.CurrentState != models.SessionStateActive || !ok {
		return nil
	}
	st := o.timerFor(ctx, sessionID, p.Sport)
	return o.startCountdown(ctx, st, models.TimerTypeAttempt, slot)
}

func (o *Orchestrator) handleSessionCompleted(ctx context.Context, sessionID uuid.UUID, p events.SessionCompletedPayload) error {
	st := o.dropTimer(sessionID)
	if st != nil {
		// the run loop is stopped, so the reset is written directly
		if err := st.client.Reset(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to reset countdown of completed session")
		}
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Int("total_items", p.TotalItems).
		Msg("session completed - countdown dropped")
	return nil
}

// handleAttemptDecided switches the current athlete's countdown to rest.
func (o *Orchestrator) handleAttemptDecided(ctx context.Context, sessionID uuid.UUID, p events.AttemptDecidedPayload) error {
	st, ok := o.existingTimer(sessionID)
	if !ok {
		return nil
	}
	s, err := o.sessions.GetLiveSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	decided := timer.Slot{AthleteID: p.AthleteID, DisciplineID: p.DisciplineID, AttemptNumber: p.AttemptNumber}
	if slot, ok := currentSlot(s); s.CurrentState != models.SessionStateActive || !ok || slot != decided {
		return nil
	}
	return o.startCountdown(ctx, st, models.TimerTypeRest, decided)
}

// openAttempt creates the attempt record for the called athlete when a weight source is configured.
func (o *Orchestrator) openAttempt(ctx context.Context, sessionID uuid.UUID, p events.AthleteAdvancedPayload) {
	if o.weights == nil {
		return
	}
	weight, err := o.weights.RequestedWeight(ctx, p)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Str("athlete_id", p.AthleteID).Msg("no requested weight, attempt not opened")
		return
	}
	if _, err := o.sessions.EnsureCurrentAttempt(ctx, sessionID, weight); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Str("athlete_id", p.AthleteID).Msg("failed to open attempt")
	}
}

func slotOf(p events.AthleteAdvancedPayload) timer.Slot {
	return timer.Slot{AthleteID: p.AthleteID, DisciplineID: p.DisciplineID, AttemptNumber: p.AttemptNumber}
}

func isCurrent(s *models.LiveSession, p events.AthleteAdvancedPayload) bool {
	slot, ok := currentSlot(s)
	return s.CurrentState == models.SessionStateActive && ok && slot == slotOf(p)
}
