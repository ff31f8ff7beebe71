package attempt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

// AttemptRepository defines what the attempt app layer needs from the attempt repository
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, rec *models.AttemptRecord) (*models.AttemptRecord, bool, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error)
	UpdateAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord) (*AttemptPatch, error)) (*models.AttemptRecord, error)
	DeleteAttempt(ctx context.Context, id uuid.UUID, guard func(*models.AttemptRecord) error) (*models.AttemptRecord, error)
	ListAttemptsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttemptRecord, error)
	SubscribeAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord)) (store.Unsubscribe, error)
}

// EventEmitter defines what the attempt app needs from the outbox
type EventEmitter interface {
	Emit(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) error
}

// Option configures an App.
type Option func(*App)

// WithLockOnDecision rejects votes on attempts that already have a decision.
func WithLockOnDecision(lock bool) Option {
	return func(a *App) { a.lockDecided = lock }
}

// App handles attempt records and judge vote consensus
type App struct {
	repo        AttemptRepository
	events      EventEmitter
	clock       clockwork.Clock
	lockDecided bool
}

// NewApp creates a new attempt App
func NewApp(repo AttemptRepository, emitter EventEmitter, clock clockwork.Clock, opts ...Option) *App {
	a := &App{
		repo:   repo,
		events: emitter,
		clock:  clock,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateAttempt opens the attempt for a queue slot. Calling it again for the
// same slot returns the existing record, which makes it safe to retry after
// a crash between advancing the session and opening the attempt.
func (a *App) CreateAttempt(ctx context.Context, req CreateAttemptRequest) (*models.AttemptRecord, error) {
	if err := validateCreateAttemptRequest(req); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidState, "validation failed", err)
	}

	rec := &models.AttemptRecord{
		ID:              ID(req.SessionID, req.AthleteID, req.DisciplineID, req.AttemptNumber),
		SessionID:       req.SessionID,
		AthleteID:       req.AthleteID,
		DisciplineID:    req.DisciplineID,
		AttemptNumber:   req.AttemptNumber,
		RequestedWeight: req.RequestedWeight,
		ActualWeight:    req.RequestedWeight,
		JudgeVotes:      []models.JudgeVote{},
		IsValid:         false,
		StartedAt:       a.clock.Now().UTC(),
	}

	stored, created, err := a.repo.CreateAttempt(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	if created {
		log.Info().
			Str("attempt_id", stored.ID.String()).
			Str("session_id", req.SessionID.String()).
			Str("athlete_id", req.AthleteID).
			Int("attempt_number", req.AttemptNumber).
			Float64("requested_weight", req.RequestedWeight).
			Msg("attempt created")
	} else {
		log.Debug().Str("attempt_id", stored.ID.String()).Msg("attempt already exists for slot")
	}
	return stored, nil
}

// GetAttempt retrieves an attempt by ID
func (a *App) GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error) {
	rec, err := a.repo.GetAttempt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return rec, nil
}

// GetAttemptStats returns the vote view of an attempt.
func (a *App) GetAttemptStats(ctx context.Context, id uuid.UUID) (models.AttemptStats, error) {
	rec, err := a.GetAttempt(ctx, id)
	if err != nil {
		return models.AttemptStats{}, err
	}
	return Stats(rec), nil
}

// UpdateWeight overwrites the actual weight. Decided attempts may still be
// corrected; the change is logged.
func (a *App) UpdateWeight(ctx context.Context, id uuid.UUID, weight float64) (*models.AttemptRecord, error) {
	if weight <= 0 {
		return nil, apperr.InvalidState(fmt.Sprintf("weight must be positive, got %v", weight))
	}

	rec, err := a.repo.UpdateAttempt(ctx, id, func(current *models.AttemptRecord) (*AttemptPatch, error) {
		if current.IsCompleted() {
			log.Warn().
				Str("attempt_id", id.String()).
				Float64("from", current.ActualWeight).
				Float64("to", weight).
				Msg("correcting weight of a decided attempt")
		}
		return &AttemptPatch{ActualWeight: &weight}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update weight: %w", err)
	}
	return rec, nil
}

// SubmitJudgeVote records a judge's vote and recomputes the decision from
// the full vote list inside a single transaction.
func (a *App) SubmitJudgeVote(ctx context.Context, id uuid.UUID, req VoteRequest) (*VoteResult, error) {
	if err := req.validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidState, "invalid vote", err)
	}

	now := a.clock.Now().UTC()
	var (
		corrected   bool
		decidedNow  bool
		wasValid    bool
		wasComplete bool
	)
	rec, err := a.repo.UpdateAttempt(ctx, id, func(current *models.AttemptRecord) (*AttemptPatch, error) {
		wasComplete = current.IsCompleted()
		wasValid = current.IsValid
		if wasComplete && a.lockDecided {
			return nil, apperr.InvalidState("attempt already decided")
		}

		votes, replaced := ApplyVote(current.JudgeVotes, models.JudgeVote{
			JudgeID:   req.JudgeID,
			Position:  req.Position,
			Vote:      req.Vote,
			Timestamp: now,
		})
		corrected = replaced

		tally := Count(votes)
		isValid := tally.IsValid()
		patch := &AttemptPatch{JudgeVotes: votes, IsValid: &isValid}
		if tally.IsCompleted() && !wasComplete {
			patch.CompletedAt = &now
			decidedNow = true
		}
		return patch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit vote: %w", err)
	}

	tally := Count(rec.JudgeVotes)
	result := &VoteResult{
		IsCompleted: tally.IsCompleted(),
		IsValid:     rec.IsValid,
		Corrected:   corrected,
		Attempt:     rec,
	}

	a.emit(ctx, rec.SessionID, events.VoteSubmitted, events.VoteSubmittedPayload{
		AttemptID: id.String(),
		JudgeID:   req.JudgeID,
		Position:  req.Position,
		Vote:      string(req.Vote),
		Corrected: corrected,
		VotedAt:   now,
	})
	if decidedNow {
		a.emit(ctx, rec.SessionID, events.AttemptDecided, events.AttemptDecidedPayload{
			AttemptID:     id.String(),
			AthleteID:     rec.AthleteID,
			DisciplineID:  rec.DisciplineID,
			AttemptNumber: rec.AttemptNumber,
			IsValid:       rec.IsValid,
			ActualWeight:  rec.ActualWeight,
			DecidedAt:     now,
		})
	}
	if wasComplete && wasValid != rec.IsValid {
		log.Warn().
			Str("attempt_id", id.String()).
			Bool("was_valid", wasValid).
			Bool("is_valid", rec.IsValid).
			Msg("late vote changed the result of a decided attempt")
	}

	log.Info().
		Str("attempt_id", id.String()).
		Str("judge_id", req.JudgeID).
		Str("vote", string(req.Vote)).
		Bool("corrected", corrected).
		Int("valid_votes", tally.Valid).
		Int("invalid_votes", tally.Invalid).
		Bool("is_completed", result.IsCompleted).
		Msg("judge vote recorded")
	return result, nil
}

// DeleteAttempt removes an attempt that has not been decided.
func (a *App) DeleteAttempt(ctx context.Context, id uuid.UUID) error {
	rec, err := a.repo.DeleteAttempt(ctx, id, func(current *models.AttemptRecord) error {
		if current.IsCompleted() {
			return apperr.InvalidState("cannot delete a decided attempt")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}

	log.Info().
		Str("attempt_id", id.String()).
		Str("athlete_id", rec.AthleteID).
		Int("votes", len(rec.JudgeVotes)).
		Msg("attempt deleted")
	return nil
}

// ListSessionAttempts returns every attempt recorded for a session.
func (a *App) ListSessionAttempts(ctx context.Context, sessionID uuid.UUID) ([]models.AttemptRecord, error) {
	recs, err := a.repo.ListAttemptsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return recs, nil
}

// GetSessionStats aggregates attempt outcomes for a session.
func (a *App) GetSessionStats(ctx context.Context, sessionID uuid.UUID) (models.SessionStats, error) {
	recs, err := a.ListSessionAttempts(ctx, sessionID)
	if err != nil {
		return models.SessionStats{}, err
	}
	return SessionStats(recs), nil
}

// SubscribeAttempt calls fn with every new version of the attempt.
func (a *App) SubscribeAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord)) (store.Unsubscribe, error) {
	unsubscribe, err := a.repo.SubscribeAttempt(ctx, id, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to attempt: %w", err)
	}
	return unsubscribe, nil
}

func (a *App) emit(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) {
	if a.events == nil {
		return
	}
	if err := a.events.Emit(ctx, sessionID, eventType, payload); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Str("event_type", eventType).Msg("failed to emit event")
	}
}

func validateCreateAttemptRequest(req CreateAttemptRequest) error {
	if req.SessionID == uuid.Nil {
		return fmt.Errorf("session_id is required")
	}
	if req.AthleteID == "" {
		return fmt.Errorf("athlete_id is required")
	}
	if req.DisciplineID == "" {
		return fmt.Errorf("discipline_id is required")
	}
	if req.AttemptNumber < 1 {
		return fmt.Errorf("attempt_number must be at least 1")
	}
	if req.RequestedWeight <= 0 {
		return fmt.Errorf("requested_weight must be positive")
	}
	return nil
}
