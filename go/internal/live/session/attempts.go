package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/models"
)

// AttemptOpener defines what the session app needs from the attempt app
type AttemptOpener interface {
	CreateAttempt(ctx context.Context, req attempt.CreateAttemptRequest) (*models.AttemptRecord, error)
}

// EnsureCurrentAttempt opens the attempt record for the session's current
// slot if it does not exist yet. It recovers from a crash between popping the
// queue and creating the attempt.
func (a *App) EnsureCurrentAttempt(ctx context.Context, id uuid.UUID, requestedWeight float64) (*models.AttemptRecord, error) {
	if a.attempts == nil {
		return nil, fmt.Errorf("session app has no attempt opener")
	}

	s, err := a.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if !s.HasCurrent() {
		return nil, apperr.InvalidState(fmt.Sprintf("session %s has no current athlete", id))
	}

	rec, err := a.attempts.CreateAttempt(ctx, attempt.CreateAttemptRequest{
		SessionID:       s.ID,
		AthleteID:       *s.CurrentAthleteID,
		DisciplineID:    *s.CurrentDisciplineID,
		AttemptNumber:   *s.CurrentAttemptNumber,
		RequestedWeight: requestedWeight,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure current attempt: %w", err)
	}
	return rec, nil
}
