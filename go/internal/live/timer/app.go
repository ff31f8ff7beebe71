package timer

import (
	"context"
	"fmt"

	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

// TimerRepository defines what the timer app layer needs from the timer repository
type TimerRepository interface {
	GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error)
	SyncTimerState(ctx context.Context, eventID string, patch TimerPatch, syncedAt int64) error
	SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error)
}

// App serves the shared timer of each event
type App struct {
	repo  TimerRepository
	table Table
}

// NewApp creates a new timer App
func NewApp(repo TimerRepository, table Table) *App {
	return &App{repo: repo, table: table}
}

func (a *App) GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error) {
	if eventID == "" {
		return nil, apperr.InvalidState("event_id is required")
	}
	return a.repo.GetTimerState(ctx, eventID)
}

// SyncTimerState validates and stores a client's timer write.
func (a *App) SyncTimerState(ctx context.Context, eventID string, patch TimerPatch, syncedAt int64) error {
	if eventID == "" {
		return apperr.InvalidState("event_id is required")
	}
	if syncedAt <= 0 {
		return apperr.InvalidState("synced_at must be positive")
	}
	if err := patch.validate(); err != nil {
		return apperr.Wrap(apperr.CodeInvalidState, "invalid timer patch", err)
	}
	if err := a.repo.SyncTimerState(ctx, eventID, patch, syncedAt); err != nil {
		return err
	}

	log.Debug().Str("event_id", eventID).Int64("synced_at", syncedAt).Msg("timer synced")
	return nil
}

func (a *App) SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error) {
	unsubscribe, err := a.repo.SubscribeTimer(ctx, eventID, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to timer: %w", err)
	}
	return unsubscribe, nil
}

// Settings returns the timer settings of a sport.
func (a *App) Settings(sport string) (Settings, error) {
	return a.table.Lookup(sport)
}
