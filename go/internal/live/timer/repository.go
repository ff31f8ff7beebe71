package timer

import (
	"context"
	"fmt"

	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

const timerCollection = "timers"

// Repository stores one TimerState document per event
type Repository struct {
	gw store.Gateway
}

// NewRepository creates a new timer repository
func NewRepository(gw store.Gateway) *Repository {
	return &Repository{gw: gw}
}

func timerRef(eventID string) store.Ref {
	return store.Ref{Collection: timerCollection, ID: eventID}
}

func (r *Repository) GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error) {
	snap, err := r.gw.Get(ctx, timerRef(eventID))
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	if !snap.Exists {
		return nil, apperr.NotFound(fmt.Sprintf("timer for event %s not found", eventID))
	}
	var st models.TimerState
	if err := snap.DataTo(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SyncTimerState merges patch into the event's timer. lastUpdated is stamped by the store.
func (r *Repository) SyncTimerState(ctx context.Context, eventID string, patch TimerPatch, syncedAt int64) error {
	if err := r.gw.Merge(ctx, timerRef(eventID), patch.fields(eventID, syncedAt)); err != nil {
		return fmt.Errorf("failed to sync timer: %w", err)
	}
	return nil
}

// SubscribeTimer delivers every stored version of the event's timer.
func (r *Repository) SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error) {
	return r.gw.Subscribe(ctx, timerRef(eventID), func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		var st models.TimerState
		if err := snap.DataTo(&st); err != nil {
			log.Error().Err(err).Str("event_id", eventID).Msg("dropping undecodable timer snapshot")
			return
		}
		fn(&st)
	})
}
