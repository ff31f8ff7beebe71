package attempt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

const attemptCollection = "attempts"

// Repository stores attempt records in the document store
type Repository struct {
	gw store.Gateway
}

// NewRepository creates a new attempt repository
func NewRepository(gw store.Gateway) *Repository {
	return &Repository{gw: gw}
}

func attemptRef(id uuid.UUID) store.Ref {
	return store.Ref{Collection: attemptCollection, ID: id.String()}
}

// CreateAttempt writes rec unless a record with the same id exists, in which
// case the stored record is returned and created is false. The existing
// record is never overwritten, so votes cast on it survive a repeated create.
func (r *Repository) CreateAttempt(ctx context.Context, rec *models.AttemptRecord) (*models.AttemptRecord, bool, error) {
	fields, err := store.FieldsOf(rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode attempt: %w", err)
	}

	created, err := r.gw.Create(ctx, attemptRef(rec.ID), fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create attempt: %w", err)
	}
	if created {
		return rec, true, nil
	}
	existing, err := r.GetAttempt(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Repository) GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error) {
	snap, err := r.gw.Get(ctx, attemptRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return decodeAttempt(snap)
}

// UpdateAttempt runs fn against the current record in a transaction and merges the returned patch.
func (r *Repository) UpdateAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord) (*AttemptPatch, error)) (*models.AttemptRecord, error) {
	var updated *models.AttemptRecord
	err := r.gw.Transact(ctx, attemptRef(id), func(snap store.Snapshot) (*store.Mutation, error) {
		current, err := decodeAttempt(snap)
		if err != nil {
			return nil, err
		}
		patch, err := fn(current)
		if err != nil {
			return nil, err
		}
		if patch == nil || patch.isEmpty() {
			updated = current
			return nil, nil
		}
		patch.apply(current)
		updated = current
		return &store.Mutation{Fields: patch.fields()}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteAttempt removes the record if guard accepts it.
func (r *Repository) DeleteAttempt(ctx context.Context, id uuid.UUID, guard func(*models.AttemptRecord) error) (*models.AttemptRecord, error) {
	var deleted *models.AttemptRecord
	err := r.gw.Transact(ctx, attemptRef(id), func(snap store.Snapshot) (*store.Mutation, error) {
		current, err := decodeAttempt(snap)
		if err != nil {
			return nil, err
		}
		if err := guard(current); err != nil {
			return nil, err
		}
		deleted = current
		return &store.Mutation{Delete: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *Repository) ListAttemptsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttemptRecord, error) {
	snaps, err := r.gw.List(ctx, attemptCollection, store.Where{Field: "session_id", Value: sessionID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]models.AttemptRecord, 0, len(snaps))
	for _, snap := range snaps {
		rec, err := decodeAttempt(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// SubscribeAttempt delivers every change of the attempt; nil is delivered when it is deleted.
func (r *Repository) SubscribeAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord)) (store.Unsubscribe, error) {
	return r.gw.Subscribe(ctx, attemptRef(id), func(snap store.Snapshot) {
		if !snap.Exists {
			fn(nil)
			return
		}
		rec, err := decodeAttempt(snap)
		if err != nil {
			log.Error().Err(err).Str("attempt_id", id.String()).Msg("dropping undecodable attempt snapshot")
			return
		}
		fn(rec)
	})
}

func decodeAttempt(snap store.Snapshot) (*models.AttemptRecord, error) {
	if !snap.Exists {
		return nil, apperr.NotFound(fmt.Sprintf("attempt %s not found", snap.Ref.ID))
	}
	var rec models.AttemptRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
