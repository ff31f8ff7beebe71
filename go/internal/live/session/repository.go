package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	sessionCollection = "live_sessions"
	queueCollection   = "queue_items"
)

// Repository stores live sessions and their queues in the document store
type Repository struct {
	gw    store.Gateway
	clock clockwork.Clock
}

// NewRepository creates a new session repository
func NewRepository(gw store.Gateway, clock clockwork.Clock) *Repository {
	return &Repository{gw: gw, clock: clock}
}

func sessionRef(id uuid.UUID) store.Ref {
	return store.Ref{Collection: sessionCollection, ID: id.String()}
}

func queueItemRef(sessionID uuid.UUID, order int) store.Ref {
	return store.Ref{Collection: queueCollection, ID: fmt.Sprintf("%s:%05d", sessionID, order)}
}

// CreateSession writes the session and every queue item in one batch.
func (r *Repository) CreateSession(ctx context.Context, s *models.LiveSession, items []models.QueueItem) error {
	batch := store.NewBatch()
	for _, item := range items {
		fields, err := store.FieldsOf(item)
		if err != nil {
			return fmt.Errorf("failed to encode queue item %d: %w", item.Order, err)
		}
		batch.Set(queueItemRef(s.ID, item.Order), fields)
	}
	fields, err := store.FieldsOf(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	batch.Set(sessionRef(s.ID), fields)

	if err := r.gw.Commit(ctx, batch); err != nil {
		return fmt.Errorf("failed to commit session batch: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	snap, err := r.gw.Get(ctx, sessionRef(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(snap)
}

func (r *Repository) GetQueueItem(ctx context.Context, sessionID uuid.UUID, order int) (*models.QueueItem, error) {
	snap, err := r.gw.Get(ctx, queueItemRef(sessionID, order))
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	if !snap.Exists {
		return nil, apperr.NotFound(fmt.Sprintf("queue item %d of session %s not found", order, sessionID))
	}
	var item models.QueueItem
	if err := snap.DataTo(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) ListQueue(ctx context.Context, sessionID uuid.UUID) ([]models.QueueItem, error) {
	snaps, err := r.gw.List(ctx, queueCollection, store.Where{Field: "session_id", Value: sessionID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	items := make([]models.QueueItem, 0, len(snaps))
	for _, snap := range snaps {
		var item models.QueueItem
		if err := snap.DataTo(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items, nil
}

// ReplaceQueue swaps the queue of a session and resets its pointer, atomically.
func (r *Repository) ReplaceQueue(ctx context.Context, sessionID uuid.UUID, old, items []models.QueueItem, revision int) error {
	batch := store.NewBatch()
	for _, item := range old {
		batch.Delete(queueItemRef(sessionID, item.Order))
	}
	for _, item := range items {
		fields, err := store.FieldsOf(item)
		if err != nil {
			return fmt.Errorf("failed to encode queue item %d: %w", item.Order, err)
		}
		batch.Set(queueItemRef(sessionID, item.Order), fields)
	}
	batch.Merge(sessionRef(sessionID), store.Fields{
		"queue_position": 0,
		"queue_length":   len(items),
		"queue_revision": revision,
		"updated_at":     r.clock.Now().UTC(),
	})

	if err := r.gw.Commit(ctx, batch); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}
	return nil
}

// UpdateSession runs fn against the current session inside a transaction and
// merges the patch it returns, stamped with a fresh updated_at.
func (r *Repository) UpdateSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession) (*SessionPatch, error)) (*models.LiveSession, error) {
	var updated *models.LiveSession
	err := r.gw.Transact(ctx, sessionRef(id), func(snap store.Snapshot) (*store.Mutation, error) {
		current, err := decodeSession(snap)
		if err != nil {
			return nil, err
		}
		patch, err := fn(current)
		if err != nil {
			return nil, err
		}
		if patch == nil || patch.IsEmpty() {
			updated = current
			return nil, nil
		}

		now := r.clock.Now().UTC()
		fields := patch.fields()
		fields["updated_at"] = now
		patch.apply(current)
		current.UpdatedAt = now
		updated = current
		return &store.Mutation{Fields: fields}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SubscribeSession delivers every change of the session document.
func (r *Repository) SubscribeSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession)) (store.Unsubscribe, error) {
	return r.gw.Subscribe(ctx, sessionRef(id), func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		s, err := decodeSession(snap)
		if err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("dropping undecodable session snapshot")
			return
		}
		fn(s)
	})
}

func decodeSession(snap store.Snapshot) (*models.LiveSession, error) {
	if !snap.Exists {
		return nil, apperr.NotFound(fmt.Sprintf("session %s not found", snap.Ref.ID))
	}
	var s models.LiveSession
	if err := snap.DataTo(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
