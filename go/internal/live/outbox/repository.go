package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var schema string

// Repository stores outbox rows in Postgres
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the outbox table and its notify trigger.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply outbox schema: %w", err)
	}
	return nil
}

func (r *Repository) InsertOutboxEvent(ctx context.Context, event OutboxEvent) error {
	headers, err := encodeHeaders(event.Headers)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO live_outbox (id, session_id, event_type, payload, headers, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SessionID, event.EventType, []byte(event.Payload), headers, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", event.EventType, err)
	}
	return nil
}

func (r *Repository) FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, event_type, payload, headers, created_at, sent_at
FROM live_outbox
WHERE sent_at IS NULL
ORDER BY created_at
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, session_id, event_type, payload, headers, created_at, sent_at
FROM live_outbox
WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("outbox event %s not found", id))
	}
	return event, err
}

func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE live_outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*OutboxEvent, error) {
	var (
		event   OutboxEvent
		payload []byte
		headers pqtype.NullRawMessage
		sentAt  sql.NullTime
	)
	if err := s.Scan(&event.ID, &event.SessionID, &event.EventType, &payload, &headers, &event.CreatedAt, &sentAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	event.Payload = payload
	if sentAt.Valid {
		t := sentAt.Time
		event.SentAt = &t
	}
	if headers.Valid {
		if err := json.Unmarshal(headers.RawMessage, &event.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode outbox headers: %w", err)
		}
	}
	return &event, nil
}

func encodeHeaders(h map[string]string) (pqtype.NullRawMessage, error) {
	if len(h) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to encode outbox headers: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}
