// Package postgres implements store.Gateway on a PostgreSQL JSONB table.
// Change subscriptions are driven by LISTEN/NOTIFY.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaSQL string

const (
	mergeSQL = `
INSERT INTO documents (collection, id, data, version, update_time)
VALUES ($1, $2,
        $3::jsonb || COALESCE((SELECT jsonb_object_agg(k, to_jsonb(now())) FROM unnest($4::text[]) AS k), '{}'::jsonb),
        1, now())
ON CONFLICT (collection, id) DO UPDATE
SET data = documents.data || EXCLUDED.data,
    version = documents.version + 1,
    update_time = now()`

	setSQL = `
INSERT INTO documents (collection, id, data, version, update_time)
VALUES ($1, $2,
        $3::jsonb || COALESCE((SELECT jsonb_object_agg(k, to_jsonb(now())) FROM unnest($4::text[]) AS k), '{}'::jsonb),
        1, now())
ON CONFLICT (collection, id) DO UPDATE
SET data = EXCLUDED.data,
    version = documents.version + 1,
    update_time = now()`

	createSQL = `
INSERT INTO documents (collection, id, data, version, update_time)
VALUES ($1, $2,
        $3::jsonb || COALESCE((SELECT jsonb_object_agg(k, to_jsonb(now())) FROM unnest($4::text[]) AS k), '{}'::jsonb),
        1, now())
ON CONFLICT (collection, id) DO NOTHING`

	deleteSQL = `DELETE FROM documents WHERE collection = $1 AND id = $2`

	getSQL = `SELECT data, version, update_time FROM documents WHERE collection = $1 AND id = $2`

	getForUpdateSQL = getSQL + ` FOR UPDATE`
)

// maxCreateRaces bounds how often Transact re-runs after losing the race to
// create a missing document.
const maxCreateRaces = 3

// errCreateRaced aborts a transaction whose insert found the row already created.
var errCreateRaced = errors.New("document created concurrently")

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway is a store.Gateway backed by PostgreSQL.
type Gateway struct {
	pool   *pgxpool.Pool
	fanout *store.Fanout
}

var _ store.Gateway = (*Gateway)(nil)

// New wraps an existing pool. Subscriptions only deliver changes once
// Listen has been started.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{
		pool:   pool,
		fanout: store.NewFanout(),
	}
}

// Migrate creates the documents table and its change trigger.
func (g *Gateway) Migrate(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply document schema: %w", err)
	}
	log.Info().Msg("document store schema applied")
	return nil
}

func (g *Gateway) Get(ctx context.Context, ref store.Ref) (store.Snapshot, error) {
	return getSnapshot(ctx, g.pool, getSQL, ref)
}

func (g *Gateway) Merge(ctx context.Context, ref store.Ref, fields store.Fields) error {
	if err := execWrite(ctx, g.pool, store.Write{Ref: ref, Op: store.OpMerge, Fields: fields}); err != nil {
		return fmt.Errorf("failed to merge %s: %w", ref, err)
	}
	return nil
}

func (g *Gateway) Delete(ctx context.Context, ref store.Ref) error {
	if _, err := g.pool.Exec(ctx, deleteSQL, ref.Collection, ref.ID); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

func (g *Gateway) Commit(ctx context.Context, batch *store.Batch) error {
	return pgx.BeginFunc(ctx, g.pool, func(tx pgx.Tx) error {
		for _, w := range batch.Writes() {
			if err := execWrite(ctx, tx, w); err != nil {
				return fmt.Errorf("failed to write %s: %w", w.Ref, err)
			}
		}
		return nil
	})
}

func (g *Gateway) Create(ctx context.Context, ref store.Ref, fields store.Fields) (bool, error) {
	created, err := execCreate(ctx, g.pool, ref, fields)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", ref, err)
	}
	return created, nil
}

// Transact locks the row with FOR UPDATE. A missing row cannot be locked, so
// a write to it is an insert that must win; when another writer created the
// row first the transaction is re-run against the stored document.
func (g *Gateway) Transact(ctx context.Context, ref store.Ref, fn store.TxFunc) error {
	for race := 0; ; race++ {
		err := g.transactOnce(ctx, ref, fn)
		if !errors.Is(err, errCreateRaced) {
			return err
		}
		if race+1 >= maxCreateRaces {
			return fmt.Errorf("failed to transact on %s: %w", ref, err)
		}
		log.Debug().Str("ref", ref.String()).Msg("document created concurrently, retrying transaction")
	}
}

func (g *Gateway) transactOnce(ctx context.Context, ref store.Ref, fn store.TxFunc) error {
	return pgx.BeginFunc(ctx, g.pool, func(tx pgx.Tx) error {
		snap, err := getSnapshot(ctx, tx, getForUpdateSQL, ref)
		if err != nil {
			return err
		}
		mut, err := fn(snap)
		if err != nil {
			return err
		}
		if mut == nil {
			return nil
		}
		if mut.Delete {
			return execWrite(ctx, tx, store.Write{Ref: ref, Op: store.OpDelete})
		}
		if !snap.Exists {
			created, err := execCreate(ctx, tx, ref, mut.Fields)
			if err != nil {
				return err
			}
			if !created {
				return errCreateRaced
			}
			return nil
		}
		return execWrite(ctx, tx, store.Write{Ref: ref, Op: store.OpMerge, Fields: mut.Fields})
	})
}

func (g *Gateway) List(ctx context.Context, collection string, where ...store.Where) ([]store.Snapshot, error) {
	query := `SELECT id, data, version, update_time FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, w := range where {
		args = append(args, w.Field, w.Value)
		query += fmt.Sprintf(" AND data->>($%d::text) = $%d::text", len(args)-1, len(args))
	}
	query += ` ORDER BY id`

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []store.Snapshot
	for rows.Next() {
		snap := store.Snapshot{Exists: true}
		var id string
		var data []byte
		if err := rows.Scan(&id, &data, &snap.Version, &snap.UpdateTime); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		snap.Ref = store.Ref{Collection: collection, ID: id}
		snap.Data = json.RawMessage(data)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return out, nil
}

func (g *Gateway) Subscribe(ctx context.Context, ref store.Ref, fn store.Listener) (store.Unsubscribe, error) {
	snap, err := g.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s for subscription: %w", ref, err)
	}
	return g.fanout.Add(ref, fn, &snap), nil
}

// refresh re-reads ref and publishes it to subscribers.
func (g *Gateway) refresh(ctx context.Context, ref store.Ref) {
	if !g.fanout.Watching(ref) {
		return
	}
	snap, err := g.Get(ctx, ref)
	if err != nil {
		log.Error().Err(err).Str("ref", ref.String()).Msg("failed to refresh subscribed document")
		return
	}
	g.fanout.Publish(snap)
}

// refreshAll republishes every watched document, used after a listener reconnect.
func (g *Gateway) refreshAll(ctx context.Context) {
	for _, ref := range g.fanout.Refs() {
		g.refresh(ctx, ref)
	}
}

// Close stops every subscription. The pool is owned by the caller.
func (g *Gateway) Close() {
	g.fanout.Close()
}

func execWrite(ctx context.Context, q querier, w store.Write) error {
	if w.Op == store.OpDelete {
		_, err := q.Exec(ctx, deleteSQL, w.Ref.Collection, w.Ref.ID)
		return err
	}

	data, stamped, err := encodeWrite(w.Fields)
	if err != nil {
		return err
	}
	query := mergeSQL
	if w.Op == store.OpSet {
		query = setSQL
	}
	_, err = q.Exec(ctx, query, w.Ref.Collection, w.Ref.ID, data, stamped)
	return err
}

func execCreate(ctx context.Context, q querier, ref store.Ref, fields store.Fields) (bool, error) {
	data, stamped, err := encodeWrite(fields)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, createSQL, ref.Collection, ref.ID, data, stamped)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// encodeWrite returns the JSON body of a write and the fields to stamp with
// the server clock.
func encodeWrite(fields store.Fields) (string, []string, error) {
	plain, stamped := store.SplitServerTimestamps(fields)
	encoded, err := store.EncodeFields(plain, time.Time{})
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode document: %w", err)
	}
	if stamped == nil {
		stamped = []string{}
	}
	return string(data), stamped, nil
}

func getSnapshot(ctx context.Context, q querier, query string, ref store.Ref) (store.Snapshot, error) {
	snap := store.Snapshot{Ref: ref}
	var data []byte
	err := q.QueryRow(ctx, query, ref.Collection, ref.ID).Scan(&data, &snap.Version, &snap.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	snap.Exists = true
	snap.Data = json.RawMessage(data)
	return snap, nil
}
