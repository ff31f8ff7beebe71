package relay

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_writes (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	scope      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_writes_kind_scope ON pending_writes (kind, scope, created_at);
`

// SQLiteBuffer stores pending writes in a local SQLite file so they survive restarts.
type SQLiteBuffer struct {
	sqlDB *sql.DB
}

// OpenSQLiteBuffer opens or creates the buffer file at path.
func OpenSQLiteBuffer(path string) (*SQLiteBuffer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("buffer path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite buffer: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite buffer: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create buffer schema: %w", err)
	}
	return &SQLiteBuffer{sqlDB: sqlDB}, nil
}

func (b *SQLiteBuffer) Put(ctx context.Context, rec Record) error {
	_, err := b.sqlDB.ExecContext(ctx, `
INSERT INTO pending_writes (key, kind, scope, created_at, payload)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	kind = excluded.kind,
	scope = excluded.scope,
	created_at = excluded.created_at,
	payload = excluded.payload
`, rec.Key, string(rec.Kind), rec.Scope, rec.CreatedAt.UTC().UnixMilli(), rec.Payload)
	if err != nil {
		return fmt.Errorf("put pending write: %w", err)
	}
	return nil
}

func (b *SQLiteBuffer) Scan(ctx context.Context, kind Kind, scope string) ([]Record, error) {
	rows, err := b.sqlDB.QueryContext(ctx, `
SELECT key, kind, scope, created_at, payload
FROM pending_writes
WHERE kind = ? AND (? = '' OR scope = ?)
ORDER BY created_at, key
`, string(kind), scope, scope)
	if err != nil {
		return nil, fmt.Errorf("scan pending writes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			k         string
			createdAt int64
		)
		if err := rows.Scan(&rec.Key, &k, &rec.Scope, &createdAt, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		rec.Kind = Kind(k)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending writes: %w", err)
	}
	return out, nil
}

func (b *SQLiteBuffer) Delete(ctx context.Context, key string) error {
	if _, err := b.sqlDB.ExecContext(ctx, `DELETE FROM pending_writes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete pending write: %w", err)
	}
	return nil
}

// Close releases the SQLite connection.
func (b *SQLiteBuffer) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}
