package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind separates buffered votes from buffered timer writes.
type Kind string

const (
	KindVote  Kind = "vote"
	KindTimer Kind = "timer"
)

// Record is one buffered write awaiting replay. Scope is the session id for
// votes and the event id for timer writes.
type Record struct {
	Key       string
	Kind      Kind
	Scope     string
	CreatedAt time.Time
	Payload   []byte
}

// Buffer is durable local storage for writes that have not reached the store.
// Put replaces any record with the same key.
type Buffer interface {
	Put(ctx context.Context, rec Record) error
	// Scan returns records of a kind ordered by creation time. An empty scope matches all.
	Scan(ctx context.Context, kind Kind, scope string) ([]Record, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBuffer keeps records in process memory.
type MemoryBuffer struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryBuffer creates an empty in-memory buffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{records: make(map[string]Record)}
}

func (b *MemoryBuffer) Put(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec.Payload = append([]byte(nil), rec.Payload...)
	b.records[rec.Key] = rec
	return nil
}

func (b *MemoryBuffer) Scan(_ context.Context, kind Kind, scope string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, rec := range b.records {
		if rec.Kind != kind {
			continue
		}
		if scope != "" && rec.Scope != scope {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (b *MemoryBuffer) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *MemoryBuffer) Close() error {
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return strings.Compare(recs[i].Key, recs[j].Key) < 0
	})
}
