package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Gateway. Writes are serialised by a single lock,
// which also makes Transact and Commit trivially atomic.
type Memory struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	docs   map[Ref]*memDoc
	fanout *Fanout
}

type memDoc struct {
	fields  map[string]json.RawMessage
	version int64
	updated time.Time
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty in-memory store. A nil clock uses the real clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:  clock,
		docs:   make(map[Ref]*memDoc),
		fanout: NewFanout(),
	}
}

func (m *Memory) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(ref)
}

func (m *Memory) Merge(ctx context.Context, ref Ref, fields Fields) error {
	return m.Commit(ctx, NewBatch().Merge(ref, fields))
}

func (m *Memory) Create(ctx context.Context, ref Ref, fields Fields) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[ref]; ok {
		return false, nil
	}
	now := m.clock.Now()
	next, err := applyWrite(nil, OpSet, fields, now)
	if err != nil {
		return false, fmt.Errorf("failed to apply write to %s: %w", ref, err)
	}
	m.installLocked(ref, next, now)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, ref Ref) error {
	return m.Commit(ctx, NewBatch().Delete(ref))
}

func (m *Memory) Commit(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	// Stage every write on copies so a failure leaves the store untouched.
	staged := make(map[Ref]*memDoc)
	var order []Ref
	for _, w := range batch.Writes() {
		cur, seen := staged[w.Ref]
		if !seen {
			cur = m.docs[w.Ref].clone()
			order = append(order, w.Ref)
		}
		next, err := applyWrite(cur, w.Op, w.Fields, now)
		if err != nil {
			return fmt.Errorf("failed to apply write to %s: %w", w.Ref, err)
		}
		staged[w.Ref] = next
	}

	for _, ref := range order {
		m.installLocked(ref, staged[ref], now)
	}
	return nil
}

func (m *Memory) Transact(ctx context.Context, ref Ref, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshotLocked(ref)
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

	now := m.clock.Now()
	op := OpMerge
	if mut.Delete {
		op = OpDelete
	}
	next, err := applyWrite(m.docs[ref].clone(), op, mut.Fields, now)
	if err != nil {
		return fmt.Errorf("failed to apply write to %s: %w", ref, err)
	}
	m.installLocked(ref, next, now)
	return nil
}

func (m *Memory) List(ctx context.Context, collection string, where ...Where) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for ref, doc := range m.docs {
		if ref.Collection != collection || !doc.matches(where) {
			continue
		}
		snap, err := m.snapshotLocked(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, ref Ref, fn Listener) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshotLocked(ref)
	if err != nil {
		return nil, err
	}
	return m.fanout.Add(ref, fn, &snap), nil
}

// Close stops every subscription.
func (m *Memory) Close() {
	m.fanout.Close()
}

func (m *Memory) installLocked(ref Ref, doc *memDoc, now time.Time) {
	if doc == nil {
		if _, ok := m.docs[ref]; !ok {
			return
		}
		delete(m.docs, ref)
		m.fanout.Publish(Snapshot{Ref: ref, UpdateTime: now})
		return
	}
	doc.version = m.docs[ref].currentVersion() + 1
	doc.updated = now
	m.docs[ref] = doc
	snap, err := m.snapshotLocked(ref)
	if err != nil {
		return
	}
	m.fanout.Publish(snap)
}

func (m *Memory) snapshotLocked(ref Ref) (Snapshot, error) {
	doc, ok := m.docs[ref]
	if !ok {
		return Snapshot{Ref: ref}, nil
	}
	data, err := json.Marshal(doc.fields)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode %s: %w", ref, err)
	}
	return Snapshot{
		Ref:        ref,
		Exists:     true,
		Data:       data,
		Version:    doc.version,
		UpdateTime: doc.updated,
	}, nil
}

func applyWrite(cur *memDoc, op OpKind, fields Fields, now time.Time) (*memDoc, error) {
	switch op {
	case OpDelete:
		return nil, nil
	case OpSet:
		cur = &memDoc{fields: make(map[string]json.RawMessage)}
	case OpMerge:
		if cur == nil {
			cur = &memDoc{fields: make(map[string]json.RawMessage)}
		}
	default:
		return nil, fmt.Errorf("unknown write op %d", op)
	}
	encoded, err := EncodeFields(fields, now)
	if err != nil {
		return nil, err
	}
	for k, v := range encoded {
		cur.fields[k] = v
	}
	return cur, nil
}

func (d *memDoc) clone() *memDoc {
	if d == nil {
		return nil
	}
	fields := make(map[string]json.RawMessage, len(d.fields))
	for k, v := range d.fields {
		fields[k] = v
	}
	return &memDoc{fields: fields, version: d.version, updated: d.updated}
}

func (d *memDoc) currentVersion() int64 {
	if d == nil {
		return 0
	}
	return d.version
}

func (d *memDoc) matches(where []Where) bool {
	for _, w := range where {
		raw, ok := d.fields[w.Field]
		if !ok || !fieldMatches(raw, w.Value) {
			return false
		}
	}
	return true
}
