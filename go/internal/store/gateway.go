// Package store defines the document store capability the live engine is
// written against: point reads, set-merge writes, atomic batches,
// single-document transactions and push-based change subscriptions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/liftlive/go/internal/apperr"
)

// Ref addresses one document.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Fields is a set of top-level document fields. Values are JSON encoded on write.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is replaced with the store's clock when the write is applied.
var ServerTimestamp = serverTimestamp{}

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	Ref        Ref
	Exists     bool
	Data       json.RawMessage
	Version    int64
	UpdateTime time.Time
}

// DataTo decodes the document into v.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return apperr.NotFound(fmt.Sprintf("document %s not found", s.Ref))
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", s.Ref, err)
	}
	return nil
}

// Mutation is the write a transaction function decides on.
type Mutation struct {
	Delete bool
	Fields Fields
}

// TxFunc inspects the current document and returns the write to apply.
// A nil mutation leaves the document untouched; an error aborts the transaction.
// The function must not call back into the store and may run more than once
// when a concurrent writer creates the document first.
type TxFunc func(snap Snapshot) (*Mutation, error)

// Where is an equality filter on a top-level string field.
type Where struct {
	Field string
	Value string
}

// Listener receives document snapshots.
type Listener func(Snapshot)

// Unsubscribe stops a subscription.
type Unsubscribe func()

// Gateway is the persistent store used by the live engine.
type Gateway interface {
	// Get returns the document; a missing document yields Exists=false and no error.
	Get(ctx context.Context, ref Ref) (Snapshot, error)
	// Merge overlays fields onto the document, creating it if absent.
	Merge(ctx context.Context, ref Ref, fields Fields) error
	// Create writes the document only if it does not exist yet and reports
	// whether it did. An existing document is left untouched.
	Create(ctx context.Context, ref Ref, fields Fields) (bool, error)
	// Commit applies every write in the batch or none of them.
	Commit(ctx context.Context, batch *Batch) error
	// Transact runs a read-modify-write on a single document atomically.
	Transact(ctx context.Context, ref Ref, fn TxFunc) error
	Delete(ctx context.Context, ref Ref) error
	List(ctx context.Context, collection string, where ...Where) ([]Snapshot, error)
	// Subscribe delivers the current snapshot and every later change until unsubscribed.
	Subscribe(ctx context.Context, ref Ref, fn Listener) (Unsubscribe, error)
}

// FieldsOf converts a JSON-serialisable struct into Fields.
func FieldsOf(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	fields := make(Fields, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	return fields, nil
}

// EncodeFields JSON-encodes every value, resolving ServerTimestamp to now.
func EncodeFields(fields Fields, now time.Time) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encodeValue(v, now)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// SplitServerTimestamps separates ServerTimestamp fields so a store can stamp them itself.
func SplitServerTimestamps(fields Fields) (Fields, []string) {
	plain := make(Fields, len(fields))
	var stamped []string
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			stamped = append(stamped, k)
			continue
		}
		plain[k] = v
	}
	return plain, stamped
}

func encodeValue(v any, now time.Time) (json.RawMessage, error) {
	switch x := v.(type) {
	case serverTimestamp:
		return json.Marshal(now.UTC())
	case json.RawMessage:
		return x, nil
	default:
		return json.Marshal(v)
	}
}

// fieldMatches compares a raw JSON value against a string filter value.
func fieldMatches(raw json.RawMessage, value string) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == value
	}
	return string(raw) == value
}
