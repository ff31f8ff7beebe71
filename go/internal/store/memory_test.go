package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Stamp   time.Time `json:"stamp"`
	Session string    `json:"session_id"`
}

func TestMemoryMergeCreatesAndOverlays(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	m := NewMemory(clock)
	ref := Ref{Collection: "docs", ID: "a"}

	require.NoError(t, m.Merge(ctx, ref, Fields{"name": "first", "count": 1}))
	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 2, "stamp": ServerTimestamp}))

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, int64(2), snap.Version)

	var d doc
	require.NoError(t, snap.DataTo(&d))
	assert.Equal(t, "first", d.Name)
	assert.Equal(t, 2, d.Count)
	assert.True(t, d.Stamp.Equal(clock.Now()))
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory(nil)
	snap, err := m.Get(context.Background(), Ref{Collection: "docs", ID: "missing"})
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	var d doc
	assert.Error(t, snap.DataTo(&d))
}

func TestMemoryCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	bad := NewBatch().
		Set(Ref{Collection: "docs", ID: "a"}, Fields{"name": "a"}).
		Set(Ref{Collection: "docs", ID: "b"}, Fields{"name": make(chan int)})
	require.Error(t, m.Commit(ctx, bad))

	list, err := m.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, list)

	good := NewBatch().
		Set(Ref{Collection: "docs", ID: "a"}, Fields{"name": "a", "session_id": "s1"}).
		Set(Ref{Collection: "docs", ID: "b"}, Fields{"name": "b", "session_id": "s2"}).
		Set(Ref{Collection: "docs", ID: "c"}, Fields{"name": "c", "session_id": "s1"})
	require.NoError(t, m.Commit(ctx, good))

	list, err = m.List(ctx, "docs", Where{Field: "session_id", Value: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Ref.ID)
	assert.Equal(t, "c", list[1].Ref.ID)
}

func TestMemoryCreateNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	ref := Ref{Collection: "docs", ID: "a"}

	created, err := m.Create(ctx, ref, Fields{"name": "first", "count": 1})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 5}))

	created, err = m.Create(ctx, ref, Fields{"name": "second", "count": 0})
	require.NoError(t, err)
	assert.False(t, created)

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	var d doc
	require.NoError(t, snap.DataTo(&d))
	assert.Equal(t, "first", d.Name)
	assert.Equal(t, 5, d.Count)
}

func TestMemoryTransactSerialisesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	ref := Ref{Collection: "docs", ID: "counter"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Transact(ctx, ref, func(snap Snapshot) (*Mutation, error) {
				var d doc
				if snap.Exists {
					if err := snap.DataTo(&d); err != nil {
						return nil, err
					}
				}
				return &Mutation{Fields: Fields{"count": d.Count + 1}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	var d doc
	require.NoError(t, snap.DataTo(&d))
	assert.Equal(t, 50, d.Count)
}

func TestMemoryTransactAbortLeavesDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	ref := Ref{Collection: "docs", ID: "a"}
	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 1}))

	boom := errors.New("boom")
	err := m.Transact(ctx, ref, func(Snapshot) (*Mutation, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, m.Transact(ctx, ref, func(Snapshot) (*Mutation, error) {
		return &Mutation{Delete: true}, nil
	}))
	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemorySubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	defer m.Close()
	ref := Ref{Collection: "docs", ID: "a"}
	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 1}))

	var mu sync.Mutex
	var seen []int
	unsubscribe, err := m.Subscribe(ctx, ref, func(snap Snapshot) {
		var d doc
		if snap.DataTo(&d) == nil {
			mu.Lock()
			seen = append(seen, d.Count)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 7}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 7
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, m.Merge(ctx, ref, Fields{"count": 9}))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, 9)
}
