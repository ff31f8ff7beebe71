package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	patch    TimerPatch
	syncedAt int64
}

type recordingStore struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (s *recordingStore) SyncTimerState(_ context.Context, _ string, patch TimerPatch, syncedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, write{patch: patch, syncedAt: syncedAt})
	return nil
}

func (s *recordingStore) SubscribeTimer(context.Context, string, func(*models.TimerState)) (store.Unsubscribe, error) {
	return func() {}, nil
}

func (s *recordingStore) last(t *testing.T) write {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.writes)
	return s.writes[len(s.writes)-1]
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func TestTickCountsDownAndExpires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	expired := 0
	c := NewClient("event-1", st, clock, WithExpire(func(_ context.Context, s models.TimerState) {
		expired++
		assert.Equal(t, 0, s.TimeRemaining)
	}))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 3, Slot{}))
	c.tick(ctx)
	c.tick(ctx)
	assert.Equal(t, 1, c.State().TimeRemaining)
	assert.Equal(t, 0, expired)

	c.tick(ctx)
	assert.Equal(t, 0, c.State().TimeRemaining)
	assert.False(t, c.State().IsRunning)
	assert.Equal(t, 1, expired)
	assert.False(t, *st.last(t).patch.IsRunning)

	c.tick(ctx)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, c.State().TimeRemaining)
}

func TestStartRejectsBadInput(t *testing.T) {
	c := NewClient("event-1", &recordingStore{}, clockwork.NewFakeClockAt(epoch))
	assert.Error(t, c.Start(context.Background(), "sprint", 10, Slot{}))
	assert.Error(t, c.Start(context.Background(), models.TimerTypeRest, 0, Slot{}))
}

func TestApplyRemoteCorrectsDrift(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch.Add(5 * time.Second))
	c := NewClient("event-1", &recordingStore{}, clock)

	applied := c.applyRemote(&models.TimerState{
		EventID:       "event-1",
		IsRunning:     true,
		TimeRemaining: 30,
		TotalTime:     60,
		TimerType:     models.TimerTypeAttempt,
		LastUpdated:   epoch,
		SyncedAt:      1,
	})
	require.True(t, applied)
	assert.Equal(t, 25, c.State().TimeRemaining)
}

func TestApplyRemoteDrift(t *testing.T) {
	tests := []struct {
		name      string
		running   bool
		remaining int
		age       time.Duration
		want      int
	}{
		{"partial second is floored", true, 30, 5900 * time.Millisecond, 25},
		{"clamped at zero", true, 3, 10 * time.Second, 0},
		{"paused timers are not corrected", false, 30, 5 * time.Second, 30},
		{"future stamp is not added", true, 30, -2 * time.Second, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch.Add(tt.age))
			c := NewClient("event-1", &recordingStore{}, clock)
			require.True(t, c.applyRemote(&models.TimerState{
				IsRunning:     tt.running,
				TimeRemaining: tt.remaining,
				LastUpdated:   epoch,
				SyncedAt:      1,
			}))
			assert.Equal(t, tt.want, c.State().TimeRemaining)
		})
	}
}

func TestApplyRemoteRequiresNewerSyncedAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	c := NewClient("event-1", st, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 60, Slot{}))
	mark := st.last(t).syncedAt

	stale := &models.TimerState{TimeRemaining: 5, LastUpdated: epoch, SyncedAt: mark - 1}
	assert.False(t, c.applyRemote(stale))
	echo := &models.TimerState{TimeRemaining: 60, IsRunning: true, LastUpdated: epoch, SyncedAt: mark}
	assert.False(t, c.applyRemote(echo))
	assert.Equal(t, 60, c.State().TimeRemaining)

	newer := &models.TimerState{TimeRemaining: 45, LastUpdated: epoch, SyncedAt: mark + 1}
	assert.True(t, c.applyRemote(newer))
	assert.Equal(t, 45, c.State().TimeRemaining)
	assert.False(t, c.State().IsRunning)
}

func TestPushSyncedAtIsMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	c := NewClient("event-1", st, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 60, Slot{}))
	first := st.last(t).syncedAt
	assert.Equal(t, epoch.UnixMilli(), first)

	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, first+1, st.last(t).syncedAt)

	clock.Advance(time.Second)
	require.NoError(t, c.Resume(ctx))
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), st.last(t).syncedAt)
}

func TestPauseResumeReset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	c := NewClient("event-1", st, clock)
	ctx := context.Background()
	athlete := "ana"

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 60, Slot{AthleteID: athlete}))
	c.tick(ctx)
	require.NoError(t, c.Pause(ctx))
	c.tick(ctx)
	assert.Equal(t, 59, c.State().TimeRemaining)
	assert.False(t, *st.last(t).patch.IsRunning)
	assert.Equal(t, "ana", *st.last(t).patch.AthleteID)

	require.NoError(t, c.Resume(ctx))
	c.tick(ctx)
	assert.Equal(t, 58, c.State().TimeRemaining)

	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, 60, c.State().TimeRemaining)
	assert.False(t, c.State().IsRunning)
}

func TestOfflineKeepsTickingAndPushesOnReconnect(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	c := NewClient("event-1", st, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 60, Slot{}))
	c.SetOnline(ctx, false)
	writes := st.count()

	for i := 0; i < 12; i++ {
		clock.Advance(time.Second)
		c.tick(ctx)
	}
	c.resync(ctx)
	assert.Equal(t, writes, st.count())
	assert.Equal(t, 48, c.State().TimeRemaining)

	c.SetOnline(ctx, true)
	assert.Equal(t, writes+1, st.count())
	assert.Equal(t, 48, *st.last(t).patch.TimeRemaining)
}

func TestResyncOnlyPushesRunningTimer(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	st := &recordingStore{}
	c := NewClient("event-1", st, clock)
	ctx := context.Background()

	c.resync(ctx)
	assert.Equal(t, 0, st.count())

	require.NoError(t, c.Start(ctx, models.TimerTypeRest, 120, Slot{}))
	c.resync(ctx)
	assert.Equal(t, 2, st.count())
}

func TestPushFailureIsReported(t *testing.T) {
	st := &recordingStore{err: errors.New("connection refused")}
	c := NewClient("event-1", st, clockwork.NewFakeClockAt(epoch))

	err := c.Start(context.Background(), models.TimerTypeAttempt, 60, Slot{})
	assert.ErrorContains(t, err, "connection refused")
	assert.True(t, c.State().IsRunning)
}

func TestClientsConvergeThroughSharedStore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	gw := store.NewMemory(clock)
	t.Cleanup(gw.Close)
	repo := NewRepository(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := NewClient("event-1", repo, clock)
	display := NewClient("event-1", repo, clock)
	go func() { _ = display.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 2))

	require.NoError(t, controller.Start(ctx, models.TimerTypeAttempt, 60, Slot{}))
	require.Eventually(t, func() bool {
		s := display.State()
		return s.IsRunning && s.TimeRemaining == 60
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return display.State().TimeRemaining == 59
	}, time.Second, 5*time.Millisecond)

	stored, err := repo.GetTimerState(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, 60, stored.TimeRemaining)
	assert.True(t, epoch.Equal(stored.LastUpdated))
}

func TestStartWithoutSlotClearsStoredAthlete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	gw := store.NewMemory(clock)
	t.Cleanup(gw.Close)
	repo := NewRepository(gw)
	c := NewClient("event-1", repo, clock)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, models.TimerTypeAttempt, 60, Slot{AthleteID: "ana", DisciplineID: "snatch", AttemptNumber: 2}))
	stored, err := repo.GetTimerState(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, Slot{AthleteID: "ana", DisciplineID: "snatch", AttemptNumber: 2}, SlotOf(*stored))

	clock.Advance(time.Second)
	require.NoError(t, c.Start(ctx, models.TimerTypeWarmup, 600, Slot{}))
	stored, err = repo.GetTimerState(ctx, "event-1")
	require.NoError(t, err)
	assert.Nil(t, stored.AthleteID)
	assert.Nil(t, stored.Discipline)
	assert.Nil(t, stored.AttemptNumber)
	assert.Equal(t, models.TimerTypeWarmup, stored.TimerType)
}

func TestPatchWithoutClearKeepsSlot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	gw := store.NewMemory(clock)
	t.Cleanup(gw.Close)
	repo := NewRepository(gw)
	ctx := context.Background()

	athlete := "ana"
	require.NoError(t, repo.SyncTimerState(ctx, "event-1", TimerPatch{AthleteID: &athlete}, 1))
	running := false
	require.NoError(t, repo.SyncTimerState(ctx, "event-1", TimerPatch{IsRunning: &running}, 2))

	stored, err := repo.GetTimerState(ctx, "event-1")
	require.NoError(t, err)
	require.NotNil(t, stored.AthleteID)
	assert.Equal(t, "ana", *stored.AthleteID)
}
