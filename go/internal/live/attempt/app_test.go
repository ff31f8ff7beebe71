package attempt

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(_ context.Context, _ uuid.UUID, eventType string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	return nil
}

func (r *recordingEmitter) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	app     *App
	clock   *clockwork.FakeClock
	emitter *recordingEmitter
	session uuid.UUID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	gw := store.NewMemory(clock)
	t.Cleanup(gw.Close)
	emitter := &recordingEmitter{}
	return &fixture{
		app:     NewApp(NewRepository(gw), emitter, clock, opts...),
		clock:   clock,
		emitter: emitter,
		session: uuid.New(),
	}
}

func (f *fixture) open(t *testing.T, athleteID string) *models.AttemptRecord {
	t.Helper()
	rec, err := f.app.CreateAttempt(context.Background(), CreateAttemptRequest{
		SessionID:       f.session,
		AthleteID:       athleteID,
		DisciplineID:    "snatch",
		AttemptNumber:   1,
		RequestedWeight: 100,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) vote(t *testing.T, id uuid.UUID, judge string, position int, v models.Vote) *VoteResult {
	t.Helper()
	res, err := f.app.SubmitJudgeVote(context.Background(), id, VoteRequest{JudgeID: judge, Position: position, Vote: v})
	require.NoError(t, err)
	return res
}

func TestCreateAttemptDefaults(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	assert.Equal(t, ID(f.session, "ana", "snatch", 1), rec.ID)
	assert.Equal(t, 100.0, rec.ActualWeight)
	assert.Empty(t, rec.JudgeVotes)
	assert.False(t, rec.IsValid)
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, f.clock.Now().UTC(), rec.StartedAt)
}

func TestCreateAttemptIsIdempotentPerSlot(t *testing.T) {
	f := newFixture(t)
	first := f.open(t, "ana")
	f.vote(t, first.ID, "j1", 1, models.VoteValid)

	f.clock.Advance(time.Minute)
	second := f.open(t, "ana")
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.JudgeVotes, 1)
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

func TestConcurrentCreatesKeepVotes(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	var wg sync.WaitGroup
	for i := 1; i <= models.JudgesPerAttempt; i++ {
		wg.Add(2)
		go func(pos int) {
			defer wg.Done()
			_, err := f.app.SubmitJudgeVote(context.Background(), rec.ID, VoteRequest{
				JudgeID:  fmt.Sprintf("j%d", pos),
				Position: pos,
				Vote:     models.VoteValid,
			})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := f.app.CreateAttempt(context.Background(), CreateAttemptRequest{
				SessionID:       f.session,
				AthleteID:       "ana",
				DisciplineID:    "snatch",
				AttemptNumber:   1,
				RequestedWeight: 100,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.app.GetAttempt(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.JudgeVotes, models.JudgesPerAttempt)
	assert.True(t, got.IsValid)
}

func TestCreateAttemptValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  CreateAttemptRequest
	}{
		{"missing session", CreateAttemptRequest{AthleteID: "a", DisciplineID: "d", AttemptNumber: 1, RequestedWeight: 1}},
		{"missing athlete", CreateAttemptRequest{SessionID: f.session, DisciplineID: "d", AttemptNumber: 1, RequestedWeight: 1}},
		{"zero attempt", CreateAttemptRequest{SessionID: f.session, AthleteID: "a", DisciplineID: "d", RequestedWeight: 1}},
		{"zero weight", CreateAttemptRequest{SessionID: f.session, AthleteID: "a", DisciplineID: "d", AttemptNumber: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.app.CreateAttempt(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperr.ErrInvalidState)
		})
	}
}

func TestTwoValidVotesDecideAttempt(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	res := f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	assert.False(t, res.IsCompleted)
	assert.Nil(t, res.Attempt.CompletedAt)

	res = f.vote(t, rec.ID, "j2", 2, models.VoteValid)
	assert.True(t, res.IsCompleted)
	assert.True(t, res.IsValid)
	require.NotNil(t, res.Attempt.CompletedAt)

	stats, err := f.app.GetAttemptStats(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStats{
		ValidVotes:   2,
		InvalidVotes: 0,
		PendingVotes: 1,
		IsCompleted:  true,
		Result:       models.AttemptResultValid,
	}, stats)
	assert.Equal(t, 1, f.emitter.count(events.AttemptDecided))
	assert.Equal(t, 2, f.emitter.count(events.VoteSubmitted))
}

func TestSplitVotesDecidedByThirdJudge(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ben")

	res := f.vote(t, rec.ID, "j1", 1, models.VoteInvalid)
	assert.False(t, res.IsCompleted)
	res = f.vote(t, rec.ID, "j2", 2, models.VoteValid)
	assert.False(t, res.IsCompleted)
	res = f.vote(t, rec.ID, "j3", 3, models.VoteInvalid)
	assert.True(t, res.IsCompleted)
	assert.False(t, res.IsValid)

	stats, err := f.app.GetAttemptStats(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptResultInvalid, stats.Result)
	assert.Equal(t, 0, stats.PendingVotes)
}

func TestVoteCorrectionReplacesInPlace(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "cai")

	f.vote(t, rec.ID, "j1", 1, models.VoteInvalid)
	res := f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	assert.True(t, res.Corrected)
	require.Len(t, res.Attempt.JudgeVotes, 1)

	v := res.Attempt.JudgeVotes[0]
	assert.True(t, v.Corrected)
	require.NotNil(t, v.OriginalVote)
	assert.Equal(t, models.VoteInvalid, *v.OriginalVote)
	assert.Equal(t, models.VoteValid, v.Vote)
	assert.False(t, res.IsCompleted)
}

func TestCompletedAtStampedOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	decided := f.vote(t, rec.ID, "j2", 2, models.VoteValid)
	stamped := *decided.Attempt.CompletedAt

	f.clock.Advance(30 * time.Second)
	late := f.vote(t, rec.ID, "j3", 3, models.VoteInvalid)
	require.NotNil(t, late.Attempt.CompletedAt)
	assert.True(t, stamped.Equal(*late.Attempt.CompletedAt))
	assert.True(t, late.IsValid)
	assert.Equal(t, 1, f.emitter.count(events.AttemptDecided))
}

func TestLateCorrectionCanFlipDecision(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	f.vote(t, rec.ID, "j2", 2, models.VoteValid)
	f.vote(t, rec.ID, "j3", 3, models.VoteInvalid)
	res := f.vote(t, rec.ID, "j2", 2, models.VoteInvalid)

	assert.True(t, res.IsCompleted)
	assert.False(t, res.IsValid)
	assert.Len(t, res.Attempt.JudgeVotes, 3)
}

func TestLockOnDecisionRejectsLateVotes(t *testing.T) {
	f := newFixture(t, WithLockOnDecision(true))
	rec := f.open(t, "ana")

	f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	f.vote(t, rec.ID, "j2", 2, models.VoteValid)

	_, err := f.app.SubmitJudgeVote(context.Background(), rec.ID, VoteRequest{JudgeID: "j3", Position: 3, Vote: models.VoteInvalid})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestSubmitJudgeVoteRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	tests := []struct {
		name string
		req  VoteRequest
	}{
		{"position zero", VoteRequest{JudgeID: "j1", Position: 0, Vote: models.VoteValid}},
		{"position four", VoteRequest{JudgeID: "j1", Position: 4, Vote: models.VoteValid}},
		{"unknown vote", VoteRequest{JudgeID: "j1", Position: 1, Vote: "maybe"}},
		{"missing judge", VoteRequest{Position: 1, Vote: models.VoteValid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.app.SubmitJudgeVote(context.Background(), rec.ID, tt.req)
			assert.ErrorIs(t, err, apperr.ErrInvalidState)
		})
	}
}

func TestSubmitJudgeVoteMissingAttempt(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.SubmitJudgeVote(context.Background(), uuid.New(), VoteRequest{JudgeID: "j1", Position: 1, Vote: models.VoteValid})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentVotesAreAllKept(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	var wg sync.WaitGroup
	for i := 1; i <= models.JudgesPerAttempt; i++ {
		wg.Add(1)
		go func(pos int) {
			defer wg.Done()
			_, err := f.app.SubmitJudgeVote(context.Background(), rec.ID, VoteRequest{
				JudgeID:  fmt.Sprintf("j%d", pos),
				Position: pos,
				Vote:     models.VoteInvalid,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.app.GetAttempt(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.JudgeVotes, 3)
	assert.True(t, got.IsCompleted())
	assert.Equal(t, 1, f.emitter.count(events.AttemptDecided))
}

func TestUpdateWeight(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	updated, err := f.app.UpdateWeight(context.Background(), rec.ID, 102.5)
	require.NoError(t, err)
	assert.Equal(t, 102.5, updated.ActualWeight)
	assert.Equal(t, 100.0, updated.RequestedWeight)

	_, err = f.app.UpdateWeight(context.Background(), rec.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.vote(t, rec.ID, "j1", 1, models.VoteValid)
	f.vote(t, rec.ID, "j2", 2, models.VoteValid)
	updated, err = f.app.UpdateWeight(context.Background(), rec.ID, 103)
	require.NoError(t, err)
	assert.Equal(t, 103.0, updated.ActualWeight)
}

func TestDeleteAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.open(t, "ana")
	f.vote(t, open.ID, "j1", 1, models.VoteValid)
	require.NoError(t, f.app.DeleteAttempt(ctx, open.ID))
	_, err := f.app.GetAttempt(ctx, open.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	decided := f.open(t, "ben")
	f.vote(t, decided.ID, "j1", 1, models.VoteInvalid)
	f.vote(t, decided.ID, "j2", 2, models.VoteInvalid)
	err = f.app.DeleteAttempt(ctx, decided.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.app.GetAttempt(ctx, decided.ID)
	assert.NoError(t, err)
}

func TestGetSessionStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.open(t, "ana")
	f.vote(t, good.ID, "j1", 1, models.VoteValid)
	f.vote(t, good.ID, "j2", 2, models.VoteValid)

	bad := f.open(t, "ben")
	f.vote(t, bad.ID, "j1", 1, models.VoteInvalid)
	f.vote(t, bad.ID, "j2", 2, models.VoteInvalid)

	f.open(t, "cai")

	other := newFixture(t)
	other.open(t, "dan")

	stats, err := f.app.GetSessionStats(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStats{
		TotalAttempts:     3,
		CompletedAttempts: 2,
		ValidAttempts:     1,
		InvalidAttempts:   1,
		PendingAttempts:   1,
	}, stats)
}

func TestSubscribeAttempt(t *testing.T) {
	f := newFixture(t)
	rec := f.open(t, "ana")

	var mu sync.Mutex
	var seen []int
	unsubscribe, err := f.app.SubscribeAttempt(context.Background(), rec.ID, func(a *models.AttemptRecord) {
		mu.Lock()
		defer mu.Unlock()
		if a == nil {
			seen = append(seen, -1)
			return
		}
		seen = append(seen, len(a.JudgeVotes))
	})
	require.NoError(t, err)
	defer unsubscribe()

	f.vote(t, rec.ID, "j1", 1, models.VoteValid)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 1
	}, time.Second, 10*time.Millisecond)
}
