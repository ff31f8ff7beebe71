package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu     sync.Mutex
	events []OutboxEvent
}

func (r *memoryRepo) InsertOutboxEvent(_ context.Context, event OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memoryRepo) FetchUnsentOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutboxEvent
	for _, e := range r.events {
		if e.SentAt == nil && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryRepo) FetchOutboxByID(_ context.Context, id uuid.UUID) (*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			e := e
			return &e, nil
		}
	}
	return nil, apperr.NotFound("no such event")
}

func (r *memoryRepo) MarkOutboxSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].SentAt = &now
		}
	}
	return nil
}

func (r *memoryRepo) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.SentAt != nil {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu        sync.Mutex
	failures  map[uuid.UUID]int
	published []OutboxEvent
}

func (p *fakePublisher) Publish(_ context.Context, event OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[event.ID] > 0 {
		p.failures[event.ID]--
		return errors.New("nats: timeout")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestListener(repo *memoryRepo, pub *fakePublisher) *Listener {
	cfg := DefaultListenerConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	clock := clockwork.NewRealClock()
	return &Listener{
		app:       NewApp(repo, clock, "test"),
		publisher: pub,
		clock:     clock,
		cfg:       cfg,
	}
}

func TestEmitStoresEvent(t *testing.T) {
	repo := &memoryRepo{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	app := NewApp(repo, clock, "liftlive-test")
	sessionID := uuid.New()

	err := app.Emit(context.Background(), sessionID, events.SessionPaused, events.SessionPausedPayload{
		SessionID: sessionID.String(),
		PausedAt:  clock.Now(),
	})
	require.NoError(t, err)

	require.Len(t, repo.events, 1)
	e := repo.events[0]
	assert.Equal(t, sessionID, e.SessionID)
	assert.Equal(t, events.SessionPaused, e.EventType)
	assert.Equal(t, clock.Now(), e.CreatedAt)
	assert.Equal(t, "liftlive-test", e.Headers["source"])

	var payload events.SessionPausedPayload
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, sessionID.String(), payload.SessionID)
}

func TestEmitRejectsEmptyPayload(t *testing.T) {
	app := NewApp(&memoryRepo{}, clockwork.NewFakeClock(), "")
	assert.Error(t, app.Emit(context.Background(), uuid.New(), events.SessionPaused, nil))
}

func TestPublishWithRetryRecovers(t *testing.T) {
	repo := &memoryRepo{}
	event := OutboxEvent{ID: uuid.New(), EventType: events.SessionStarted, Payload: []byte(`{}`)}
	pub := &fakePublisher{failures: map[uuid.UUID]int{event.ID: 2}}
	l := newTestListener(repo, pub)

	require.NoError(t, l.publishWithRetry(context.Background(), event))
	assert.Equal(t, 1, pub.count())
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	event := OutboxEvent{ID: uuid.New(), EventType: events.SessionStarted, Payload: []byte(`{}`)}
	pub := &fakePublisher{failures: map[uuid.UUID]int{event.ID: 10}}
	l := newTestListener(&memoryRepo{}, pub)

	err := l.publishWithRetry(context.Background(), event)
	assert.ErrorContains(t, err, "publish failed after 3 attempts")
}

func TestProcessUnsentMarksOnlyPublished(t *testing.T) {
	repo := &memoryRepo{}
	ok := OutboxEvent{ID: uuid.New(), SessionID: uuid.New(), EventType: events.AthleteAdvanced, Payload: []byte(`{}`)}
	stuck := OutboxEvent{ID: uuid.New(), SessionID: uuid.New(), EventType: events.AthleteAdvanced, Payload: []byte(`{}`)}
	repo.events = []OutboxEvent{ok, stuck}
	pub := &fakePublisher{failures: map[uuid.UUID]int{stuck.ID: 100}}
	l := newTestListener(repo, pub)

	require.NoError(t, l.processUnsent(context.Background()))
	assert.Equal(t, 1, repo.sent())

	unsent, err := l.app.FetchUnsentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, stuck.ID, unsent[0].ID)
}

func TestHandleNotification(t *testing.T) {
	repo := &memoryRepo{}
	event := OutboxEvent{ID: uuid.New(), SessionID: uuid.New(), EventType: events.VoteSubmitted, Payload: []byte(`{}`)}
	repo.events = []OutboxEvent{event}
	pub := &fakePublisher{}
	l := newTestListener(repo, pub)
	ctx := context.Background()

	assert.Error(t, l.handleNotification(ctx, "not-a-uuid"))
	assert.ErrorIs(t, l.handleNotification(ctx, uuid.NewString()), apperr.ErrNotFound)

	require.NoError(t, l.handleNotification(ctx, event.ID.String()))
	require.NoError(t, l.handleNotification(ctx, event.ID.String()))
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, 1, repo.sent())
}

func TestStartPublishesNotifiedEvents(t *testing.T) {
	repo := &memoryRepo{}
	pub := &fakePublisher{}
	l := newTestListener(repo, pub)
	notify := make(chan *pq.Notification)
	l.notify = notify

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	event := OutboxEvent{ID: uuid.New(), SessionID: uuid.New(), EventType: events.SessionCompleted, Payload: []byte(`{}`)}
	require.NoError(t, repo.InsertOutboxEvent(ctx, event))
	notify <- &pq.Notification{Channel: "live_outbox_events", Extra: event.ID.String()}

	require.Eventually(t, func() bool { return repo.sent() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	event := OutboxEvent{ID: uuid.New(), SessionID: uuid.New(), EventType: events.AttemptDecided, Payload: []byte(`{"is_valid":true}`)}

	env := NewEnvelope(event, now)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.ID.String(), decoded["eventId"])
	assert.Equal(t, event.SessionID.String(), decoded["sessionId"])
	assert.Equal(t, events.AttemptDecided, decoded["eventType"])
	assert.Equal(t, map[string]any{"is_valid": true}, decoded["payload"])
	assert.Equal(t, "live.events.AttemptDecided", Subject(DefaultJetStreamConfig().SubjectPrefix, event.EventType))
}
