package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// SessionDriver defines what the orchestrator needs from the session app
type SessionDriver interface {
	GetLiveSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	NextAthlete(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	EnsureCurrentAttempt(ctx context.Context, id uuid.UUID, requestedWeight float64) (*models.AttemptRecord, error)
}

// WeightSource supplies the requested weight used when the orchestrator
// opens the attempt for a newly called athlete.
type WeightSource interface {
	RequestedWeight(ctx context.Context, advanced events.AthleteAdvancedPayload) (float64, error)
}

// StaticWeight opens every attempt at the same requested weight.
type StaticWeight float64

func (w StaticWeight) RequestedWeight(context.Context, events.AthleteAdvancedPayload) (float64, error) {
	return float64(w), nil
}

// Config tunes the orchestrator.
type Config struct {
	NumWorkers             int
	EventChannelBufferSize int
}

// DefaultConfig returns the defaults used by the serve command.
func DefaultConfig() Config {
	return Config{
		NumWorkers:             4,
		EventChannelBufferSize: 100,
	}
}

// expiry is one countdown that ran out.
type expiry struct {
	sessionID uuid.UUID
	timerType models.TimerType
	slot      timer.Slot
}

// sessionTimer is the countdown owned for one active session.
type sessionTimer struct {
	client *timer.Client
	cancel context.CancelFunc
	sport  string
}

// Orchestrator owns the countdown of every active session. It consumes
// session events from the bus and advances the lifting order when a
// countdown expires.
type Orchestrator struct {
	consumer jetstream.Consumer
	sessions SessionDriver
	timers   timer.Store
	table    timer.Table
	weights  WeightSource
	clock    clockwork.Clock

	instanceID string
	numWorkers int
	bufferSize int
	workCh     chan expiry

	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex

	active   map[uuid.UUID]*sessionTimer
	activeMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWeights makes the orchestrator open the attempt for every called athlete.
func WithWeights(w WeightSource) Option {
	return func(o *Orchestrator) { o.weights = w }
}

// NewOrchestrator creates an orchestrator reading events from consumer.
func NewOrchestrator(consumer jetstream.Consumer, sessions SessionDriver, timers timer.Store, table timer.Table, clock clockwork.Clock, cfg Config, opts ...Option) *Orchestrator {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	o := &Orchestrator{
		consumer:   consumer,
		sessions:   sessions,
		timers:     timers,
		table:      table,
		clock:      clock,
		instanceID: uuid.New().String()[:8],
		numWorkers: cfg.NumWorkers,
		bufferSize: cfg.EventChannelBufferSize,
		workCh:     make(chan expiry, cfg.NumWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
		active:     make(map[uuid.UUID]*sessionTimer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// currentSlot returns the slot a session points at.
func currentSlot(s *models.LiveSession) (timer.Slot, bool) {
	if !s.HasCurrent() {
		return timer.Slot{}, false
	}
	return timer.Slot{
		AthleteID:     *s.CurrentAthleteID,
		DisciplineID:  *s.CurrentDisciplineID,
		AttemptNumber: *s.CurrentAttemptNumber,
	}, true
}

// EventID is the timer document a session's countdown is stored under.
func EventID(sessionID uuid.UUID) string {
	return sessionID.String()
}

// timerFor returns the running countdown of a session, starting a client if needed.
func (o *Orchestrator) timerFor(ctx context.Context, sessionID uuid.UUID, sport string) *sessionTimer {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()

	if st, ok := o.active[sessionID]; ok {
		if sport != "" {
			st.sport = sport
		}
		return st
	}

	runCtx, cancel := context.WithCancel(ctx)
	client := timer.NewClient(EventID(sessionID), o.timers, o.clock, timer.WithExpire(func(_ context.Context, st models.TimerState) {
		o.enqueue(expiry{sessionID: sessionID, timerType: st.TimerType, slot: timer.SlotOf(st)})
	}))
	st := &sessionTimer{client: client, cancel: cancel, sport: sport}
	o.active[sessionID] = st

	go func() {
		if err := client.Run(runCtx); err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session timer stopped")
		}
	}()

	log.Debug().Str("session_id", sessionID.String()).Str("instance", o.instanceID).Msg("session timer created")
	return st
}

// existingTimer returns the countdown of a session if one is running.
func (o *Orchestrator) existingTimer(sessionID uuid.UUID) (*sessionTimer, bool) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	st, ok := o.active[sessionID]
	return st, ok
}

// dropTimer stops and forgets the countdown of a session.
func (o *Orchestrator) dropTimer(sessionID uuid.UUID) *sessionTimer {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	st, ok := o.active[sessionID]
	if !ok {
		return nil
	}
	delete(o.active, sessionID)
	st.cancel()
	return st
}

// ActiveSessions returns the ids of sessions with a running countdown client.
func (o *Orchestrator) ActiveSessions() []uuid.UUID {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	ids := make([]uuid.UUID, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// TimerState returns the local countdown of a session.
func (o *Orchestrator) TimerState(sessionID uuid.UUID) (models.TimerState, bool) {
	st, ok := o.existingTimer(sessionID)
	if !ok {
		return models.TimerState{}, false
	}
	return st.client.State(), true
}

func (o *Orchestrator) startCountdown(ctx context.Context, st *sessionTimer, t models.TimerType, slot timer.Slot) error {
	settings, err := o.table.Lookup(st.sport)
	if err != nil {
		return fmt.Errorf("failed to get timer settings: %w", err)
	}
	seconds := settings.Seconds(t)
	if seconds <= 0 {
		log.Debug().Str("sport", st.sport).Str("timer_type", string(t)).Msg("no countdown configured")
		return nil
	}
	if err := st.client.Start(ctx, t, seconds, slot); err != nil {
		return fmt.Errorf("failed to start %s countdown: %w", t, err)
	}
	log.Info().
		Str("athlete_id", slot.AthleteID).
		Int("attempt_number", slot.AttemptNumber).
		Str("timer_type", string(t)).
		Dur("duration", time.Duration(seconds)*time.Second).
		Msg("countdown started")
	return nil
}

// enqueue hands an expired countdown to the worker pool unless the session is already being advanced.
func (o *Orchestrator) enqueue(e expiry) {
	o.inFlightMu.Lock()
	if o.inFlight[e.sessionID] {
		o.inFlightMu.Unlock()
		log.Debug().Str("session_id", e.sessionID.String()).Str("instance", o.instanceID).Msg("skipping session already in flight")
		return
	}
	o.inFlight[e.sessionID] = true
	o.inFlightMu.Unlock()

	select {
	case o.workCh <- e:
		log.Debug().Str("session_id", e.sessionID.String()).Msg("countdown expired - enqueued for processing")
	default:
		o.inFlightMu.Lock()
		delete(o.inFlight, e.sessionID)
		o.inFlightMu.Unlock()
		log.Warn().Str("session_id", e.sessionID.String()).Msg("countdown expired but work channel full")
	}
}
