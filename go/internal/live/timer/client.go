package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	tickInterval   = time.Second
	resyncInterval = 10 * time.Second
)

// Writer persists timer writes.
type Writer interface {
	SyncTimerState(ctx context.Context, eventID string, patch TimerPatch, syncedAt int64) error
}

// Store is the shared timer the client reconciles with.
type Store interface {
	Writer
	SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error)
}

// ExpireFunc is called once each time the local countdown reaches zero.
type ExpireFunc func(ctx context.Context, st models.TimerState)

// Client runs a local 1 Hz countdown for one event and reconciles it with the
// shared timer. Remote states are applied only when their syncedAt is newer
// than anything this client has written or applied.
type Client struct {
	eventID  string
	store    Store
	writer   Writer
	clock    clockwork.Clock
	onExpire ExpireFunc

	mu         sync.Mutex
	state      models.TimerState
	lastSynced int64
	online     bool

	remoteCh chan *models.TimerState
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithExpire sets the callback run when the countdown reaches zero.
func WithExpire(fn ExpireFunc) ClientOption {
	return func(c *Client) { c.onExpire = fn }
}

// WithWriter routes writes through w instead of the store, e.g. an offline relay.
func WithWriter(w Writer) ClientOption {
	return func(c *Client) { c.writer = w }
}

// NewClient creates a timer client for an event.
func NewClient(eventID string, st Store, clock clockwork.Clock, opts ...ClientOption) *Client {
	c := &Client{
		eventID:  eventID,
		store:    st,
		writer:   st,
		clock:    clock,
		online:   true,
		state:    models.TimerState{EventID: eventID, TimerType: models.TimerTypeAttempt},
		remoteCh: make(chan *models.TimerState, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a copy of the local timer.
func (c *Client) State() models.TimerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run ticks the local countdown, periodically pushes a running timer and
// applies remote states until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	unsubscribe, err := c.store.SubscribeTimer(ctx, c.eventID, func(st *models.TimerState) {
		// keep only the newest pending remote state
		select {
		case <-c.remoteCh:
		default:
		}
		select {
		case c.remoteCh <- st:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to timer: %w", err)
	}
	defer unsubscribe()

	ticker := c.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	resync := c.clock.NewTicker(resyncInterval)
	defer resync.Stop()

	log.Debug().Str("event_id", c.eventID).Msg("timer client started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("event_id", c.eventID).Msg("timer client stopped")
			return nil
		case <-ticker.Chan():
			c.tick(ctx)
		case <-resync.Chan():
			c.resync(ctx)
		case st := <-c.remoteCh:
			c.applyRemote(st)
		}
	}
}

// Start runs a fresh countdown of the given length for slot. A zero slot
// clears the athlete left by an earlier countdown.
func (c *Client) Start(ctx context.Context, t models.TimerType, seconds int, slot Slot) error {
	if !t.Valid() {
		return fmt.Errorf("unknown timer type %q", t)
	}
	if seconds <= 0 {
		return fmt.Errorf("timer length must be positive, got %d", seconds)
	}
	c.mu.Lock()
	c.state.IsRunning = true
	c.state.TimerType = t
	c.state.TimeRemaining = seconds
	c.state.TotalTime = seconds
	slot.applyTo(&c.state)
	c.mu.Unlock()
	return c.push(ctx)
}

// Pause stops the countdown and keeps the remaining time.
func (c *Client) Pause(ctx context.Context) error {
	c.mu.Lock()
	c.state.IsRunning = false
	c.mu.Unlock()
	return c.push(ctx)
}

// Resume continues a paused countdown. A countdown with no time left stays stopped.
func (c *Client) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.state.IsRunning = c.state.TimeRemaining > 0
	c.mu.Unlock()
	return c.push(ctx)
}

// Reset stops the countdown and restores its full length.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.state.IsRunning = false
	c.state.TimeRemaining = c.state.TotalTime
	c.mu.Unlock()
	return c.push(ctx)
}

// SetOnline records connectivity. Coming back online pushes a running timer.
func (c *Client) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	running := c.state.IsRunning
	c.mu.Unlock()

	if online && !was {
		log.Info().Str("event_id", c.eventID).Bool("running", running).Msg("timer client back online")
		if running {
			if err := c.push(ctx); err != nil {
				log.Warn().Err(err).Str("event_id", c.eventID).Msg("failed to push timer after reconnect")
			}
		}
	}
}

func (c *Client) tick(ctx context.Context) {
	c.mu.Lock()
	if !c.state.IsRunning {
		c.mu.Unlock()
		return
	}
	c.state.TimeRemaining = max(0, c.state.TimeRemaining-1)
	expired := c.state.TimeRemaining == 0
	if expired {
		c.state.IsRunning = false
	}
	st := c.state
	c.mu.Unlock()

	if !expired {
		return
	}
	log.Info().Str("event_id", c.eventID).Str("timer_type", string(st.TimerType)).Msg("timer expired")
	if err := c.push(ctx); err != nil {
		log.Warn().Err(err).Str("event_id", c.eventID).Msg("failed to push expired timer")
	}
	if c.onExpire != nil {
		c.onExpire(ctx, st)
	}
}

func (c *Client) resync(ctx context.Context) {
	c.mu.Lock()
	running := c.state.IsRunning
	c.mu.Unlock()
	if !running {
		return
	}
	if err := c.push(ctx); err != nil {
		log.Warn().Err(err).Str("event_id", c.eventID).Msg("periodic timer resync failed")
	}
}

// applyRemote adopts a remote state that is newer than the local high-water
// mark, correcting a running countdown for the time since the store stamped it.
func (c *Client) applyRemote(remote *models.TimerState) bool {
	if remote == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote.SyncedAt <= c.lastSynced {
		return false
	}
	st := *remote
	if st.IsRunning {
		elapsed := c.clock.Now().Sub(st.LastUpdated).Milliseconds() / 1000
		if elapsed < 0 {
			elapsed = 0
		}
		st.TimeRemaining = max(0, st.TimeRemaining-int(elapsed))
	}
	c.state = st
	c.lastSynced = remote.SyncedAt
	return true
}

// push writes the full local state with a fresh syncedAt. Offline clients
// keep their state and push again when they reconnect.
func (c *Client) push(ctx context.Context) error {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return nil
	}
	syncedAt := max(c.clock.Now().UnixMilli(), c.lastSynced+1)
	c.lastSynced = syncedAt
	c.state.SyncedAt = syncedAt
	patch := PatchOf(c.state)
	c.mu.Unlock()

	if err := c.writer.SyncTimerState(ctx, c.eventID, patch, syncedAt); err != nil {
		return fmt.Errorf("failed to push timer: %w", err)
	}
	return nil
}
