package api

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

// TimerPoller serves an event's shared timer through the API. The API has no
// push channel, so a subscription polls GetTimerState.
type TimerPoller struct {
	*Client
	clock    clockwork.Clock
	interval time.Duration
}

var _ timer.Store = (*TimerPoller)(nil)

func NewTimerPoller(c *Client, clock clockwork.Clock, interval time.Duration) *TimerPoller {
	return &TimerPoller{Client: c, clock: clock, interval: interval}
}

// SubscribeTimer polls until unsubscribed and delivers every state whose
// synced_at or last_updated moved. Missing timers and failed polls are skipped.
func (p *TimerPoller) SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()

		var last *models.TimerState
		poll := func() {
			st, err := p.GetTimerState(ctx, eventID)
			if err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("event_id", eventID).Msg("timer poll failed")
				}
				return
			}
			if last != nil && st.SyncedAt == last.SyncedAt && st.LastUpdated.Equal(last.LastUpdated) {
				return
			}
			last = st
			fn(st)
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				poll()
			}
		}
	}()
	return store.Unsubscribe(cancel), nil
}
