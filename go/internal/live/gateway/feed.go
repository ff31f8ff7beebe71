package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

// SessionSource defines what the feed needs from the session layer
type SessionSource interface {
	GetLiveSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	SubscribeLiveSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession)) (store.Unsubscribe, error)
}

// AttemptSource defines what the feed needs from the attempt layer
type AttemptSource interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error)
	SubscribeAttempt(ctx context.Context, id uuid.UUID, fn func(*models.AttemptRecord)) (store.Unsubscribe, error)
	SubmitJudgeVote(ctx context.Context, id uuid.UUID, req attempt.VoteRequest) (*attempt.VoteResult, error)
}

// TimerSource defines what the feed needs from the timer layer
type TimerSource interface {
	SubscribeTimer(ctx context.Context, eventID string, fn func(*models.TimerState)) (store.Unsubscribe, error)
}

// Broadcaster pushes a message to every connection of a session, or to a
// single connection.
type Broadcaster interface {
	BroadcastToSession(sessionID uuid.UUID, msg *Message)
	SendToConnection(conn *Connection, msg *Message)
}

// Feed keeps one set of store subscriptions per watched session and turns
// every snapshot into a broadcast. The current attempt subscription follows
// the session's current slot. The latest frame of each stream is kept so a
// connection joining a watched session is primed without waiting for the
// next change.
type Feed struct {
	sessions SessionSource
	attempts AttemptSource
	timers   TimerSource
	out      Broadcaster
	clock    clockwork.Clock

	mu      sync.Mutex
	watched map[uuid.UUID]*sessionFeed
}

type sessionFeed struct {
	id uuid.UUID

	mu             sync.Mutex
	stopped        bool
	unsubSession   store.Unsubscribe
	unsubAttempt   store.Unsubscribe
	currentAttempt uuid.UUID
	lastSession    *Message
	lastAttempt    *Message
	timers         map[string]*timerFeed
}

// timerFeed is one event's timer subscription within a session.
type timerFeed struct {
	unsub store.Unsubscribe
	last  *Message
}

// NewFeed creates a feed broadcasting through out.
func NewFeed(sessions SessionSource, attempts AttemptSource, timers TimerSource, out Broadcaster, clock clockwork.Clock) *Feed {
	return &Feed{
		sessions: sessions,
		attempts: attempts,
		timers:   timers,
		out:      out,
		clock:    clock,
		watched:  make(map[uuid.UUID]*sessionFeed),
	}
}

// Watch is called for every registered connection. The first connection of
// a session subscribes to the session and its current attempt; each distinct
// event_id adds a timer subscription. Streams that were already subscribed
// are replayed to the new connection from their latest frame.
func (f *Feed) Watch(conn *Connection) {
	f.mu.Lock()
	sf, watched := f.watched[conn.SessionID]
	if !watched {
		sf = &sessionFeed{id: conn.SessionID, timers: make(map[string]*timerFeed)}
		f.watched[conn.SessionID] = sf
	}
	f.mu.Unlock()

	ctx := context.Background()
	if !watched {
		if !f.watchSession(ctx, sf) {
			return
		}
	}
	timerWatched := true
	if conn.EventID != "" {
		timerWatched = f.watchTimer(ctx, sf, conn.EventID)
	}

	var prime []*Message
	sf.mu.Lock()
	if watched {
		prime = append(prime, sf.lastSession, sf.lastAttempt)
	}
	if conn.EventID != "" && timerWatched {
		if tf := sf.timers[conn.EventID]; tf != nil {
			prime = append(prime, tf.last)
		}
	}
	sf.mu.Unlock()

	for _, msg := range prime {
		if msg != nil {
			f.out.SendToConnection(conn, msg)
		}
	}
}

func (f *Feed) watchSession(ctx context.Context, sf *sessionFeed) bool {
	unsub, err := f.sessions.SubscribeLiveSession(ctx, sf.id, func(s *models.LiveSession) {
		f.onSession(ctx, sf, s)
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sf.id.String()).Msg("failed to watch session")
		f.forget(sf.id)
		return false
	}

	sf.mu.Lock()
	sf.unsubSession = unsub
	stopped := sf.stopped
	sf.mu.Unlock()
	if stopped {
		sf.close()
		return false
	}

	log.Info().Str("session_id", sf.id.String()).Msg("watching live session")
	return true
}

// watchTimer subscribes to the event's timer unless the session already
// does. It reports whether the subscription existed before the call.
func (f *Feed) watchTimer(ctx context.Context, sf *sessionFeed, eventID string) bool {
	sf.mu.Lock()
	if sf.stopped {
		sf.mu.Unlock()
		return false
	}
	if _, ok := sf.timers[eventID]; ok {
		sf.mu.Unlock()
		return true
	}
	tf := &timerFeed{}
	sf.timers[eventID] = tf
	sf.mu.Unlock()

	unsub, err := f.timers.SubscribeTimer(ctx, eventID, func(t *models.TimerState) {
		msg := f.message(sf.id, MessageTypeTimer, t)
		if msg == nil {
			return
		}
		sf.mu.Lock()
		tf.last = msg
		sf.mu.Unlock()
		f.out.BroadcastToSession(sf.id, msg)
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to watch timer")
		sf.mu.Lock()
		delete(sf.timers, eventID)
		sf.mu.Unlock()
		return false
	}

	sf.mu.Lock()
	if sf.stopped {
		sf.mu.Unlock()
		unsub()
		return false
	}
	tf.unsub = unsub
	sf.mu.Unlock()

	log.Info().Str("session_id", sf.id.String()).Str("event_id", eventID).Msg("watching event timer")
	return false
}

// Unwatch drops every subscription of the session.
func (f *Feed) Unwatch(sessionID uuid.UUID) {
	sf := f.forget(sessionID)
	if sf == nil {
		return
	}
	sf.close()
	log.Info().Str("session_id", sessionID.String()).Msg("stopped watching live session")
}

// Watching reports whether the session has active subscriptions.
func (f *Feed) Watching(sessionID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watched[sessionID]
	return ok
}

func (f *Feed) forget(sessionID uuid.UUID) *sessionFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf := f.watched[sessionID]
	delete(f.watched, sessionID)
	return sf
}

func (f *Feed) onSession(ctx context.Context, sf *sessionFeed, s *models.LiveSession) {
	msg := f.message(sf.id, MessageTypeSession, s)

	next := uuid.Nil
	if s.HasCurrent() {
		next = attempt.ID(s.ID, *s.CurrentAthleteID, *s.CurrentDisciplineID, *s.CurrentAttemptNumber)
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.stopped {
		return
	}
	if msg != nil {
		sf.lastSession = msg
		f.out.BroadcastToSession(sf.id, msg)
	}
	if next == sf.currentAttempt {
		return
	}
	if sf.unsubAttempt != nil {
		sf.unsubAttempt()
		sf.unsubAttempt = nil
	}
	sf.currentAttempt = next
	sf.lastAttempt = nil
	if next == uuid.Nil {
		return
	}

	unsub, err := f.attempts.SubscribeAttempt(ctx, next, func(rec *models.AttemptRecord) {
		msg := f.message(sf.id, MessageTypeAttempt, rec)
		if msg == nil {
			return
		}
		sf.mu.Lock()
		if sf.currentAttempt == next {
			sf.lastAttempt = msg
		}
		sf.mu.Unlock()
		f.out.BroadcastToSession(sf.id, msg)
	})
	if err != nil {
		log.Error().Err(err).Str("attempt_id", next.String()).Msg("failed to watch attempt")
		return
	}
	sf.unsubAttempt = unsub
}

func (sf *sessionFeed) close() {
	sf.mu.Lock()
	sf.stopped = true
	unsubs := []store.Unsubscribe{sf.unsubSession, sf.unsubAttempt}
	for _, tf := range sf.timers {
		unsubs = append(unsubs, tf.unsub)
	}
	sf.unsubSession, sf.unsubAttempt = nil, nil
	sf.timers = make(map[string]*timerFeed)
	sf.mu.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
}

func (f *Feed) message(sessionID uuid.UUID, t MessageType, data any) *Message {
	msg, err := newMessage(t, sessionID, f.clock.Now(), data)
	if err != nil {
		log.Error().Err(err).Msg("failed to build feed message")
		return nil
	}
	return msg
}

// HandleCommand answers a vote command with the tally after the vote.
func (f *Feed) HandleCommand(ctx context.Context, conn *Connection, cmd Command) *Message {
	now := f.clock.Now()
	switch cmd.Type {
	case CommandVote:
		attemptID, err := uuid.Parse(cmd.AttemptID)
		if err != nil {
			return errorMessage(conn.SessionID, now, cmd.RequestID, "INVALID_MESSAGE", "attempt_id must be a UUID")
		}
		judgeID := cmd.JudgeID
		if judgeID == "" {
			judgeID = conn.ClientID
		}
		position, err := f.authorizeVote(ctx, conn, attemptID, judgeID, cmd.Position)
		if err != nil {
			log.Warn().Err(err).Str("attempt_id", cmd.AttemptID).Str("judge_id", judgeID).Msg("vote rejected")
			return errorMessage(conn.SessionID, now, cmd.RequestID, errorCode(err), err.Error())
		}
		res, err := f.attempts.SubmitJudgeVote(ctx, attemptID, attempt.VoteRequest{
			JudgeID:  judgeID,
			Position: position,
			Vote:     cmd.Vote,
		})
		if err != nil {
			log.Warn().Err(err).Str("attempt_id", cmd.AttemptID).Str("judge_id", judgeID).Msg("vote rejected")
			return errorMessage(conn.SessionID, now, cmd.RequestID, errorCode(err), err.Error())
		}
		msg, err := newMessage(MessageTypeVoteResult, conn.SessionID, now, VoteResultData{
			RequestID:   cmd.RequestID,
			AttemptID:   attemptID.String(),
			IsCompleted: res.IsCompleted,
			IsValid:     res.IsValid,
			Corrected:   res.Corrected,
		})
		if err != nil {
			return errorMessage(conn.SessionID, now, cmd.RequestID, string(apperr.CodeUnknown), err.Error())
		}
		return msg
	default:
		return errorMessage(conn.SessionID, now, cmd.RequestID, "UNKNOWN_COMMAND", "unknown command type "+string(cmd.Type))
	}
}

// authorizeVote checks that the attempt belongs to the connection's session
// and, when the session assigns judges, that the judge votes from its own
// position. It returns the position to record.
func (f *Feed) authorizeVote(ctx context.Context, conn *Connection, attemptID uuid.UUID, judgeID string, position int) (int, error) {
	rec, err := f.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if rec.SessionID != conn.SessionID {
		return 0, apperr.InvalidState("attempt " + attemptID.String() + " belongs to another session")
	}

	s, err := f.sessions.GetLiveSession(ctx, conn.SessionID)
	if err != nil {
		return 0, err
	}
	if len(s.JudgeAssignments) == 0 {
		return position, nil
	}
	assigned, ok := s.JudgeAssignments[judgeID]
	if !ok {
		return 0, apperr.InvalidState("judge " + judgeID + " is not assigned to this session")
	}
	if position != 0 && position != assigned {
		return 0, apperr.InvalidState(fmt.Sprintf("judge %s is assigned position %d, not %d", judgeID, assigned, position))
	}
	return assigned, nil
}

func errorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return string(apperr.CodeSyncFailure)
	}
	return string(apperr.CodeOf(err))
}
