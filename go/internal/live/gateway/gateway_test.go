package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/session"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server   *httptest.Server
	manager  *ConnectionManager
	feed     *Feed
	sessions *session.App
	attempts *attempt.App
	timers   *timer.App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewRealClock()
	gw := store.NewMemory(clock)
	t.Cleanup(gw.Close)

	attempts := attempt.NewApp(attempt.NewRepository(gw), nil, clock)
	sessions := session.NewApp(session.NewRepository(gw, clock), nil, clock, session.WithAttemptOpener(attempts))
	timers := timer.NewApp(timer.NewRepository(gw), timer.DefaultTable())

	manager := NewConnectionManager(DefaultConnectionConfig(), clock)
	feed := NewFeed(sessions, attempts, timers, manager, clock)
	manager.SetWatcher(feed)
	manager.SetCommandHandler(feed)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(manager).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &harness{server: server, manager: manager, feed: feed, sessions: sessions, attempts: attempts, timers: timers}
}

func (h *harness) startSession(t *testing.T) *models.LiveSession {
	t.Helper()
	ctx := context.Background()
	s, err := h.sessions.CreateLiveSession(ctx, session.CreateSessionRequest{
		CompetitionID: "comp-1",
		SetupID:       "setup-1",
		Sport:         "weightlifting",
		Disciplines:   []models.Discipline{{ID: "snatch", MaxAttempts: 3}},
		Roster:        []string{"ana", "ben", "cai"},
	})
	require.NoError(t, err)
	s, err = h.sessions.Start(ctx, s.ID)
	require.NoError(t, err)
	return s
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/live?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(t MessageType) func(Message) bool {
	return func(m Message) bool { return m.Type == t }
}

func TestLiveConnectionReceivesSessionAttemptAndTimer(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)
	ctx := context.Background()

	conn := h.dial(t, "session_id="+s.ID.String()+"&event_id=ev-1&client_id=display")

	msg := readUntil(t, conn, ofType(MessageTypeSession))
	var got models.LiveSession
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, models.SessionStateActive, got.CurrentState)
	assert.Equal(t, s.ID.String(), msg.SessionID)

	rec, err := h.sessions.EnsureCurrentAttempt(ctx, s.ID, 100)
	require.NoError(t, err)
	msg = readUntil(t, conn, ofType(MessageTypeAttempt))
	var gotAttempt models.AttemptRecord
	require.NoError(t, json.Unmarshal(msg.Data, &gotAttempt))
	assert.Equal(t, rec.ID, gotAttempt.ID)

	running := true
	remaining := 60
	require.NoError(t, h.timers.SyncTimerState(ctx, "ev-1", timer.TimerPatch{IsRunning: &running, TimeRemaining: &remaining}, 1))
	msg = readUntil(t, conn, ofType(MessageTypeTimer))
	var gotTimer models.TimerState
	require.NoError(t, json.Unmarshal(msg.Data, &gotTimer))
	assert.True(t, gotTimer.IsRunning)
	assert.Equal(t, 60, gotTimer.TimeRemaining)
}

func timerFor(t *testing.T, eventID string) func(Message) bool {
	return func(m Message) bool {
		if m.Type != MessageTypeTimer {
			return false
		}
		var got models.TimerState
		require.NoError(t, json.Unmarshal(m.Data, &got))
		return got.EventID == eventID
	}
}

func TestLateConnectionIsPrimedWithCurrentSnapshots(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)
	ctx := context.Background()

	first := h.dial(t, "session_id="+s.ID.String()+"&event_id=ev-1&client_id=display")
	readUntil(t, first, ofType(MessageTypeSession))

	rec, err := h.sessions.EnsureCurrentAttempt(ctx, s.ID, 100)
	require.NoError(t, err)
	readUntil(t, first, ofType(MessageTypeAttempt))

	running := true
	remaining := 60
	require.NoError(t, h.timers.SyncTimerState(ctx, "ev-1", timer.TimerPatch{IsRunning: &running, TimeRemaining: &remaining}, 1))
	readUntil(t, first, timerFor(t, "ev-1"))

	other := 45
	require.NoError(t, h.timers.SyncTimerState(ctx, "ev-2", timer.TimerPatch{TimeRemaining: &other}, 1))

	// nothing changes after this point, so every frame comes from priming
	second := h.dial(t, "session_id="+s.ID.String()+"&event_id=ev-1&client_id=scoreboard")
	msg := readUntil(t, second, ofType(MessageTypeSession))
	var gotSession models.LiveSession
	require.NoError(t, json.Unmarshal(msg.Data, &gotSession))
	assert.Equal(t, s.ID, gotSession.ID)

	msg = readUntil(t, second, ofType(MessageTypeAttempt))
	var gotAttempt models.AttemptRecord
	require.NoError(t, json.Unmarshal(msg.Data, &gotAttempt))
	assert.Equal(t, rec.ID, gotAttempt.ID)

	msg = readUntil(t, second, timerFor(t, "ev-1"))
	var gotTimer models.TimerState
	require.NoError(t, json.Unmarshal(msg.Data, &gotTimer))
	assert.True(t, gotTimer.IsRunning)
	assert.Equal(t, 60, gotTimer.TimeRemaining)

	third := h.dial(t, "session_id="+s.ID.String()+"&event_id=ev-2&client_id=warmup")
	readUntil(t, third, ofType(MessageTypeSession))
	readUntil(t, third, ofType(MessageTypeAttempt))
	msg = readUntil(t, third, timerFor(t, "ev-2"))
	require.NoError(t, json.Unmarshal(msg.Data, &gotTimer))
	assert.False(t, gotTimer.IsRunning)
	assert.Equal(t, 45, gotTimer.TimeRemaining)
}

func TestAttemptSubscriptionFollowsCurrentSlot(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)
	ctx := context.Background()

	conn := h.dial(t, "session_id="+s.ID.String())
	readUntil(t, conn, ofType(MessageTypeSession))

	_, err := h.sessions.NextAthlete(ctx, s.ID)
	require.NoError(t, err)
	readUntil(t, conn, func(m Message) bool {
		if m.Type != MessageTypeSession {
			return false
		}
		var got models.LiveSession
		require.NoError(t, json.Unmarshal(m.Data, &got))
		return got.CurrentAthleteID != nil && *got.CurrentAthleteID == "ben"
	})

	rec, err := h.sessions.EnsureCurrentAttempt(ctx, s.ID, 105)
	require.NoError(t, err)
	msg := readUntil(t, conn, ofType(MessageTypeAttempt))
	var got models.AttemptRecord
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "ben", got.AthleteID)
}

func TestVoteCommandRepliesToSender(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)
	ctx := context.Background()

	rec, err := h.sessions.EnsureCurrentAttempt(ctx, s.ID, 100)
	require.NoError(t, err)

	conn := h.dial(t, "session_id="+s.ID.String()+"&client_id=judge-1")
	readUntil(t, conn, ofType(MessageTypeSession))

	send := func(cmd Command) VoteResultData {
		require.NoError(t, conn.WriteJSON(cmd))
		msg := readUntil(t, conn, ofType(MessageTypeVoteResult))
		var res VoteResultData
		require.NoError(t, json.Unmarshal(msg.Data, &res))
		return res
	}

	res := send(Command{Type: CommandVote, RequestID: "r1", AttemptID: rec.ID.String(), Position: 1, Vote: models.VoteValid})
	assert.Equal(t, "r1", res.RequestID)
	assert.False(t, res.IsCompleted)

	res = send(Command{Type: CommandVote, RequestID: "r2", AttemptID: rec.ID.String(), JudgeID: "judge-2", Position: 2, Vote: models.VoteValid})
	assert.True(t, res.IsCompleted)
	assert.True(t, res.IsValid)

	stored, err := h.attempts.GetAttempt(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.JudgeVotes, 2)
	assert.Equal(t, "judge-1", stored.JudgeVotes[0].JudgeID)
}

func TestVoteCommandErrors(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)

	conn := h.dial(t, "session_id="+s.ID.String()+"&client_id=judge-1")
	readUntil(t, conn, ofType(MessageTypeSession))

	cases := []struct {
		name string
		cmd  Command
		code string
	}{
		{"bad attempt id", Command{Type: CommandVote, RequestID: "a", AttemptID: "nope", Position: 1, Vote: models.VoteValid}, "INVALID_MESSAGE"},
		{"missing attempt", Command{Type: CommandVote, RequestID: "b", AttemptID: uuid.NewString(), Position: 1, Vote: models.VoteValid}, "NOT_FOUND"},
		{"unknown command", Command{Type: "shout", RequestID: "c"}, "UNKNOWN_COMMAND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tc.cmd))
			msg := readUntil(t, conn, ofType(MessageTypeError))
			var data ErrorData
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			assert.Equal(t, tc.cmd.RequestID, data.RequestID)
			assert.Equal(t, tc.code, data.Code)
		})
	}
}

func TestVoteCommandIsScopedToSessionAndAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := func(competition string, assignments map[string]int) (*models.LiveSession, *models.AttemptRecord) {
		s, err := h.sessions.CreateLiveSession(ctx, session.CreateSessionRequest{
			CompetitionID:    competition,
			SetupID:          "setup-1",
			Sport:            "weightlifting",
			Disciplines:      []models.Discipline{{ID: "snatch", MaxAttempts: 3}},
			Roster:           []string{"ana", "ben"},
			JudgeAssignments: assignments,
		})
		require.NoError(t, err)
		_, err = h.sessions.Start(ctx, s.ID)
		require.NoError(t, err)
		rec, err := h.sessions.EnsureCurrentAttempt(ctx, s.ID, 100)
		require.NoError(t, err)
		return s, rec
	}
	s, rec := open("comp-1", map[string]int{"judge-1": 1, "judge-2": 2, "judge-3": 3})
	_, foreign := open("comp-2", nil)

	conn := h.dial(t, "session_id="+s.ID.String()+"&client_id=judge-1")
	readUntil(t, conn, ofType(MessageTypeSession))

	rejected := []struct {
		name string
		cmd  Command
	}{
		{"attempt of another session", Command{Type: CommandVote, RequestID: "a", AttemptID: foreign.ID.String(), Position: 1, Vote: models.VoteValid}},
		{"wrong position", Command{Type: CommandVote, RequestID: "b", AttemptID: rec.ID.String(), Position: 2, Vote: models.VoteValid}},
		{"unassigned judge", Command{Type: CommandVote, RequestID: "c", AttemptID: rec.ID.String(), JudgeID: "judge-9", Position: 1, Vote: models.VoteValid}},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tc.cmd))
			msg := readUntil(t, conn, ofType(MessageTypeError))
			var data ErrorData
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			assert.Equal(t, tc.cmd.RequestID, data.RequestID)
			assert.Equal(t, "INVALID_STATE", data.Code)
		})
	}

	stored, err := h.attempts.GetAttempt(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.JudgeVotes)

	// the assigned position is filled in when the command omits it
	require.NoError(t, conn.WriteJSON(Command{Type: CommandVote, RequestID: "d", AttemptID: rec.ID.String(), Vote: models.VoteValid}))
	msg := readUntil(t, conn, ofType(MessageTypeVoteResult))
	var res VoteResultData
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, "d", res.RequestID)

	stored, err = h.attempts.GetAttempt(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, stored.JudgeVotes, 1)
	assert.Equal(t, "judge-1", stored.JudgeVotes[0].JudgeID)
	assert.Equal(t, 1, stored.JudgeVotes[0].Position)
}

func TestFeedStopsWithLastConnection(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)

	first := h.dial(t, "session_id="+s.ID.String()+"&client_id=a")
	second := h.dial(t, "session_id="+s.ID.String()+"&client_id=b")
	readUntil(t, first, ofType(MessageTypeSession))
	readUntil(t, second, ofType(MessageTypeSession))

	assert.True(t, h.feed.Watching(s.ID))
	stats := h.manager.GetConnectionStats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveSessions)

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return h.manager.GetConnectionStats().TotalConnections == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, h.feed.Watching(s.ID))

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		return !h.feed.Watching(s.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLiveConnectionRejectsBadSessionID(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/ws/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(h.server.URL + "/ws/live?session_id=xyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionStatsEndpoint(t *testing.T) {
	h := newHarness(t)
	s := h.startSession(t)
	conn := h.dial(t, "session_id="+s.ID.String())
	readUntil(t, conn, ofType(MessageTypeSession))

	resp, err := http.Get(h.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.SessionConnections[s.ID.String()])
}
