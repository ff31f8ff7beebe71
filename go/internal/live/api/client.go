package api

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
)

// Client calls the live session API. Failures come back as domain errors:
// rejections keep their code, transport problems become sync failures.
type Client struct {
	getSession      *connect.Client[SessionRef, models.LiveSession]
	start           *connect.Client[SessionRef, models.LiveSession]
	nextAthlete     *connect.Client[SessionRef, models.LiveSession]
	pause           *connect.Client[SessionRef, models.LiveSession]
	resume          *connect.Client[SessionRef, models.LiveSession]
	getAttempt      *connect.Client[AttemptRef, models.AttemptRecord]
	submitJudgeVote *connect.Client[SubmitVoteRequest, attempt.VoteResult]
	getTimerState   *connect.Client[TimerRef, models.TimerState]
	syncTimerState  *connect.Client[SyncTimerRequest, Empty]
}

// NewClient creates a client for the API served at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &Client{
		getSession:      connect.NewClient[SessionRef, models.LiveSession](httpClient, baseURL+SessionServiceGetLiveSessionProcedure, opts...),
		start:           connect.NewClient[SessionRef, models.LiveSession](httpClient, baseURL+SessionServiceStartProcedure, opts...),
		nextAthlete:     connect.NewClient[SessionRef, models.LiveSession](httpClient, baseURL+SessionServiceNextAthleteProcedure, opts...),
		pause:           connect.NewClient[SessionRef, models.LiveSession](httpClient, baseURL+SessionServicePauseProcedure, opts...),
		resume:          connect.NewClient[SessionRef, models.LiveSession](httpClient, baseURL+SessionServiceResumeProcedure, opts...),
		getAttempt:      connect.NewClient[AttemptRef, models.AttemptRecord](httpClient, baseURL+AttemptServiceGetAttemptProcedure, opts...),
		submitJudgeVote: connect.NewClient[SubmitVoteRequest, attempt.VoteResult](httpClient, baseURL+AttemptServiceSubmitJudgeVoteProcedure, opts...),
		getTimerState:   connect.NewClient[TimerRef, models.TimerState](httpClient, baseURL+TimerServiceGetTimerStateProcedure, opts...),
		syncTimerState:  connect.NewClient[SyncTimerRequest, Empty](httpClient, baseURL+TimerServiceSyncTimerStateProcedure, opts...),
	}
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (c *Client) GetLiveSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return call(ctx, c.getSession, &SessionRef{SessionID: id})
}

func (c *Client) Start(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return call(ctx, c.start, &SessionRef{SessionID: id})
}

func (c *Client) NextAthlete(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return call(ctx, c.nextAthlete, &SessionRef{SessionID: id})
}

func (c *Client) Pause(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return call(ctx, c.pause, &SessionRef{SessionID: id})
}

func (c *Client) Resume(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return call(ctx, c.resume, &SessionRef{SessionID: id})
}

func (c *Client) GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error) {
	return call(ctx, c.getAttempt, &AttemptRef{AttemptID: id})
}

// SubmitJudgeVote sends one judge's call for an attempt.
func (c *Client) SubmitJudgeVote(ctx context.Context, id uuid.UUID, req attempt.VoteRequest) (*attempt.VoteResult, error) {
	return call(ctx, c.submitJudgeVote, &SubmitVoteRequest{AttemptID: id, Vote: req})
}

func (c *Client) GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error) {
	return call(ctx, c.getTimerState, &TimerRef{EventID: eventID})
}

// SyncTimerState writes a timer patch stamped with the caller's syncedAt.
func (c *Client) SyncTimerState(ctx context.Context, eventID string, patch timer.TimerPatch, syncedAt int64) error {
	_, err := call(ctx, c.syncTimerState, &SyncTimerRequest{EventID: eventID, Patch: patch, SyncedAt: syncedAt})
	return err
}
