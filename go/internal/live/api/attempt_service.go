package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/models"
)

const AttemptServiceName = "liftlive.live.v1.AttemptService"

const (
	AttemptServiceCreateAttemptProcedure       = "/" + AttemptServiceName + "/CreateAttempt"
	AttemptServiceGetAttemptProcedure          = "/" + AttemptServiceName + "/GetAttempt"
	AttemptServiceGetAttemptStatsProcedure     = "/" + AttemptServiceName + "/GetAttemptStats"
	AttemptServiceUpdateWeightProcedure        = "/" + AttemptServiceName + "/UpdateWeight"
	AttemptServiceSubmitJudgeVoteProcedure     = "/" + AttemptServiceName + "/SubmitJudgeVote"
	AttemptServiceDeleteAttemptProcedure       = "/" + AttemptServiceName + "/DeleteAttempt"
	AttemptServiceListSessionAttemptsProcedure = "/" + AttemptServiceName + "/ListSessionAttempts"
	AttemptServiceGetSessionStatsProcedure     = "/" + AttemptServiceName + "/GetSessionStats"
)

// AttemptApp defines what the service layer needs from the attempt application
type AttemptApp interface {
	CreateAttempt(ctx context.Context, req attempt.CreateAttemptRequest) (*models.AttemptRecord, error)
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.AttemptRecord, error)
	GetAttemptStats(ctx context.Context, id uuid.UUID) (models.AttemptStats, error)
	UpdateWeight(ctx context.Context, id uuid.UUID, weight float64) (*models.AttemptRecord, error)
	SubmitJudgeVote(ctx context.Context, id uuid.UUID, req attempt.VoteRequest) (*attempt.VoteResult, error)
	DeleteAttempt(ctx context.Context, id uuid.UUID) error
	ListSessionAttempts(ctx context.Context, sessionID uuid.UUID) ([]models.AttemptRecord, error)
	GetSessionStats(ctx context.Context, sessionID uuid.UUID) (models.SessionStats, error)
}

// AttemptService exposes attempt records and judging over connect
type AttemptService struct {
	app AttemptApp
}

// NewAttemptService creates a new attempt service
func NewAttemptService(app AttemptApp) *AttemptService {
	return &AttemptService{app: app}
}

// NewAttemptServiceHandler builds an HTTP handler from the service implementation.
func NewAttemptServiceHandler(svc *AttemptService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(AttemptServiceCreateAttemptProcedure, connect.NewUnaryHandler(AttemptServiceCreateAttemptProcedure, svc.CreateAttempt, opts...))
	mux.Handle(AttemptServiceGetAttemptProcedure, connect.NewUnaryHandler(AttemptServiceGetAttemptProcedure, svc.GetAttempt, opts...))
	mux.Handle(AttemptServiceGetAttemptStatsProcedure, connect.NewUnaryHandler(AttemptServiceGetAttemptStatsProcedure, svc.GetAttemptStats, opts...))
	mux.Handle(AttemptServiceUpdateWeightProcedure, connect.NewUnaryHandler(AttemptServiceUpdateWeightProcedure, svc.UpdateWeight, opts...))
	mux.Handle(AttemptServiceSubmitJudgeVoteProcedure, connect.NewUnaryHandler(AttemptServiceSubmitJudgeVoteProcedure, svc.SubmitJudgeVote, opts...))
	mux.Handle(AttemptServiceDeleteAttemptProcedure, connect.NewUnaryHandler(AttemptServiceDeleteAttemptProcedure, svc.DeleteAttempt, opts...))
	mux.Handle(AttemptServiceListSessionAttemptsProcedure, connect.NewUnaryHandler(AttemptServiceListSessionAttemptsProcedure, svc.ListSessionAttempts, opts...))
	mux.Handle(AttemptServiceGetSessionStatsProcedure, connect.NewUnaryHandler(AttemptServiceGetSessionStatsProcedure, svc.GetSessionStats, opts...))
	return "/" + AttemptServiceName + "/", mux
}

func (s *AttemptService) CreateAttempt(ctx context.Context, req *connect.Request[attempt.CreateAttemptRequest]) (*connect.Response[models.AttemptRecord], error) {
	return respond(s.app.CreateAttempt(ctx, *req.Msg))
}

func (s *AttemptService) GetAttempt(ctx context.Context, req *connect.Request[AttemptRef]) (*connect.Response[models.AttemptRecord], error) {
	return respond(s.app.GetAttempt(ctx, req.Msg.AttemptID))
}

func (s *AttemptService) GetAttemptStats(ctx context.Context, req *connect.Request[AttemptRef]) (*connect.Response[models.AttemptStats], error) {
	stats, err := s.app.GetAttemptStats(ctx, req.Msg.AttemptID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&stats), nil
}

func (s *AttemptService) UpdateWeight(ctx context.Context, req *connect.Request[UpdateWeightRequest]) (*connect.Response[models.AttemptRecord], error) {
	return respond(s.app.UpdateWeight(ctx, req.Msg.AttemptID, req.Msg.Weight))
}

// SubmitJudgeVote records or corrects one judge's call
func (s *AttemptService) SubmitJudgeVote(ctx context.Context, req *connect.Request[SubmitVoteRequest]) (*connect.Response[attempt.VoteResult], error) {
	return respond(s.app.SubmitJudgeVote(ctx, req.Msg.AttemptID, req.Msg.Vote))
}

func (s *AttemptService) DeleteAttempt(ctx context.Context, req *connect.Request[AttemptRef]) (*connect.Response[Empty], error) {
	if err := s.app.DeleteAttempt(ctx, req.Msg.AttemptID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *AttemptService) ListSessionAttempts(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[ListAttemptsResponse], error) {
	recs, err := s.app.ListSessionAttempts(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListAttemptsResponse{Attempts: recs}), nil
}

func (s *AttemptService) GetSessionStats(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.SessionStats], error) {
	stats, err := s.app.GetSessionStats(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&stats), nil
}
