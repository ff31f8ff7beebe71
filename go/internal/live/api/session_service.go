package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/session"
	"github.com/mcdev12/liftlive/go/internal/models"
)

const SessionServiceName = "liftlive.live.v1.SessionService"

const (
	SessionServiceCreateLiveSessionProcedure    = "/" + SessionServiceName + "/CreateLiveSession"
	SessionServiceGetLiveSessionProcedure       = "/" + SessionServiceName + "/GetLiveSession"
	SessionServiceGetQueueProcedure             = "/" + SessionServiceName + "/GetQueue"
	SessionServiceRegenerateQueueProcedure      = "/" + SessionServiceName + "/RegenerateQueue"
	SessionServiceStartProcedure                = "/" + SessionServiceName + "/Start"
	SessionServiceNextAthleteProcedure          = "/" + SessionServiceName + "/NextAthlete"
	SessionServicePauseProcedure                = "/" + SessionServiceName + "/Pause"
	SessionServiceResumeProcedure               = "/" + SessionServiceName + "/Resume"
	SessionServiceUpdateStateProcedure          = "/" + SessionServiceName + "/UpdateState"
	SessionServiceEnsureCurrentAttemptProcedure = "/" + SessionServiceName + "/EnsureCurrentAttempt"
)

// SessionApp defines what the service layer needs from the session application
type SessionApp interface {
	CreateLiveSession(ctx context.Context, req session.CreateSessionRequest) (*models.LiveSession, error)
	GetLiveSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	GetQueue(ctx context.Context, id uuid.UUID) ([]models.QueueItem, error)
	RegenerateQueue(ctx context.Context, id uuid.UUID, req session.RegenerateQueueRequest) (*models.LiveSession, error)
	Start(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	NextAthlete(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	Pause(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	Resume(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	UpdateState(ctx context.Context, id uuid.UUID, patch session.SessionPatch) (*models.LiveSession, error)
	EnsureCurrentAttempt(ctx context.Context, id uuid.UUID, requestedWeight float64) (*models.AttemptRecord, error)
}

// SessionService exposes the session controller over connect
type SessionService struct {
	app SessionApp
}

// NewSessionService creates a new session service
func NewSessionService(app SessionApp) *SessionService {
	return &SessionService{app: app}
}

// NewSessionServiceHandler builds an HTTP handler from the service implementation.
// It returns the path on which to mount the handler and the handler itself.
func NewSessionServiceHandler(svc *SessionService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(SessionServiceCreateLiveSessionProcedure, connect.NewUnaryHandler(SessionServiceCreateLiveSessionProcedure, svc.CreateLiveSession, opts...))
	mux.Handle(SessionServiceGetLiveSessionProcedure, connect.NewUnaryHandler(SessionServiceGetLiveSessionProcedure, svc.GetLiveSession, opts...))
	mux.Handle(SessionServiceGetQueueProcedure, connect.NewUnaryHandler(SessionServiceGetQueueProcedure, svc.GetQueue, opts...))
	mux.Handle(SessionServiceRegenerateQueueProcedure, connect.NewUnaryHandler(SessionServiceRegenerateQueueProcedure, svc.RegenerateQueue, opts...))
	mux.Handle(SessionServiceStartProcedure, connect.NewUnaryHandler(SessionServiceStartProcedure, svc.Start, opts...))
	mux.Handle(SessionServiceNextAthleteProcedure, connect.NewUnaryHandler(SessionServiceNextAthleteProcedure, svc.NextAthlete, opts...))
	mux.Handle(SessionServicePauseProcedure, connect.NewUnaryHandler(SessionServicePauseProcedure, svc.Pause, opts...))
	mux.Handle(SessionServiceResumeProcedure, connect.NewUnaryHandler(SessionServiceResumeProcedure, svc.Resume, opts...))
	mux.Handle(SessionServiceUpdateStateProcedure, connect.NewUnaryHandler(SessionServiceUpdateStateProcedure, svc.UpdateState, opts...))
	mux.Handle(SessionServiceEnsureCurrentAttemptProcedure, connect.NewUnaryHandler(SessionServiceEnsureCurrentAttemptProcedure, svc.EnsureCurrentAttempt, opts...))
	return "/" + SessionServiceName + "/", mux
}

// CreateLiveSession builds the queue and opens a session in setup
func (s *SessionService) CreateLiveSession(ctx context.Context, req *connect.Request[session.CreateSessionRequest]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.CreateLiveSession(ctx, *req.Msg))
}

func (s *SessionService) GetLiveSession(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.GetLiveSession(ctx, req.Msg.SessionID))
}

func (s *SessionService) GetQueue(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[QueueResponse], error) {
	items, err := s.app.GetQueue(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&QueueResponse{Items: items}), nil
}

func (s *SessionService) RegenerateQueue(ctx context.Context, req *connect.Request[RegenerateQueueRequest]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.RegenerateQueue(ctx, req.Msg.SessionID, session.RegenerateQueueRequest{
		Disciplines: req.Msg.Disciplines,
		Roster:      req.Msg.Roster,
	}))
}

func (s *SessionService) Start(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.Start(ctx, req.Msg.SessionID))
}

func (s *SessionService) NextAthlete(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.NextAthlete(ctx, req.Msg.SessionID))
}

func (s *SessionService) Pause(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.Pause(ctx, req.Msg.SessionID))
}

func (s *SessionService) Resume(ctx context.Context, req *connect.Request[SessionRef]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.Resume(ctx, req.Msg.SessionID))
}

func (s *SessionService) UpdateState(ctx context.Context, req *connect.Request[UpdateStateRequest]) (*connect.Response[models.LiveSession], error) {
	return respond(s.app.UpdateState(ctx, req.Msg.SessionID, req.Msg.Patch))
}

func (s *SessionService) EnsureCurrentAttempt(ctx context.Context, req *connect.Request[EnsureAttemptRequest]) (*connect.Response[models.AttemptRecord], error) {
	return respond(s.app.EnsureCurrentAttempt(ctx, req.Msg.SessionID, req.Msg.RequestedWeight))
}

// respond wraps an app result in a connect response.
func respond[T any](v *T, err error) (*connect.Response[T], error) {
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(v), nil
}
