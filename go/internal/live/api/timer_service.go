package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
)

const TimerServiceName = "liftlive.live.v1.TimerService"

const (
	TimerServiceGetTimerStateProcedure    = "/" + TimerServiceName + "/GetTimerState"
	TimerServiceSyncTimerStateProcedure   = "/" + TimerServiceName + "/SyncTimerState"
	TimerServiceGetTimerSettingsProcedure = "/" + TimerServiceName + "/GetTimerSettings"
)

// TimerApp defines what the service layer needs from the timer application
type TimerApp interface {
	GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error)
	SyncTimerState(ctx context.Context, eventID string, patch timer.TimerPatch, syncedAt int64) error
	Settings(sport string) (timer.Settings, error)
}

// TimerService exposes the shared event timer over connect
type TimerService struct {
	app TimerApp
}

func NewTimerService(app TimerApp) *TimerService {
	return &TimerService{app: app}
}

// NewTimerServiceHandler builds an HTTP handler from the service implementation.
func NewTimerServiceHandler(svc *TimerService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(TimerServiceGetTimerStateProcedure, connect.NewUnaryHandler(TimerServiceGetTimerStateProcedure, svc.GetTimerState, opts...))
	mux.Handle(TimerServiceSyncTimerStateProcedure, connect.NewUnaryHandler(TimerServiceSyncTimerStateProcedure, svc.SyncTimerState, opts...))
	mux.Handle(TimerServiceGetTimerSettingsProcedure, connect.NewUnaryHandler(TimerServiceGetTimerSettingsProcedure, svc.GetTimerSettings, opts...))
	return "/" + TimerServiceName + "/", mux
}

func (s *TimerService) GetTimerState(ctx context.Context, req *connect.Request[TimerRef]) (*connect.Response[models.TimerState], error) {
	return respond(s.app.GetTimerState(ctx, req.Msg.EventID))
}

// SyncTimerState stores a client's timer write
func (s *TimerService) SyncTimerState(ctx context.Context, req *connect.Request[SyncTimerRequest]) (*connect.Response[Empty], error) {
	if err := s.app.SyncTimerState(ctx, req.Msg.EventID, req.Msg.Patch, req.Msg.SyncedAt); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *TimerService) GetTimerSettings(_ context.Context, req *connect.Request[SettingsRequest]) (*connect.Response[timer.Settings], error) {
	settings, err := s.app.Settings(req.Msg.Sport)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&settings), nil
}
