package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/api"
	"github.com/mcdev12/liftlive/go/internal/live/gateway"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, health func(context.Context) (any, bool)) *httptest.Server {
	t.Helper()
	clock := clockwork.NewRealClock()
	mem := store.NewMemory(clock)
	t.Cleanup(mem.Close)

	services := setupServices(mem, nil, timer.DefaultTable(), clock, false)
	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), clock)
	server := setupServer(ServeConfig{Port: "0", AllowedOrigins: []string{"*"}}, services, manager, health)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		status int
	}{
		{name: "healthy", ok: true, status: http.StatusOK},
		{name: "degraded", ok: false, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(context.Context) (any, bool) {
				return map[string]bool{"healthy": tt.ok}, tt.ok
			})

			resp, err := http.Get(ts.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]bool
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.ok, body["healthy"])
		})
	}
}

func TestServerRoutesRPC(t *testing.T) {
	ts := newTestServer(t, func(context.Context) (any, bool) { return nil, true })
	client := api.NewClient(ts.Client(), ts.URL)

	_, err := client.GetLiveSession(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = client.GetTimerState(context.Background(), "platform-a")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestServerRoutesWebSocketStats(t *testing.T) {
	ts := newTestServer(t, func(context.Context) (any, bool) { return nil, true })

	resp, err := http.Get(ts.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
