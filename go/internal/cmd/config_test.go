package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServeConfigDefaults(t *testing.T) {
	cfg, err := parseConfig[ServeConfig]()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Orchestrator.Enabled)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Equal(t, "LIVE_EVENTS", cfg.NATS.StreamName)
	assert.Equal(t, "liftlive", cfg.Database.Database)
}

func TestParseServeConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ORCHESTRATOR_OPENING_WEIGHT", "80.5")
	t.Setenv("NATS_SUBJECT_PREFIX", "meet.events")

	cfg, err := parseConfig[ServeConfig]()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.InDelta(t, 80.5, cfg.Orchestrator.OpeningWeight, 0.001)

	js := cfg.NATS.jetStream()
	assert.Equal(t, "meet.events", js.SubjectPrefix)
	assert.Equal(t, cfg.NATS.URL, js.URL)
}

func TestParseJudgeConfig(t *testing.T) {
	t.Setenv("RELAY_SYNC_INTERVAL", "5s")

	cfg, err := parseConfig[JudgeConfig]()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	t.Setenv("ORCHESTRATOR_WORKERS", "many")

	_, err := parseConfig[ServeConfig]()
	assert.Error(t, err)
}

func TestTimerTable(t *testing.T) {
	t.Run("built in", func(t *testing.T) {
		table, err := ServeConfig{}.timerTable()
		require.NoError(t, err)
		s, err := table.Lookup("weightlifting")
		require.NoError(t, err)
		assert.Equal(t, 60, s.AttemptTime)
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "timers.yaml")
		require.NoError(t, os.WriteFile(path, []byte("strongman:\n  attempt_time: 75\n  rest_time: 90\n"), 0o600))

		table, err := ServeConfig{TimerTablePath: path}.timerTable()
		require.NoError(t, err)
		s, err := table.Lookup("strongman")
		require.NoError(t, err)
		assert.Equal(t, 75, s.AttemptTime)
		assert.Equal(t, 90, s.RestTime)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ServeConfig{TimerTablePath: filepath.Join(t.TempDir(), "nope.yaml")}.timerTable()
		assert.Error(t, err)
	})
}
