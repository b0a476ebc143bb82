package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Optimizer.Budget)
	assert.Equal(t, 256, cfg.Hub.LagThreshold)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
optimizer:
  budget: 500ms
  candidate_vehicles: 3
hub:
  lag_threshold: 32
  liveness_timeout: 10s
notify:
  webhook:
    url: http://hooks.local/dispatch
    max_attempts: 2
`), 0o600))

	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Optimizer.Budget)
	assert.Equal(t, 3, cfg.Optimizer.CandidateVehicles)
	assert.Equal(t, 32, cfg.Hub.LagThreshold)
	assert.Equal(t, 10*time.Second, cfg.Hub.LivenessTimeout)
	assert.Equal(t, "http://hooks.local/dispatch", cfg.Notify.Webhook.URL)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Optimizer.SpeedKph, cfg.Optimizer.SpeedKph)

	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"PORT":       "7070",
		"OPT_BUDGET": "1s",
		"REDIS_URL":  "redis://localhost:6379/0",
	})))
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Optimizer.Budget)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.NoError(t, cfg.Validate())
}

func TestBadEnvValuesAreReported(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{"OPT_BUDGET": "soon", "HUB_LAG_THRESHOLD": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPT_BUDGET")
	assert.Contains(t, err.Error(), "HUB_LAG_THRESHOLD")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.Budget = 0
	cfg.Poll.OrdersCSV = "orders.csv"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
	assert.Contains(t, err.Error(), "go together")
}

func TestLoadReadsFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval: 5s\n"), 0o600))
	t.Setenv("DISPATCH_CONFIG", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
}
