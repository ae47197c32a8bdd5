package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app:
  environment: test
risk:
  tier_daily_limits: [500, 500, 5000, -1]
  session_max_age: 45m
splitter:
  child_interval: 250ms
quote:
  mode: static
  static_prices:
    ETH: 2500
database:
  in_memory: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, []float64{500, 500, 5000, -1}, cfg.Risk.TierDailyLimits)
	assert.Equal(t, 45*time.Minute, cfg.Risk.SessionMaxAge)
	assert.Equal(t, 250*time.Millisecond, cfg.Splitter.ChildInterval)
	assert.Equal(t, 1000.0, cfg.Splitter.SmallOrderThreshold)
	assert.Equal(t, 90*time.Second, cfg.Execution.ConfirmTimeout)
	assert.Equal(t, []float64{0.5, 0.5, 0.6, 0.7}, cfg.Loan.LTVCeilings)
	assert.True(t, cfg.Database.InMemory)
	assert.Contains(t, cfg.Quote.StaticPrices, "eth")
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("SMARTEXEC_EXECUTION_CONFIRM_TIMEOUT", "5s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Execution.ConfirmTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Execution.Simulation)
	assert.Equal(t, "sqlite", cfg.Execution.LockBackend)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Risk.TierDailyLimits = []float64{500, 400, 5000, -1}
	cfg.Loan.LTVCeilings = []float64{0.5, 0.5, 1.5, 0.7}
	cfg.Splitter.MaxChildren = 1
	cfg.Execution.LockBackend = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "risk.tier_daily_limits[1]")
	assert.Contains(t, msg, "loan.ltv_ceilings[2]")
	assert.Contains(t, msg, "splitter.max_children")
	assert.Contains(t, msg, "execution.lock_backend")
}

func TestValidateLiveModeNeedsChain(t *testing.T) {
	cfg := Default()
	cfg.Execution.Simulation = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.rpc_url")
	assert.Contains(t, err.Error(), "chain.relayer_key")
}
