package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "chatgpt", cfg.Router.PremiumProvider)
	assert.Equal(t, 90*time.Second, cfg.Router.WorkerLiveness)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Queue.RetryBase)
	assert.Equal(t, 30*time.Second, cfg.Ledger.Cooldowns["chatgpt"])
	assert.Equal(t, 15*time.Second, cfg.Ledger.Cooldowns["grok"])
	assert.Equal(t, 5, cfg.Ensemble.Runs)
	assert.Equal(t, 3, cfg.Ensemble.PoolSize)
	assert.Equal(t, 20, cfg.Ensemble.MaxOtherBrands)
	assert.Equal(t, 60*time.Second, cfg.Trial.ScriptedTimeout)
	assert.Equal(t, 180*time.Second, cfg.Trial.BrowserTimeout)
	assert.Less(t, cfg.Trial.ScriptedTimeout, cfg.Trial.BrowserTimeout)
	assert.Equal(t, 500, cfg.Hallucination.MinGroundTruthChars)
	assert.Equal(t, 720*time.Hour, cfg.Hallucination.StaleAfter)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://api.x.ai/v1", cfg.Grok.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/v.db
log:
  level: debug
  format: console
ensemble:
  runs: 10
hallucination:
  stale_after: 48h
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/v.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Ensemble.Runs)
	assert.Equal(t, 48*time.Hour, cfg.Hallucination.StaleAfter)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Ensemble.PoolSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("VISIBILITY_STORE_DRIVER", "postgres")
	t.Setenv("VISIBILITY_LOG_LEVEL", "warn")
	t.Setenv("VISIBILITY_QUEUE_MAX_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Server.Addr = ":8080"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Ensemble.Runs = 5
	cfg.Ensemble.PoolSize = 3
	cfg.Queue.MaxAttempts = 3
	cfg.Worker.APIURL = "http://localhost:8080"
	cfg.Worker.MinDelay = 5 * time.Second
	cfg.Worker.MaxDelay = 10 * time.Second
	return cfg
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be postgres or sqlite")

	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "v.db"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateEnsembleBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ensemble.Runs = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensemble.runs must be between 1 and 25")

	cfg.Ensemble.Runs = 5
	cfg.Ensemble.PoolSize = 11
	err = cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensemble.pool_size")
}

func TestValidateWorker(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Worker.MinDelay = time.Minute
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker.min_delay")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
