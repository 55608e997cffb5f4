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

func TestLoadConfig(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 2112, cfg.Server.MetricsPort)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, 600, cfg.Engine.MaxTaskDurationSeconds)
		assert.False(t, cfg.Engine.TestMode)
		assert.Equal(t, 256, cfg.Engine.SubscriberBuffer)
		assert.Equal(t, 200, cfg.Simulator.StepDelayMs)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "atelier", cfg.Tracing.ServiceName)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "atelier.yaml")
		body := []byte(`
server:
  port: 9090
database:
  driver: sqlite
  dsn: ":memory:"
engine:
  max_task_duration_seconds: 5
  test_mode: true
simulator:
  step_delay_ms: 10
`)
		require.NoError(t, os.WriteFile(path, body, 0o644))
		t.Setenv("CONFIG_PATH", path)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, ":memory:", cfg.Database.DSN)
		assert.True(t, cfg.Engine.TestMode)
		assert.Equal(t, 5*time.Second, cfg.Engine.MaxTaskDuration())
		assert.Equal(t, 10*time.Millisecond, cfg.Simulator.StepDelay())
		// Untouched keys keep their defaults.
		assert.Equal(t, 2112, cfg.Server.MetricsPort)
		assert.Equal(t, 500, cfg.Engine.StatePollIntervalMs)
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
		t.Setenv("ATELIER_SERVER_PORT", "8181")
		t.Setenv("ATELIER_ENGINE_TEST_MODE", "true")
		t.Setenv("ATELIER_REDIS_ADDR", "redis-test:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8181, cfg.Server.Port)
		assert.True(t, cfg.Engine.TestMode)
		assert.Equal(t, "redis-test:6379", cfg.Redis.Addr)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [port\n"), 0o644))
		t.Setenv("CONFIG_PATH", path)

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Server.Port = 8080
		cfg.Server.MetricsPort = 2112
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = ":memory:"
		cfg.Engine.MaxTaskDurationSeconds = 600
		cfg.Engine.StatePollIntervalMs = 500
		cfg.Engine.IdleTimeoutSeconds = 30
		cfg.Engine.SubscriberBuffer = 256
		cfg.Engine.TailCapacity = 1024
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bad driver", func(t *testing.T) {
		cfg := base()
		cfg.Database.Driver = "oracle"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("subscriber buffer floored to 64", func(t *testing.T) {
		cfg := base()
		cfg.Engine.SubscriberBuffer = 8
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 64, cfg.Engine.SubscriberBuffer)
	})

	t.Run("zero task duration rejected", func(t *testing.T) {
		cfg := base()
		cfg.Engine.MaxTaskDurationSeconds = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestWatcherFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pacing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pacing: {}\n"), 0o644))

	fired := make(chan struct{}, 4)
	w, err := NewWatcher(path, zap.NewNop(), func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("pacing: {default_rpm: 10}\n"), 0o644))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire on file change")
	}
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pacing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pacing: {}\n"), 0o644))

	fired := make(chan struct{}, 4)
	w, err := NewWatcher(path, zap.NewNop(), func() { fired <- struct{}{} })
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-fired:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
