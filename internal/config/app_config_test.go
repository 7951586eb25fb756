package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategy-runtime/internal/resize"
	"github.com/coachpo/strategy-runtime/internal/resolver"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(EnvVar, "")
	path := writeConfig(t, `
environment: STAGING
runtime:
  initTimeout: 3s
  settleDelay: -1ms
strategies:
  prefix: pci-
  directory: ./strategies
  defaultStrategy: MCQ
  preload: [" MCQ ", "", text-entry]
resolver:
  baseURL: https://items.example.com/
  fetchTimeout: 2s
  fetchAttempts: 3
resize:
  buffer: 0
  frameRate: 30
server:
  addr: ":9999"
  readyTimeout: 1s
telemetry:
  enabled: true
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  otlpInsecure: true
  enableMetrics: true
logging:
  level: DEBUG
  development: true
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, 3*time.Second, cfg.Runtime.InitTimeout)
	assert.Equal(t, -time.Millisecond, cfg.Runtime.SettleDelay)
	assert.Equal(t, "pci-mcq", cfg.Naming().ModuleID("mcq"))
	assert.Equal(t, "mcq", cfg.Strategies.DefaultStrategy)
	assert.Equal(t, []string{"mcq", "text-entry"}, cfg.Strategies.Preload)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	ro := cfg.ResolverOptions()
	assert.Equal(t, "https://items.example.com/", ro.BaseURL)
	assert.Equal(t, 3, ro.FetchAttempts)
	assert.Equal(t, 2*time.Second, ro.FetchTimeout)
	assert.Equal(t, 100*time.Millisecond, ro.InitialBackoff)
	assert.Equal(t, "mcq", ro.DefaultStrategy)

	rz := cfg.ResizeOptions()
	assert.Equal(t, resize.NoBuffer, rz.Buffer, "explicit zero buffer is kept")
	assert.Zero(t, resize.NewNotifier(rz).Buffer())
	assert.Equal(t, 30.0, rz.FrameRate)
	assert.Equal(t, 1, rz.FrameBurst)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Server.ReadyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	tc := cfg.TelemetryConfig()
	assert.True(t, tc.Enabled)
	assert.Equal(t, "http://localhost:4318", tc.OTLPEndpoint)
	assert.Equal(t, "test-service", tc.ServiceName)
	assert.Equal(t, "staging", tc.Environment)
}

func TestDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, "strategy-mcq", cfg.Naming().ModuleID("mcq"))
	assert.Equal(t, resolver.DefaultStrategy, cfg.Strategies.DefaultStrategy)
	assert.Equal(t, 200*time.Millisecond, cfg.Runtime.SettleDelay)
	assert.Zero(t, cfg.Runtime.InitTimeout)
	assert.Equal(t, 20.0, cfg.ResizeOptions().Buffer)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv(EnvVar, " Prod ")
	path := writeConfig(t, "environment: dev\n")
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, EnvProd, cfg.Environment)
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, EnvDev, cfg.Environment)

	_, err = LoadOrDefault(context.Background(), writeConfig(t, "environment: moon\n"))
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv(EnvVar, "")
	cases := map[string]string{
		"environment":    "environment: moon\n",
		"init timeout":   "runtime:\n  initTimeout: -1s\n",
		"prefix":         "strategies:\n  prefix: a/b\n",
		"fetch timeout":  "resolver:\n  fetchTimeout: -1s\n",
		"buffer":         "resize:\n  buffer: -2\n",
		"frame rate":     "resize:\n  frameRate: -1\n",
		"telemetry":      "telemetry:\n  enabled: true\n",
		"log level":      "logging:\n  level: loud\n",
		"malformed yaml": "runtime: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, writeConfig(t, "environment: dev\n"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "config", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, []string{"mcq", "text-entry"}, cfg.Strategies.Preload)
	assert.Equal(t, "strategies", cfg.Strategies.Directory)
	assert.Equal(t, 3, cfg.Resolver.FetchAttempts)
}
