package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8090", cfg.Server.Address())
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, "nf", cfg.StreamKey.Prefix)
	assert.Equal(t, 10*time.Second, cfg.StreamKey.RateWindow)
	assert.Equal(t, 24*time.Hour, cfg.StreamKey.MaxAge)
	assert.Equal(t, "live", cfg.Ingest.IngestApp)
	assert.False(t, cfg.Ingest.EvictDenied)
	assert.False(t, cfg.Ingest.GatePlayback)
	assert.Equal(t, 24*time.Hour, cfg.Ingest.MaxAge)
	assert.Equal(t, 9*time.Second, cfg.Lifecycle.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.Interval())
	assert.Equal(t, "none", cfg.PubSub.Driver)
	assert.Equal(t, []string{"stream-lifecycle"}, cfg.PubSub.Kafka.Topics)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
websocket:
  ping_interval: 5s
ingest:
  evict_denied: true
  gate_playback: true
lifecycle:
  profile: degraded
engine:
  process:
    command: /usr/local/bin/media-server
    args: ["-c", "/etc/media.conf"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PORT", "9000")
	t.Setenv("PUBSUB_DRIVER", "redis")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.WebSocket.PingInterval)
	assert.True(t, cfg.Ingest.EvictDenied)
	assert.True(t, cfg.Ingest.GatePlayback)
	assert.Equal(t, 45*time.Second, cfg.Lifecycle.Interval())
	assert.Equal(t, "/usr/local/bin/media-server", cfg.Engine.Process.Command)
	assert.Equal(t, []string{"-c", "/etc/media.conf"}, cfg.Engine.Process.Args)
	assert.Equal(t, "redis", cfg.PubSub.Driver)
	assert.Equal(t, "redis:6379", cfg.PubSub.Redis.Address)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0644))

	_, err := LoadFrom(dir)
	assert.Error(t, err)
}
