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
server:
  port: "9090"
  mode: debug
database:
  driver: sqlite
  path: data/test.db
jwt:
  secret: short
  expire_hours: 2
call:
  request_ttl_minutes: 5
  expiry_sweep: true
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2*time.Hour, cfg.JWT.ExpireTime)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), ConfigFile(cfg.Dir))

	assert.Equal(t, 5*time.Minute, cfg.Call.RequestTTL())
	assert.True(t, cfg.Call.ExpirySweep)
	assert.Equal(t, DefaultICEServers, cfg.Call.ICEServers)
	assert.Equal(t, DefaultSignalRateLimit, cfg.Call.SignalRateLimit)
}

func TestCallConfigNormalize(t *testing.T) {
	var c CallConfig
	c.Normalize()
	assert.Equal(t, DefaultRequestTTLMinutes*time.Minute, c.RequestTTL())
	assert.Equal(t, DefaultSweepInterval*time.Second, c.SweepInterval())
	assert.Equal(t, DefaultSignalBurst, c.SignalBurst)

	c = CallConfig{ICEServers: []string{"turn:turn.example.com:3478"}, RequestTTLMinutes: 1}
	c.Normalize()
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, c.ICEServers)
	assert.Equal(t, time.Minute, c.RequestTTL())
}
