package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir keeps a stray httprelay.yaml or .env in the package dir from
// leaking into the test.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Hub.QueueSize)
	assert.Equal(t, "drop-oldest", cfg.Hub.OverflowPolicy)
	assert.Equal(t, 5*time.Second, cfg.Hub.WriteTimeout)
	assert.True(t, cfg.Hub.SelfEcho)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Watch.HubURL)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  origin_patterns: ["localhost:*"]
hub:
  queue_size: 32
  write_timeout: 250ms
  self_echo: false
`), 0o644))

	t.Setenv("HTTPRELAY_HUB__QUEUE_SIZE", "64")
	t.Setenv("HTTPRELAY_LOG__FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"localhost:*"}, cfg.Server.OriginPatterns)
	assert.Equal(t, 64, cfg.Hub.QueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.WriteTimeout)
	assert.False(t, cfg.Hub.SelfEcho)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTPRELAY_HUB__OVERFLOW_POLICY=disconnect\n"), 0o644))
	t.Setenv("HTTPRELAY_HUB__OVERFLOW_POLICY", "")
	os.Unsetenv("HTTPRELAY_HUB__OVERFLOW_POLICY")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "disconnect", cfg.Hub.OverflowPolicy)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	inTempDir(t)
	_, err := Load("nope.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidPolicy(t *testing.T) {
	inTempDir(t)
	t.Setenv("HTTPRELAY_HUB__OVERFLOW_POLICY", "block")

	_, err := Load("")
	assert.ErrorContains(t, err, "overflow_policy")
}
