package clipconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpec(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 9876, cfg.Port)
	assert.Equal(t, 9877, cfg.PairingPort)
	assert.Equal(t, int64(1024*1024), cfg.ChunkSize)
	assert.Equal(t, int64(500*1024*1024), cfg.MaxTotalSize)
	assert.True(t, cfg.RequirePairing)
	assert.Equal(t, 3, cfg.RetryPolicy.MaxRetries)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9876, cfg.Port)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nrequire_pairing: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.False(t, cfg.RequirePairing)
}

func TestEnvOverridesBeatYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\n"), 0o644))

	t.Setenv("CLIPSYNC_PORT", "8888")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.Port)
}

func TestDurationHelpersConvertSecondsAndHours(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, float64(30), cfg.ChunkTimeoutDuration().Seconds())
	assert.Equal(t, float64(600), cfg.TransferTimeoutDuration().Seconds())
	assert.Equal(t, float64(1), cfg.TempFileMaxAge().Hours())
}
