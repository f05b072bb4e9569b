package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*config.ReceiverConfig, error) {
	t.Helper()
	var o options
	fs := newFlagSet(&o)
	require.NoError(t, fs.Parse(args))
	return loadConfig(&o, fs)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.GetAddress())
	assert.Equal(t, 8888, cfg.GetPort())
	assert.Equal(t, 1024, cfg.GetBytesPerFrame())
	assert.Equal(t, "bodytracking", cfg.GetLayout())
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	cfg, err := parse(t,
		"-addr", "0.0.0.0",
		"-port", "9000",
		"-bodies", "2",
		"-bytes-per-frame", "2048",
		"-fps", "15",
		"-poll", "2ms",
		"-stats-interval", "10s",
		"-log-frame-timings",
		"-db", "none",
	)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.GetAddress())
	assert.Equal(t, 9000, cfg.GetPort())
	assert.Equal(t, 2, cfg.GetNumBodies())
	assert.Equal(t, 2048, cfg.GetBytesPerFrame())
	assert.InDelta(t, 15.0, cfg.GetExpectedFramesPerSecond(), 1e-9)
	assert.Equal(t, 2*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 10*time.Second, cfg.GetStatsInterval())
	assert.True(t, cfg.GetLogFrameTimings())
	assert.Equal(t, disabled, cfg.GetDBPath())
}

func TestLoadConfig_LayoutMismatch(t *testing.T) {
	_, err := parse(t, "-bytes-per-frame", "1000")
	require.Error(t, err)
	assert.True(t, config.IsConfigurationMismatch(err))
}

func TestLoadConfig_RawLayoutAnySize(t *testing.T) {
	cfg, err := parse(t, "-layout", "raw", "-bytes-per-frame", "1000")
	require.NoError(t, err)
	layout, err := cfg.FrameLayout()
	require.NoError(t, err)
	assert.Equal(t, 1000, layout.BytesPerFrame())
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receiver.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 7000, "layout": "raw", "bytes_per_frame": 64}`), 0o644))

	cfg, err := parse(t, "-config", path, "-port", "7001")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.GetPort())
	assert.Equal(t, 64, cfg.GetBytesPerFrame())
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	_, err := parse(t, "-port", "70000")
	assert.Error(t, err)
}
