package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	t.Setenv("GRABADOR_RECORD_FPS", "")
	assert.Equal(t, 30, GetFPS())
	assert.Equal(t, "mp4", GetFormat())
	assert.Equal(t, "Alta", GetQuality())
	assert.Equal(t, 60*time.Second, GetDuration())
	assert.False(t, GetAudioEnabled())
	assert.Equal(t, 44100, GetAudioSampleRate())
	assert.Equal(t, 2, GetAudioChannels())
	assert.Equal(t, "ffmpeg", GetEncoderBinary())
	assert.Equal(t, "ffmpeg", GetEncoderBackend())
	assert.Equal(t, 40*time.Millisecond, GetSyncTolerance())
	assert.Equal(t, 200*time.Millisecond, GetSyncMaxWait())
	assert.Equal(t, 10, GetDriftCheckChunks())
	assert.Equal(t, 100, GetVideoQueueSize())
	assert.Equal(t, 200, GetAudioQueueSize())
	assert.Equal(t, 30*time.Second, GetShutdownTimeout())
	assert.Empty(t, GetStatusListen())
	assert.NotEmpty(t, GetOutputDir())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GRABADOR_RECORD_FPS", "24")
	t.Setenv("GRABADOR_AUDIO_ENABLED", "true")
	t.Setenv("GRABADOR_SYNC_TOLERANCE", "25ms")
	t.Setenv("GRABADOR_STATUS_LISTEN", "127.0.0.1:9090")

	assert.Equal(t, 24, GetFPS())
	assert.True(t, GetAudioEnabled())
	assert.Equal(t, 25*time.Millisecond, GetSyncTolerance())
	assert.Equal(t, "127.0.0.1:9090", GetStatusListen())
}

func TestDisplayFallsBackToX11Variable(t *testing.T) {
	t.Setenv("GRABADOR_RECORD_DISPLAY", "")
	t.Setenv("DISPLAY", ":7")
	assert.Equal(t, ":7", GetDisplay())

	t.Setenv("GRABADOR_RECORD_DISPLAY", ":3")
	assert.Equal(t, ":3", GetDisplay())
}

func TestMonitorFromEnvironment(t *testing.T) {
	t.Setenv("GRABADOR_RECORD_MONITOR", "")
	assert.Empty(t, GetMonitor())
	t.Setenv("GRABADOR_RECORD_MONITOR", "2")
	assert.Equal(t, "2", GetMonitor())
}
