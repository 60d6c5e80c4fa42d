package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Recording defaults
	v.SetDefault("record.fps", 30)
	v.SetDefault("record.format", "mp4")
	v.SetDefault("record.quality", "Alta")
	v.SetDefault("record.duration", 60*time.Second)
	v.SetDefault("record.output_dir", defaultOutputDir())
	v.SetDefault("record.display", "")
	// Output name or 1-based index; empty picks the primary output
	v.SetDefault("record.monitor", "")

	v.SetDefault("audio.enabled", false)
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.backend", "pulse")

	v.SetDefault("encoder.binary", "ffmpeg")
	v.SetDefault("encoder.backend", "ffmpeg")

	v.SetDefault("sync.tolerance", 40*time.Millisecond)
	v.SetDefault("sync.max_wait", 200*time.Millisecond)
	v.SetDefault("sync.drift_check_chunks", 10)

	v.SetDefault("queue.video", 100)
	v.SetDefault("queue.audio", 200)
	v.SetDefault("shutdown.timeout", 30*time.Second)

	// Empty disables the status endpoint
	v.SetDefault("status.listen", "")

	// Environment variables: GRABADOR_RECORD_FPS, GRABADOR_AUDIO_ENABLED, ...
	v.SetEnvPrefix("GRABADOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("record.display", "GRABADOR_RECORD_DISPLAY", "DISPLAY")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "grabador"),
		"/etc/grabador",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func defaultOutputDir() string {
	if dir := xdg.UserDirs.Videos; dir != "" {
		return dir
	}
	return filepath.Join(xdg.Home, "Videos")
}

// ConfigFileUsed returns the path of the loaded config file, or "" when none was found.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// Set overrides a key for the rest of the process.
func Set(key string, value any) {
	v.Set(key, value)
}

func GetFPS() int {
	return v.GetInt("record.fps")
}

func GetFormat() string {
	return v.GetString("record.format")
}

func GetQuality() string {
	return v.GetString("record.quality")
}

// GetDuration returns the default recording length. Zero records until stopped.
func GetDuration() time.Duration {
	return v.GetDuration("record.duration")
}

// GetOutputDir returns the directory recordings are written to when the
// output flag names no directory.
func GetOutputDir() string {
	return v.GetString("record.output_dir")
}

// GetDisplay returns the X11 display name.
func GetDisplay() string {
	return v.GetString("record.display")
}

// GetMonitor returns the output to record when no region is given.
func GetMonitor() string {
	return v.GetString("record.monitor")
}

func GetAudioEnabled() bool {
	return v.GetBool("audio.enabled")
}

func GetAudioSampleRate() int {
	return v.GetInt("audio.sample_rate")
}

func GetAudioChannels() int {
	return v.GetInt("audio.channels")
}

// GetAudioDevice returns the capture device id; empty is the system default.
func GetAudioDevice() string {
	return v.GetString("audio.device")
}

// GetAudioBackend returns the capture API ffmpeg reads from, pulse or alsa.
func GetAudioBackend() string {
	return v.GetString("audio.backend")
}

func GetEncoderBinary() string {
	return v.GetString("encoder.binary")
}

func GetEncoderBackend() string {
	return v.GetString("encoder.backend")
}

func GetSyncTolerance() time.Duration {
	return v.GetDuration("sync.tolerance")
}

func GetSyncMaxWait() time.Duration {
	return v.GetDuration("sync.max_wait")
}

func GetDriftCheckChunks() int {
	return v.GetInt("sync.drift_check_chunks")
}

func GetVideoQueueSize() int {
	return v.GetInt("queue.video")
}

func GetAudioQueueSize() int {
	return v.GetInt("queue.audio")
}

func GetShutdownTimeout() time.Duration {
	return v.GetDuration("shutdown.timeout")
}

// GetStatusListen returns the address of the status websocket, "" when disabled.
func GetStatusListen() string {
	return v.GetString("status.listen")
}
