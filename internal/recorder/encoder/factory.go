package encoder

import (
	"strings"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// Backend selects how the output file is produced.
type Backend string

const (
	// BackendFFmpeg pipes raw streams into an ffmpeg child process.
	BackendFFmpeg Backend = "ffmpeg"
	// BackendNative muxes MJPEG and PCM in-process.
	BackendNative Backend = "native"
)

// ParseBackend accepts a backend name case-insensitively; empty means ffmpeg.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendFFmpeg:
		return BackendFFmpeg, nil
	case BackendNative:
		return BackendNative, nil
	}
	return "", core.NewConfigError("encoder.backend", "unknown backend %q (want ffmpeg or native)", s)
}

// New returns the sink that writes format with the given backend. The native
// backend only covers mkv and mp4.
func New(backend Backend, format core.Format, binary string, opts ...Option) (*Sink, error) {
	switch backend {
	case BackendFFmpeg, "":
		return NewFFmpeg(binary, opts...), nil
	case BackendNative:
		switch format {
		case core.FormatMKV:
			return NewMatroska(opts...), nil
		case core.FormatMP4:
			return NewFMP4(opts...), nil
		}
		return nil, core.NewConfigError("format", "the native backend cannot write %s, use ffmpeg", format)
	}
	return nil, core.NewConfigError("encoder.backend", "unknown backend %q", backend)
}
