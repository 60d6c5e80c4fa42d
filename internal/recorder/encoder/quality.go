package encoder

import "github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"

// Preset maps a quality level to encoder targets.
type Preset struct {
	VideoBitrate string // ffmpeg notation, e.g. "5000k"
	AudioBitrate string
	CRF          int
	// JPEGQuality is used by the native backends, which store MJPEG video.
	JPEGQuality int
}

var presets = map[core.Quality]Preset{
	core.QualityAlta:  {VideoBitrate: "5000k", AudioBitrate: "192k", CRF: 18, JPEGQuality: 90},
	core.QualityMedia: {VideoBitrate: "3000k", AudioBitrate: "128k", CRF: 23, JPEGQuality: 75},
	core.QualityBaja:  {VideoBitrate: "1000k", AudioBitrate: "96k", CRF: 28, JPEGQuality: 55},
}

// PresetFor returns the preset of q, falling back to Alta for unknown levels.
func PresetFor(q core.Quality) Preset {
	if p, ok := presets[q]; ok {
		return p
	}
	return presets[core.QualityAlta]
}

// Presets lists the levels in descending quality.
func Presets() []core.Quality {
	return []core.Quality{core.QualityAlta, core.QualityMedia, core.QualityBaja}
}
