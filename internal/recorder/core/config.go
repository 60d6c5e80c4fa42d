package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Region is a rectangle on the display, in pixels. The zero Region selects the whole monitor.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether r is the "entire display" sentinel.
func (r Region) IsZero() bool {
	return r == Region{}
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// ParseRegion reads the X11 geometry form WxH+X+Y. Offsets are optional.
func ParseRegion(s string) (Region, error) {
	var r Region
	s = strings.TrimSpace(s)
	if s == "" {
		return r, nil
	}
	n, err := fmt.Sscanf(s, "%dx%d+%d+%d", &r.Width, &r.Height, &r.X, &r.Y)
	if err != nil && n < 2 {
		return Region{}, NewConfigError("region", "cannot parse %q, want WxH+X+Y", s)
	}
	if n == 3 {
		return Region{}, NewConfigError("region", "cannot parse %q, want WxH+X+Y", s)
	}
	return r, nil
}

// Format is the output container.
type Format string

const (
	FormatMP4 Format = "mp4"
	FormatAVI Format = "avi"
	FormatMOV Format = "mov"
	FormatMKV Format = "mkv"
)

// Formats lists every supported container.
var Formats = []Format{FormatMP4, FormatAVI, FormatMOV, FormatMKV}

// ParseFormat accepts a container name with or without the leading dot.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "."))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", NewConfigError("format", "unsupported format %q (want mp4, avi, mov or mkv)", s)
}

// Quality selects a bitrate preset.
type Quality string

const (
	QualityAlta  Quality = "Alta"
	QualityMedia Quality = "Media"
	QualityBaja  Quality = "Baja"
)

// ParseQuality is case-insensitive and also accepts high/medium/low.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alta", "high":
		return QualityAlta, nil
	case "media", "medium":
		return QualityMedia, nil
	case "baja", "low":
		return QualityBaja, nil
	}
	return "", NewConfigError("quality", "unsupported quality %q (want Alta, Media or Baja)", s)
}

// SampleRates are the accepted audio sample rates.
var SampleRates = []int{44100, 48000, 96000}

// AudioConfig describes the optional audio stream.
type AudioConfig struct {
	Enabled    bool
	SampleRate int
	Channels   int
	DeviceID   string // empty selects the system default input
}

// SessionConfig is the immutable snapshot a session runs with.
type SessionConfig struct {
	Region      Region
	TargetFPS   int
	OutputPath  string
	Format      Format
	Quality     Quality
	Audio       AudioConfig
	Display     string        // X11 display name, empty uses $DISPLAY
	Monitor     string        // output name or 1-based index, empty picks the primary
	MaxDuration time.Duration // zero records until stopped
}

const (
	MinFPS = 1
	MaxFPS = 60
)

// MaxCoordinate bounds region edges; X11 requests carry 16-bit geometry.
const MaxCoordinate = 32767

// Validate runs CheckStatic and then ResolveRegion against the selected
// monitor's bounds.
func (c SessionConfig) Validate(display Region) (SessionConfig, error) {
	c, err := c.CheckStatic()
	if err != nil {
		return c, err
	}
	return c.ResolveRegion(display)
}

// CheckStatic validates everything that does not depend on the display and
// returns a normalized copy: parsed format and quality, and an output path
// whose extension matches the format. Nothing is started here, but a
// scratch file is created and removed next to the output to prove the
// directory is writable.
func (c SessionConfig) CheckStatic() (SessionConfig, error) {
	if c.TargetFPS < MinFPS || c.TargetFPS > MaxFPS {
		return c, NewConfigError("fps", "%d out of range [%d, %d]", c.TargetFPS, MinFPS, MaxFPS)
	}

	format, err := ParseFormat(string(c.Format))
	if err != nil {
		return c, err
	}
	c.Format = format

	quality, err := ParseQuality(string(c.Quality))
	if err != nil {
		return c, err
	}
	c.Quality = quality

	if err := checkRegionShape(c.Region); err != nil {
		return c, err
	}
	if n, err := strconv.Atoi(strings.TrimSpace(c.Monitor)); err == nil && n < 1 {
		return c, NewConfigError("monitor", "index %d must be at least 1", n)
	}

	if c.Audio.Enabled {
		if !containsInt(SampleRates, c.Audio.SampleRate) {
			return c, NewConfigError("sample_rate", "%d not supported (want 44100, 48000 or 96000)", c.Audio.SampleRate)
		}
		if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
			return c, NewConfigError("channels", "%d not supported (want 1 or 2)", c.Audio.Channels)
		}
	}

	if c.MaxDuration < 0 {
		return c, NewConfigError("duration", "must not be negative")
	}

	if c.OutputPath == "" {
		return c, NewConfigError("output", "path is required")
	}
	c.OutputPath = WithExtension(c.OutputPath, c.Format)
	if err := checkWritable(c.OutputPath); err != nil {
		return c, err
	}
	return c, nil
}

// ResolveRegion places the region on a monitor. A zero region becomes the
// whole monitor; any other region is relative to the monitor's origin and
// must fit inside it. The result is in absolute display coordinates.
func (c SessionConfig) ResolveRegion(monitor Region) (SessionConfig, error) {
	region, err := resolveRegion(c.Region, monitor)
	if err != nil {
		return c, err
	}
	c.Region = region
	return c, nil
}

func checkRegionShape(r Region) error {
	if r.IsZero() {
		return nil
	}
	if r.Width <= 0 || r.Height <= 0 {
		return NewConfigError("region", "width and height must be positive, got %dx%d", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return NewConfigError("region", "offset must not be negative, got +%d+%d", r.X, r.Y)
	}
	if r.X+r.Width > MaxCoordinate || r.Y+r.Height > MaxCoordinate {
		return NewConfigError("region", "%s exceeds the %d pixel coordinate limit", r, MaxCoordinate)
	}
	return nil
}

func resolveRegion(r, monitor Region) (Region, error) {
	if monitor.Width <= 0 || monitor.Height <= 0 {
		return r, NewConfigError("region", "display bounds unknown")
	}
	if r.IsZero() {
		r = Region{Width: monitor.Width, Height: monitor.Height}
	} else if err := checkRegionShape(r); err != nil {
		return r, err
	}
	if r.X+r.Width > monitor.Width || r.Y+r.Height > monitor.Height {
		return r, NewConfigError("region", "%s exceeds monitor %dx%d", r, monitor.Width, monitor.Height)
	}
	abs := Region{X: monitor.X + r.X, Y: monitor.Y + r.Y, Width: r.Width, Height: r.Height}
	if abs.X < 0 || abs.Y < 0 || abs.X+abs.Width > MaxCoordinate || abs.Y+abs.Height > MaxCoordinate {
		return r, NewConfigError("region", "%s lies outside the %d pixel coordinate limit", abs, MaxCoordinate)
	}
	return abs, nil
}

// WithExtension replaces the path's extension with the container's.
func WithExtension(path string, f Format) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, "."+string(f)) {
		return path
	}
	return strings.TrimSuffix(path, ext) + "." + string(f)
}

func checkWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return NewConfigError("output", "directory %s: %v", dir, err)
	}
	if !info.IsDir() {
		return NewConfigError("output", "%s is not a directory", dir)
	}
	scratch, err := os.CreateTemp(dir, ".grabador-write-*")
	if err != nil {
		return NewConfigError("output", "directory %s is not writable: %v", dir, err)
	}
	name := scratch.Name()
	scratch.Close()
	os.Remove(name)
	return nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
