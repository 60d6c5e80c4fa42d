package screen

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

var (
	// ErrNotSupported is returned when no capture backend works on this host.
	ErrNotSupported = errors.New("screen capture not supported on this host")
	// ErrGrabberClosed is returned by Grab after Close.
	ErrGrabberClosed = errors.New("grabber closed")
)

// Grabber takes one image of a display region per call.
type Grabber interface {
	// Bounds returns the geometry of the primary monitor.
	Bounds() (core.Region, error)
	// Grab copies the pixels of r. The returned frame is owned by the caller;
	// Timestamp and Seq are left for the source to fill in.
	Grab(r core.Region) (*core.VideoFrame, error)
	Close() error
}

// Synthetic renders a moving test pattern. It stands in for a display in
// tests and headless runs.
type Synthetic struct {
	mu      sync.Mutex
	width   int
	height  int
	n       uint64
	delay   time.Duration
	failAt  uint64
	failErr error
	closed  bool
	outputs []Monitor
}

// SyntheticOption tweaks a Synthetic grabber.
type SyntheticOption func(*Synthetic)

// WithGrabDelay makes every Grab take at least d.
func WithGrabDelay(d time.Duration) SyntheticOption {
	return func(s *Synthetic) { s.delay = d }
}

// WithFailure makes the n-th Grab (1-based) and every later one fail with err.
func WithFailure(n uint64, err error) SyntheticOption {
	return func(s *Synthetic) {
		s.failAt = n
		s.failErr = err
	}
}

// WithMonitors splits the virtual display into outputs.
func WithMonitors(ms ...Monitor) SyntheticOption {
	return func(s *Synthetic) { s.outputs = ms }
}

// NewSynthetic returns a grabber for a virtual display of the given size.
func NewSynthetic(width, height int, opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{width: width, height: height}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synthetic) Bounds() (core.Region, error) {
	m, err := SelectMonitor(s, "")
	if err != nil {
		return core.Region{}, err
	}
	return m.Region, nil
}

func (s *Synthetic) Monitors() ([]Monitor, error) {
	if len(s.outputs) == 0 {
		return []Monitor{{Index: 1, Name: "synthetic", Region: core.Region{Width: s.width, Height: s.height}, Primary: true}}, nil
	}
	return append([]Monitor(nil), s.outputs...), nil
}

func (s *Synthetic) Grab(r core.Region) (*core.VideoFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrGrabberClosed
	}
	s.n++
	n := s.n
	s.mu.Unlock()

	if s.failAt > 0 && n >= s.failAt {
		return nil, s.failErr
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	stride := r.Width * 4
	pix := make([]byte, stride*r.Height)
	bar := int(n*4) % max(r.Width, 1)
	for y := 0; y < r.Height; y++ {
		row := pix[y*stride : (y+1)*stride]
		for x := 0; x < r.Width; x++ {
			o := x * 4
			row[o] = byte(x + r.X)
			row[o+1] = byte(y + r.Y)
			row[o+2] = byte(n)
			if x >= bar && x < bar+4 {
				row[o], row[o+1], row[o+2] = 0xff, 0xff, 0xff
			}
			row[o+3] = 0xff
		}
	}
	return &core.VideoFrame{
		Width:  r.Width,
		Height: r.Height,
		Stride: stride,
		Format: core.PixelFormatBGRA,
		Pix:    pix,
	}, nil
}

// Grabs returns how many times Grab was called.
func (s *Synthetic) Grabs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
