package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDeviceClosed is returned by reads on a closed tone device.
var ErrDeviceClosed = errors.New("audio device closed")

// Tone is a real-time sine generator. It paces reads to the sample rate the
// way a sound card does, so it can stand in for a microphone.
type Tone struct {
	spec      DeviceSpec
	freq      float64
	failAfter time.Duration
	failErr   error

	mu      sync.Mutex
	start   time.Time
	frames  int64
	closed  chan struct{}
	closeMu sync.Once
}

// ToneOption tweaks a Tone device.
type ToneOption func(*Tone)

// WithToneFrequency sets the sine frequency in Hz.
func WithToneFrequency(hz float64) ToneOption {
	return func(t *Tone) { t.freq = hz }
}

// WithReadFailure makes reads fail with err once d of audio has been delivered.
func WithReadFailure(d time.Duration, err error) ToneOption {
	return func(t *Tone) {
		t.failAfter = d
		t.failErr = err
	}
}

// ToneOpener returns an Opener producing Tone devices.
func ToneOpener(opts ...ToneOption) Opener {
	return func(_ context.Context, spec DeviceSpec) (Device, error) {
		return NewTone(spec, opts...), nil
	}
}

// NewTone opens a tone device for spec.
func NewTone(spec DeviceSpec, opts ...ToneOption) *Tone {
	t := &Tone{spec: spec, freq: 440, closed: make(chan struct{})}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tone) Read(p []byte) (int, error) {
	frameSize := 2 * t.spec.Channels
	if frameSize == 0 || t.spec.SampleRate == 0 {
		return 0, errors.New("tone device has no sample format")
	}
	n := len(p) / frameSize
	if n == 0 {
		return 0, io.ErrShortBuffer
	}

	select {
	case <-t.closed:
		return 0, ErrDeviceClosed
	default:
	}

	t.mu.Lock()
	if t.start.IsZero() {
		t.start = time.Now()
	}
	first := t.frames
	t.frames += int64(n)
	start := t.start
	t.mu.Unlock()

	delivered := time.Duration(first) * time.Second / time.Duration(t.spec.SampleRate)
	if t.failAfter > 0 && delivered >= t.failAfter {
		return 0, t.failErr
	}

	// block until the last requested frame would have been captured
	ready := start.Add(time.Duration(first+int64(n)) * time.Second / time.Duration(t.spec.SampleRate))
	timer := time.NewTimer(time.Until(ready))
	defer timer.Stop()
	select {
	case <-t.closed:
		return 0, ErrDeviceClosed
	case <-timer.C:
	}

	for i := 0; i < n; i++ {
		v := int16(math.Sin(2*math.Pi*t.freq*float64(first+int64(i))/float64(t.spec.SampleRate)) * 8000)
		for ch := 0; ch < t.spec.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[(i*t.spec.Channels+ch)*2:], uint16(v))
		}
	}
	return n * frameSize, nil
}

func (t *Tone) Close() error {
	t.closeMu.Do(func() { close(t.closed) })
	return nil
}
