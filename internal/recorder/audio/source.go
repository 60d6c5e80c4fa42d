// Package audio captures PCM blocks from a sound device.
package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/buffer"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/clock"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// DefaultBlockFrames is the number of frames per read, per channel.
const DefaultBlockFrames = 1024

// Source reads fixed-size blocks from a device and pushes them into a
// BlockProducer queue. It never drops data itself.
type Source struct {
	open        Opener
	clock       *clock.Clock
	queue       *buffer.Queue[*core.AudioChunk]
	blockFrames int
	logger      *slog.Logger

	mu       sync.Mutex
	dev      Device
	cancel   context.CancelFunc
	done     chan struct{}
	errCh    chan error
	stopping atomic.Bool

	paused    atomic.Bool
	chunks    atomic.Uint64
	bytes     atomic.Uint64
	discarded atomic.Uint64
}

// NewSource wires a device opener to the audio queue. blockFrames <= 0 uses DefaultBlockFrames.
func NewSource(open Opener, c *clock.Clock, q *buffer.Queue[*core.AudioChunk], blockFrames int) *Source {
	if blockFrames <= 0 {
		blockFrames = DefaultBlockFrames
	}
	return &Source{
		open:        open,
		clock:       c,
		queue:       q,
		blockFrames: blockFrames,
		errCh:       make(chan error, 1),
		logger:      slog.With("component", "audio-source"),
	}
}

// Start opens the device and launches the read loop.
func (s *Source) Start(ctx context.Context, device string, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return core.NewConfigError("audio", "invalid format %d Hz x %d channels", sampleRate, channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("audio source already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	dev, err := s.open(ctx, DeviceSpec{ID: device, SampleRate: sampleRate, Channels: channels})
	if err != nil {
		cancel()
		return &core.AudioFailure{Err: errors.Wrapf(err, "open device %q", device)}
	}
	s.dev = dev
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, dev, sampleRate, channels)
	s.logger.Info("audio capture started", "device", device, "sample_rate", sampleRate, "channels", channels, "block_frames", s.blockFrames)
	return nil
}

func (s *Source) run(ctx context.Context, dev Device, sampleRate, channels int) {
	defer close(s.done)

	var seq uint64
	blockBytes := s.blockFrames * channels * 2
	for {
		buf := make([]byte, blockBytes)
		if _, err := io.ReadFull(dev, buf); err != nil {
			if s.stopping.Load() || ctx.Err() != nil {
				return
			}
			s.logger.Error("audio read failed", "error", err, "chunks", s.chunks.Load())
			s.report(&core.AudioFailure{Err: err})
			return
		}
		ts := s.clock.Now()

		if s.paused.Load() {
			s.discarded.Add(1)
			continue
		}

		seq++
		chunk := &core.AudioChunk{
			Data:       buf,
			Channels:   channels,
			SampleRate: sampleRate,
			Samples:    s.blockFrames,
			Timestamp:  ts,
			Seq:        seq,
		}
		if err := s.queue.Push(ctx, chunk); err != nil {
			// closed queue or cancelled context both mean shutdown
			return
		}
		s.chunks.Add(1)
		s.bytes.Add(uint64(len(buf)))
	}
}

func (s *Source) report(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Err delivers at most one AudioFailure.
func (s *Source) Err() <-chan error {
	return s.errCh
}

// Done is closed when the read loop has exited. It is nil before Start.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// SetPaused keeps reading the device but discards what it delivers, so the
// driver's buffer does not overrun while the session is paused.
func (s *Source) SetPaused(p bool) {
	s.paused.Store(p)
}

// Stop closes the device to unblock the pending read and waits for the loop.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, dev, done := s.cancel, s.dev, s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	s.stopping.Store(true)
	cancel()
	if err := dev.Close(); err != nil {
		s.logger.Warn("close audio device", "error", err)
	}
	<-done
}

// Chunks returns the number of blocks pushed to the queue.
func (s *Source) Chunks() uint64 {
	return s.chunks.Load()
}

// Bytes returns the PCM byte count pushed to the queue.
func (s *Source) Bytes() uint64 {
	return s.bytes.Load()
}
