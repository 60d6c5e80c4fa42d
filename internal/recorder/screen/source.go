// Package screen samples a display region at a fixed rate.
package screen

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/buffer"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/clock"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// Source runs the capture loop: grab, stamp, push, sleep out the rest of the tick.
type Source struct {
	grabber Grabber
	clock   *clock.Clock
	queue   *buffer.Queue[*core.VideoFrame]
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	errCh   chan error
	started bool

	paused   atomic.Bool
	captured atomic.Uint64
	skipped  atomic.Uint64
	late     atomic.Uint64
	seq      uint64
}

// NewSource wires a grabber to the frame queue. The queue is expected to use
// the DropOldest policy so a slow consumer never stalls capture.
func NewSource(g Grabber, c *clock.Clock, q *buffer.Queue[*core.VideoFrame]) *Source {
	return &Source{
		grabber: g,
		clock:   c,
		queue:   q,
		errCh:   make(chan error, 1),
		logger:  slog.With("component", "screen-source"),
	}
}

// Start launches the capture loop. It fails if region is empty or fps is out of range.
func (s *Source) Start(ctx context.Context, region core.Region, fps int) error {
	if region.Width <= 0 || region.Height <= 0 {
		return core.NewConfigError("region", "width and height must be positive, got %dx%d", region.Width, region.Height)
	}
	if fps < core.MinFPS || fps > core.MaxFPS {
		return core.NewConfigError("fps", "%d out of range", fps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("screen source already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, region, time.Second/time.Duration(fps))
	s.logger.Info("capture started", "region", region.String(), "fps", fps)
	return nil
}

func (s *Source) run(ctx context.Context, region core.Region, period time.Duration) {
	defer close(s.done)

	next := s.clock.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if s.paused.Load() {
			s.skipped.Add(1)
		} else if err := s.captureOne(ctx, region); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("capture failed", "error", err, "captured", s.captured.Load())
			s.report(&core.CaptureFailure{Err: err})
			return
		}

		// Hold the cadence against the scheduled tick, not the last wakeup,
		// so sleep overshoot does not accumulate. A late tick is not made up.
		next += period
		now := s.clock.Now()
		if wait := next - now; wait > 0 {
			if s.clock.Sleep(ctx, wait) != nil {
				return
			}
		} else {
			if -wait >= period {
				s.late.Add(1)
			}
			next = now
		}
	}
}

func (s *Source) captureOne(ctx context.Context, region core.Region) error {
	frame, err := s.grabber.Grab(region)
	if err != nil {
		return err
	}
	frame.Timestamp = s.clock.Now()
	s.seq++
	frame.Seq = s.seq
	if err := s.queue.Push(ctx, frame); err != nil {
		if errors.Is(err, buffer.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.captured.Add(1)
	return nil
}

func (s *Source) report(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Err delivers at most one CaptureFailure.
func (s *Source) Err() <-chan error {
	return s.errCh
}

// Done is closed when the loop has exited.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// SetPaused skips captures without stopping the loop.
func (s *Source) SetPaused(p bool) {
	s.paused.Store(p)
}

// Stop cancels the loop and waits for it to exit. It does not close the queue or the grabber.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Captured returns the number of frames handed to the queue.
func (s *Source) Captured() uint64 {
	return s.captured.Load()
}

// LateTicks counts ticks that started a full period behind schedule.
func (s *Source) LateTicks() uint64 {
	return s.late.Load()
}
