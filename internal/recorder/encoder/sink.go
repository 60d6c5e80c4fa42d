// Package encoder turns the synchronized stream into a media file.
package encoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// EncoderSink is the contract between the synchronizer and an encoder.
// Items must be submitted in presentation order; the sink never reorders.
type EncoderSink interface {
	Open(ctx context.Context, p OpenParams) error
	Submit(ctx context.Context, it core.Item) error
	// Flush returns once everything submitted so far has been handed to the encoder.
	Flush(ctx context.Context) error
	// Close signals end of stream and waits for the encoder to finish the file.
	Close() error
	Stats() Stats
}

// VideoParams describes the raw video stream.
type VideoParams struct {
	Width       int
	Height      int
	FPS         int
	PixelFormat core.PixelFormat
}

// AudioParams describes the raw PCM stream.
type AudioParams struct {
	SampleRate int
	Channels   int
}

// OpenParams configures one output file.
type OpenParams struct {
	OutputPath string
	Format     core.Format
	Quality    core.Quality
	Video      VideoParams
	Audio      *AudioParams // nil for video-only output
}

func (p OpenParams) validate() error {
	if p.OutputPath == "" {
		return core.NewConfigError("output", "path is required")
	}
	if p.Video.Width <= 0 || p.Video.Height <= 0 {
		return core.NewConfigError("region", "invalid video size %dx%d", p.Video.Width, p.Video.Height)
	}
	if p.Video.FPS <= 0 {
		return core.NewConfigError("fps", "must be positive")
	}
	if p.Audio != nil && (p.Audio.SampleRate <= 0 || p.Audio.Channels <= 0) {
		return core.NewConfigError("audio", "invalid format %d Hz x %d channels", p.Audio.SampleRate, p.Audio.Channels)
	}
	return nil
}

// Stats counts what reached the encoder.
type Stats struct {
	VideoItems   uint64 // items received
	VideoWritten uint64 // frames written, including constant-rate padding
	VideoPadded  uint64
	VideoSkipped uint64
	AudioItems   uint64
	AudioBytes   uint64
}

// backend does the actual writing. Its methods are called from the sink's
// write loop only, except abort.
type backend interface {
	name() string
	open(ctx context.Context, p OpenParams) error
	write(it core.Item, st *Stats) error
	flush() error
	// close ends both streams and must return by deadline.
	close(deadline time.Time) error
	abort()
}

type request struct {
	item  core.Item
	flush chan error
}

// Sink feeds a backend from a dedicated write loop so the synchronizer never
// blocks on encoder I/O longer than the queue allows.
type Sink struct {
	be              backend
	shutdownTimeout time.Duration
	queueSize       int
	logger          *slog.Logger

	mu      sync.RWMutex
	opened  bool
	closed  bool
	queue   chan request
	done    chan struct{}
	failure atomic.Pointer[error]

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Sink.
type Option func(*Sink)

// WithShutdownTimeout bounds the whole of Close: draining, ending the streams
// and waiting for the encoder to exit.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Sink) { s.shutdownTimeout = d }
}

// WithQueueSize sets how many items may be pending in the write loop.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func newSink(be backend, opts ...Option) *Sink {
	s := &Sink{
		be:              be,
		shutdownTimeout: 30 * time.Second,
		queueSize:       8,
		logger:          slog.With("component", "encoder", "backend", be.name()),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) Open(ctx context.Context, p OpenParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return errors.New("encoder sink already opened")
	}
	if err := s.be.open(ctx, p); err != nil {
		return err
	}
	s.opened = true
	s.queue = make(chan request, s.queueSize)
	s.done = make(chan struct{})
	go s.loop()
	s.logger.Info("encoder opened", "output", p.OutputPath, "format", p.Format, "quality", p.Quality,
		"size", core.Region{Width: p.Video.Width, Height: p.Video.Height}.String(), "fps", p.Video.FPS, "audio", p.Audio != nil)
	return nil
}

func (s *Sink) loop() {
	defer close(s.done)
	var local Stats
	for req := range s.queue {
		if err := s.err(); err != nil {
			if req.flush != nil {
				req.flush <- err
			}
			continue
		}
		if req.flush != nil {
			err := s.be.flush()
			if err != nil {
				s.fail(err)
			}
			req.flush <- err
			continue
		}
		err := s.be.write(req.item, &local)
		s.statsMu.Lock()
		s.stats = local
		s.statsMu.Unlock()
		if err != nil {
			s.logger.Error("encoder write failed", "error", err, "kind", req.item.Kind.String(), "pts", req.item.PTS)
			s.fail(err)
		}
	}
}

func (s *Sink) fail(err error) {
	s.failure.CompareAndSwap(nil, &err)
}

func (s *Sink) err() error {
	if p := s.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// send holds the read lock so Close cannot close the queue under it.
func (s *Sink) send(ctx context.Context, req request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened || s.closed {
		return errors.New("encoder sink is not open")
	}
	if err := s.err(); err != nil {
		return err
	}
	select {
	case s.queue <- req:
		return nil
	case <-s.done:
		return s.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues one item. It returns the first write error seen so far.
func (s *Sink) Submit(ctx context.Context, it core.Item) error {
	return s.send(ctx, request{item: it})
}

func (s *Sink) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := s.send(ctx, request{flush: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending items, ends both streams and waits for the encoder.
// The whole shutdown is bounded by the shutdown timeout; past it the encoder
// is aborted and Close reports an EncodingFailure. A second call returns nil.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	done := s.done
	s.mu.Unlock()

	deadline := time.Now().Add(s.shutdownTimeout)
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Error("encoder did not drain in time, aborting", "timeout", s.shutdownTimeout)
		s.fail(errors.Errorf("encoder did not drain within %s", s.shutdownTimeout))
		s.Abort()
		<-done
	}
	closeErr := s.be.close(deadline)
	if err := s.err(); err != nil {
		return asEncodingFailure(err)
	}
	if closeErr != nil {
		return asEncodingFailure(closeErr)
	}
	st := s.Stats()
	s.logger.Info("encoder finished", "video_frames", st.VideoWritten, "audio_bytes", st.AudioBytes)
	return nil
}

// Abort kills the encoder without waiting for pending items. A write blocked
// in the backend returns once the encoder is gone.
func (s *Sink) Abort() {
	s.be.abort()
}

func (s *Sink) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func asEncodingFailure(err error) error {
	var ef *core.EncodingFailure
	if errors.As(err, &ef) {
		return err
	}
	return &core.EncodingFailure{Err: err}
}
