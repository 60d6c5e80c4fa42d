package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	k8sclock "k8s.io/utils/clock"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/audio"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/avsync"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/buffer"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/clock"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/encoder"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/events"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/screen"
)

// session is the aggregate behind a handle: config, queues, the three
// workers and the sink.
type session struct {
	id      SessionHandle
	cfg     core.SessionConfig
	opts    Options
	events  *events.Broadcaster
	logger  *slog.Logger
	clock   *clock.Clock
	grabber screen.Grabber

	videoQ *buffer.Queue[*core.VideoFrame]
	audioQ *buffer.Queue[*core.AudioChunk]
	screen *screen.Source
	audio  *audio.Source
	sync   *avsync.Manager
	sink   encoder.EncoderSink

	cancelSync context.CancelFunc
	syncExited chan struct{}
	syncErr    error

	overflows atomic.Uint64

	stopOnce sync.Once
	stopReq  chan struct{}
	wake     chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	st          State
	started     bool
	startedAt   time.Duration
	stoppedAt   time.Duration
	stopped     bool
	pausedAt    time.Duration
	pausedTotal time.Duration
	result      FinalizedOutput
	err         error
}

func newSession(m *Manager, cfg core.SessionConfig, g screen.Grabber) *session {
	id := newHandle()
	return &session{
		id:       id,
		cfg:      cfg,
		opts:     m.opts,
		events:   m.events,
		logger:   slog.With("component", "session", "session", string(id)),
		clock:    clock.New(m.opts.Clock),
		grabber:  g,
		stopReq:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		st:       StateIdle,
		pausedAt: -1,
	}
}

func (s *session) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	s.logger.Info("session state", "state", st.String())
	s.events.Broadcast(events.Event{Kind: events.KindState, Session: string(s.id), State: st.String(), Output: s.cfg.OutputPath})
}

// start brings the pipeline up in dependency order. On failure whatever was
// started is torn down again and the session ends Failed.
func (s *session) start(ctx context.Context) error {
	s.setState(StateStarting)
	cfg := s.cfg

	var err error
	s.videoQ, err = buffer.New[*core.VideoFrame](s.opts.VideoQueueSize, buffer.DropOldest)
	if err != nil {
		return s.abort(errors.Wrap(err, "video queue"))
	}
	if cfg.Audio.Enabled {
		s.audioQ, err = buffer.New[*core.AudioChunk](s.opts.AudioQueueSize, buffer.BlockProducer,
			buffer.WithOverflowHandler(s.opts.OverflowAfter, s.onOverflow))
		if err != nil {
			return s.abort(errors.Wrap(err, "audio queue"))
		}
	}

	sink, err := s.opts.NewSink(cfg)
	if err != nil {
		return s.abort(err)
	}
	params := encoder.OpenParams{
		OutputPath: cfg.OutputPath,
		Format:     cfg.Format,
		Quality:    cfg.Quality,
		Video: encoder.VideoParams{
			Width:       cfg.Region.Width,
			Height:      cfg.Region.Height,
			FPS:         cfg.TargetFPS,
			PixelFormat: core.PixelFormatBGRA,
		},
	}
	if cfg.Audio.Enabled {
		params.Audio = &encoder.AudioParams{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	}
	if err := sink.Open(ctx, params); err != nil {
		return s.abort(err)
	}
	s.sink = sink

	syncOpts := s.opts.Sync
	syncOpts.FrameInterval = time.Second / time.Duration(cfg.TargetFPS)
	s.sync = avsync.New(s.clock, s.videoQ, s.audioQ, sink, syncOpts)
	syncCtx, cancel := context.WithCancel(context.Background())
	s.cancelSync = cancel
	s.syncExited = make(chan struct{})
	go func() {
		s.syncErr = s.sync.Run(syncCtx)
		close(s.syncExited)
	}()

	// Workers outlive the caller's context; they are stopped through the session.
	if cfg.Audio.Enabled {
		s.audio = audio.NewSource(s.opts.AudioOpener, s.clock, s.audioQ, s.opts.AudioBlockFrames)
		if err := s.audio.Start(context.Background(), cfg.Audio.DeviceID, cfg.Audio.SampleRate, cfg.Audio.Channels); err != nil {
			return s.abort(err)
		}
	}
	s.screen = screen.NewSource(s.grabber, s.clock, s.videoQ)
	if err := s.screen.Start(context.Background(), cfg.Region, cfg.TargetFPS); err != nil {
		return s.abort(err)
	}

	s.mu.Lock()
	s.started = true
	s.startedAt = s.clock.Now()
	s.mu.Unlock()
	s.setState(StateRecording)
	go s.monitor()
	return nil
}

func (s *session) abort(err error) error {
	s.teardown(err)
	return err
}

func (s *session) onOverflow(blocked time.Duration) {
	s.overflows.Add(1)
	w := &core.BufferOverflow{Queue: "audio", Blocked: int64(blocked)}
	s.logger.Warn(w.Error())
	s.events.Broadcast(events.Event{Kind: events.KindWarning, Session: string(s.id), Reason: "BufferOverflow", Message: w.Error()})
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopReq) })
}

func (s *session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// monitor watches for a stop request, a worker failure or the duration limit,
// and publishes progress in between.
func (s *session) monitor() {
	base := s.clock.Base()
	ticker := time.NewTicker(s.opts.ProgressInterval)
	defer ticker.Stop()

	var audioErr <-chan error
	if s.audio != nil {
		audioErr = s.audio.Err()
	}

	var limit k8sclock.Timer
	var limitC <-chan time.Time
	arm := func() {
		if limit != nil {
			limit.Stop()
			limit, limitC = nil, nil
		}
		if s.cfg.MaxDuration <= 0 || s.state() == StatePaused {
			return
		}
		remaining := max(s.cfg.MaxDuration-s.elapsed(), 0)
		limit = base.NewTimer(remaining)
		limitC = limit.C()
	}
	arm()
	defer func() {
		if limit != nil {
			limit.Stop()
		}
	}()

	for {
		select {
		case <-s.stopReq:
			s.teardown(nil)
			return
		case err := <-s.screen.Err():
			s.teardown(err)
			return
		case err := <-audioErr:
			s.teardown(err)
			return
		case <-s.syncExited:
			err := s.syncErr
			if err == nil {
				err = errors.New("synchronizer exited while recording")
			}
			s.teardown(asEncodingFailure(err))
			return
		case <-limitC:
			s.logger.Info("maximum duration reached", "duration", s.cfg.MaxDuration)
			s.teardown(nil)
			return
		case <-s.wake:
			arm()
		case <-ticker.C:
			s.publishProgress()
		}
	}
}

// teardown stops producers, lets the synchronizer drain both queues, then
// closes the encoder. The first error seen decides the failure reason.
func (s *session) teardown(cause error) {
	s.mu.Lock()
	if s.started && !s.stopped {
		s.stopped = true
		s.stoppedAt = s.clock.Now()
	}
	s.mu.Unlock()
	s.setState(StateStopping)
	if cause != nil {
		s.logger.Error("session failing", "error", cause, "reason", core.Reason(cause))
	}

	if s.screen != nil {
		s.screen.Stop()
	}
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.videoQ != nil {
		s.videoQ.Close()
	}
	if s.audioQ != nil {
		s.audioQ.Close()
	}

	var syncErr error
	if s.sync != nil {
		timer := time.NewTimer(s.opts.ShutdownTimeout)
		select {
		case <-s.syncExited:
		case <-timer.C:
			s.logger.Error("synchronizer did not drain in time, cancelling", "timeout", s.opts.ShutdownTimeout)
			s.cancelSync()
			<-s.syncExited
		}
		timer.Stop()
		s.cancelSync()
		if s.syncErr != nil {
			syncErr = asEncodingFailure(s.syncErr)
		}
	}

	var closeErr error
	if s.sink != nil {
		closeErr = s.sink.Close()
	}
	if err := s.grabber.Close(); err != nil {
		s.logger.Warn("close grabber", "error", err)
	}

	err := cause
	if err == nil {
		err = syncErr
	}
	if err == nil {
		err = closeErr
	}
	s.finish(err)
}

func asEncodingFailure(err error) error {
	if core.Reason(err) != "InternalError" {
		return err
	}
	return &core.EncodingFailure{Err: err}
}

func (s *session) finish(err error) {
	out := FinalizedOutput{
		Path:     s.cfg.OutputPath,
		Duration: s.elapsed(),
		Stats:    s.stats(),
	}
	final := StateCompleted
	if err != nil {
		final = StateFailed
	}

	s.mu.Lock()
	s.result = out
	s.err = err
	s.st = final
	s.mu.Unlock()

	ev := events.Event{Kind: events.KindState, Session: string(s.id), State: final.String(), Output: out.Path}
	if err != nil {
		ev.Reason = core.Reason(err)
		ev.Message = err.Error()
		s.logger.Error("session failed", "reason", ev.Reason, "output", out.Path, "duration", out.Duration,
			"frames", out.Stats.FramesEncoded, "dropped", out.Stats.FramesDropped)
	} else {
		s.logger.Info("session completed", "output", out.Path, "duration", out.Duration,
			"frames", out.Stats.FramesEncoded, "dropped", out.Stats.FramesDropped, "duplicated", out.Stats.FramesDuplicated)
	}
	s.events.Broadcast(ev)
	close(s.done)
}

func (s *session) outcome() (FinalizedOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// elapsed is the recorded time so far: paused intervals are excluded and the
// count freezes once teardown begins.
func (s *session) elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	end := s.clock.Now()
	if s.stopped {
		end = s.stoppedAt
	}
	paused := s.pausedTotal
	if s.pausedAt >= 0 && end > s.pausedAt {
		paused += end - s.pausedAt
	}
	return max(end-s.startedAt-paused, 0)
}

func (s *session) stats() Stats {
	var st Stats
	if s.screen != nil {
		st.FramesCaptured = s.screen.Captured()
	}
	if s.audio != nil {
		st.AudioChunks = s.audio.Chunks()
	}
	if s.videoQ != nil {
		st.FramesDropped = s.videoQ.Stats().Dropped
	}
	if s.sync != nil {
		ss := s.sync.Stats()
		st.FramesDropped += ss.FramesDropped
		st.FramesDuplicated = ss.FramesDuplicated
		st.LastDrift = ss.LastDrift
		st.DriftCorrections = ss.DriftCorrections
	}
	if s.sink != nil {
		es := s.sink.Stats()
		st.FramesEncoded = es.VideoWritten
		st.AudioBytes = es.AudioBytes
	}
	st.BufferOverflows = s.overflows.Load()
	return st
}

func (s *session) status() SessionStatus {
	st := s.state()
	out := SessionStatus{
		Handle:  s.id,
		State:   st,
		Name:    st.String(),
		Elapsed: s.elapsed(),
		Output:  s.cfg.OutputPath,
		Region:  s.cfg.Region,
		Stats:   s.stats(),
	}
	if _, err := s.outcome(); err != nil {
		out.Reason = core.Reason(err)
		out.Error = err.Error()
	}
	return out
}

func (s *session) publishProgress() {
	st := s.stats()
	p := &events.Progress{
		Elapsed:          s.elapsed(),
		FramesCaptured:   st.FramesCaptured,
		FramesEncoded:    st.FramesEncoded,
		FramesDropped:    st.FramesDropped,
		FramesDuplicated: st.FramesDuplicated,
		AudioChunks:      st.AudioChunks,
		AudioBytes:       st.AudioBytes,
		LastDrift:        st.LastDrift,
	}
	if s.cfg.MaxDuration > 0 {
		p.Remaining = max(s.cfg.MaxDuration-p.Elapsed, 0)
	}
	s.events.Broadcast(events.Event{Kind: events.KindProgress, Session: string(s.id), State: s.state().String(), Progress: p})
}

func (s *session) pause() error {
	s.mu.Lock()
	if s.st != StateRecording {
		s.mu.Unlock()
		return core.ErrNotRecording
	}
	at := s.clock.Now()
	s.pausedAt = at
	s.st = StatePaused
	s.screen.SetPaused(true)
	if s.audio != nil {
		s.audio.SetPaused(true)
	}
	s.sync.Pause(at)
	s.mu.Unlock()

	s.logger.Info("session state", "state", StatePaused.String())
	s.events.Broadcast(events.Event{Kind: events.KindState, Session: string(s.id), State: StatePaused.String(), Output: s.cfg.OutputPath})
	s.poke()
	return nil
}

func (s *session) resume() error {
	s.mu.Lock()
	if s.st != StatePaused {
		s.mu.Unlock()
		return core.ErrNotRecording
	}
	at := s.clock.Now()
	s.pausedTotal += at - s.pausedAt
	s.pausedAt = -1
	s.st = StateRecording
	s.sync.Resume(at)
	if s.audio != nil {
		s.audio.SetPaused(false)
	}
	s.screen.SetPaused(false)
	s.mu.Unlock()

	s.logger.Info("session state", "state", StateRecording.String())
	s.events.Broadcast(events.Event{Kind: events.KindState, Session: string(s.id), State: StateRecording.String(), Output: s.cfg.OutputPath})
	s.poke()
	return nil
}
