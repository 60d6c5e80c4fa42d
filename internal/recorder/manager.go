// Package recorder runs recording sessions. It wires the capture sources,
// the synchronizer and the encoder together and drives their lifecycle.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	k8sclock "k8s.io/utils/clock"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/audio"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/avsync"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/encoder"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/events"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/screen"
)

// GrabberFactory connects to a display. An empty name selects the default one.
type GrabberFactory func(display string) (screen.Grabber, error)

// SinkFactory builds an unopened encoder sink for a validated configuration.
type SinkFactory func(cfg core.SessionConfig) (encoder.EncoderSink, error)

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	// Clock drives every session clock and timer; nil uses the real clock.
	Clock       k8sclock.Clock
	NewGrabber  GrabberFactory
	AudioOpener audio.Opener
	NewSink     SinkFactory
	Sync        avsync.Options

	VideoQueueSize   int
	AudioQueueSize   int
	AudioBlockFrames int
	// OverflowAfter is how long the audio producer may block before a
	// BufferOverflow warning is raised.
	OverflowAfter    time.Duration
	ProgressInterval time.Duration
	// ShutdownTimeout bounds how long teardown waits for the synchronizer to drain.
	ShutdownTimeout time.Duration

	Events *events.Broadcaster
}

const (
	DefaultVideoQueueSize   = 100
	DefaultAudioQueueSize   = 200
	DefaultOverflowAfter    = time.Second
	DefaultProgressInterval = time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = k8sclock.RealClock{}
	}
	if o.NewGrabber == nil {
		o.NewGrabber = X11Grabber
	}
	if o.AudioOpener == nil {
		o.AudioOpener = audio.FFmpegOpener("ffmpeg", audio.BackendPulse)
	}
	if o.NewSink == nil {
		o.NewSink = EncoderFactory(encoder.BackendFFmpeg, "ffmpeg", DefaultShutdownTimeout)
	}
	if o.VideoQueueSize <= 0 {
		o.VideoQueueSize = DefaultVideoQueueSize
	}
	if o.AudioQueueSize <= 0 {
		o.AudioQueueSize = DefaultAudioQueueSize
	}
	if o.AudioBlockFrames <= 0 {
		o.AudioBlockFrames = audio.DefaultBlockFrames
	}
	if o.OverflowAfter <= 0 {
		o.OverflowAfter = DefaultOverflowAfter
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Events == nil {
		o.Events = events.NewBroadcaster()
	}
}

// X11Grabber is the default GrabberFactory.
func X11Grabber(display string) (screen.Grabber, error) {
	g, err := screen.NewX11(display)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// EncoderFactory returns a SinkFactory for the given backend. For ffmpeg the
// binary is probed first so a missing encoder is reported as a ConfigError.
func EncoderFactory(backend encoder.Backend, binary string, shutdownTimeout time.Duration) SinkFactory {
	return func(cfg core.SessionConfig) (encoder.EncoderSink, error) {
		if backend == encoder.BackendFFmpeg || backend == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := encoder.CheckFFmpeg(ctx, binary); err != nil {
				return nil, core.NewConfigError("encoder.binary", "%v", err)
			}
		}
		sink, err := encoder.New(backend, cfg.Format, binary, encoder.WithShutdownTimeout(shutdownTimeout))
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
}

// Manager owns at most one active session at a time. Finished sessions stay
// queryable through their handles.
type Manager struct {
	opts   Options
	events *events.Broadcaster
	logger *slog.Logger

	mu       sync.Mutex
	active   *session
	sessions map[SessionHandle]*session
}

// New returns a Manager.
func New(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		events:   opts.Events,
		logger:   slog.With("component", "recorder"),
		sessions: make(map[SessionHandle]*session),
	}
}

// Start validates cfg and brings a session up: encoder first, then audio,
// then screen. It returns once frames are flowing. A ConfigError means
// nothing was started.
func (m *Manager) Start(ctx context.Context, cfg core.SessionConfig) (SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.state().Terminal() {
		return "", core.ErrSessionActive
	}

	cfg, err := cfg.CheckStatic()
	if err != nil {
		return "", err
	}
	grabber, err := m.opts.NewGrabber(cfg.Display)
	if err != nil {
		return "", &core.CaptureFailure{Err: errors.Wrap(err, "open display")}
	}
	monitor, err := screen.SelectMonitor(grabber, cfg.Monitor)
	if err != nil {
		grabber.Close()
		var ce *core.ConfigError
		if errors.As(err, &ce) {
			return "", err
		}
		return "", &core.CaptureFailure{Err: errors.Wrap(err, "query monitors")}
	}
	cfg, err = cfg.ResolveRegion(monitor.Region)
	if err != nil {
		grabber.Close()
		return "", err
	}
	m.logger.Debug("monitor selected", "name", monitor.Name, "bounds", monitor.Region.String(), "primary", monitor.Primary)

	s := newSession(m, cfg, grabber)
	if err := s.start(ctx); err != nil {
		m.logger.Error("session failed to start", "session", s.id, "error", err)
		return "", err
	}
	m.active = s
	m.sessions[s.id] = s
	return s.id, nil
}

func (m *Manager) lookup(h SessionHandle) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return nil, errors.Wrapf(core.ErrUnknownSession, "%s", h)
	}
	return s, nil
}

// Stop ends the session and waits for the output to be finalized. Calling it
// again, or on a session that already ended, returns the same outcome.
func (m *Manager) Stop(h SessionHandle) (FinalizedOutput, error) {
	s, err := m.lookup(h)
	if err != nil {
		return FinalizedOutput{}, err
	}
	s.requestStop()
	<-s.done
	return s.outcome()
}

// Wait blocks until the session ends on its own, is stopped, or ctx is done.
func (m *Manager) Wait(ctx context.Context, h SessionHandle) (FinalizedOutput, error) {
	s, err := m.lookup(h)
	if err != nil {
		return FinalizedOutput{}, err
	}
	select {
	case <-s.done:
		return s.outcome()
	case <-ctx.Done():
		return FinalizedOutput{}, ctx.Err()
	}
}

// Status reports the session's state and counters.
func (m *Manager) Status(h SessionHandle) (SessionStatus, error) {
	s, err := m.lookup(h)
	if err != nil {
		return SessionStatus{}, err
	}
	return s.status(), nil
}

// Pause stops sampling without ending the session. Paused time is left out of
// the output timeline.
func (m *Manager) Pause(h SessionHandle) error {
	s, err := m.lookup(h)
	if err != nil {
		return err
	}
	return s.pause()
}

// Resume continues a paused session.
func (m *Manager) Resume(h SessionHandle) error {
	s, err := m.lookup(h)
	if err != nil {
		return err
	}
	return s.resume()
}

// Active returns the running session, if any.
func (m *Manager) Active() (SessionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.state().Terminal() {
		return "", false
	}
	return m.active.id, true
}

// Subscribe returns a channel of session events. Events are dropped for a
// subscriber whose buffer is full.
func (m *Manager) Subscribe(id string, buffer int) <-chan events.Event {
	return m.events.Subscribe(id, buffer)
}

// Unsubscribe closes the subscriber's channel.
func (m *Manager) Unsubscribe(id string) {
	m.events.Unsubscribe(id)
}

// Close stops the active session, if any, and closes every subscription.
func (m *Manager) Close() error {
	var err error
	if h, ok := m.Active(); ok {
		_, err = m.Stop(h)
	}
	m.events.Close()
	return err
}
