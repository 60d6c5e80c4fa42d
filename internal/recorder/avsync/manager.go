// Package avsync merges the video and audio queues into one stream ordered by
// presentation timestamp, using the audio sample count as the reference clock.
package avsync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/buffer"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/clock"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// State is the synchronizer's lifecycle.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSyncing:
		return "Syncing"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Sink receives the merged stream. Submit is called in presentation order from
// a single goroutine. Flush is the end-of-stream signal and returns once the
// sink has accepted everything submitted before it.
type Sink interface {
	Submit(ctx context.Context, it core.Item) error
	Flush(ctx context.Context) error
}

// Options tunes the correction policy. Zero fields take defaults.
type Options struct {
	// Tolerance is the largest audio/video offset left uncorrected.
	Tolerance time.Duration
	// MaxWait bounds how long one stream is held back waiting for the other
	// before frames are duplicated or released.
	MaxWait time.Duration
	// StartupWait bounds how long the origin waits for the second stream's first item.
	StartupWait time.Duration
	// DriftCheckEvery is the number of audio chunks between drift measurements.
	DriftCheckEvery int
	// PollInterval caps each idle wait so a stalled producer is noticed.
	PollInterval time.Duration
	// FrameInterval is the nominal video period, 1/fps.
	FrameInterval time.Duration
}

const (
	DefaultTolerance       = 40 * time.Millisecond
	DefaultMaxWait         = 200 * time.Millisecond
	DefaultStartupWait     = 2 * time.Second
	DefaultDriftCheckEvery = 10
	DefaultPollInterval    = 50 * time.Millisecond
)

func (o *Options) applyDefaults() {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.StartupWait <= 0 {
		o.StartupWait = DefaultStartupWait
	}
	if o.DriftCheckEvery <= 0 {
		o.DriftCheckEvery = DefaultDriftCheckEvery
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = time.Second / 30
	}
}

// Stats is a snapshot of the synchronizer's counters.
type Stats struct {
	State            State
	VideoEmitted     uint64
	AudioEmitted     uint64
	FramesDropped    uint64
	FramesDuplicated uint64
	DriftCorrections uint64
	LastDrift        time.Duration
	VideoOffset      time.Duration
	DriftAccumulator time.Duration
	LastPTS          time.Duration
}

type pauseEvent struct {
	resume bool
	at     time.Duration
}

// Manager is the merge actor. Everything in syncState is touched only by the
// goroutine running Run; other goroutines see published snapshots.
type Manager struct {
	clock  *clock.Clock
	video  *buffer.Queue[*core.VideoFrame]
	audio  *buffer.Queue[*core.AudioChunk]
	sink   Sink
	opts   Options
	logger *slog.Logger

	state atomic.Int32
	stats atomic.Pointer[Stats]
	ctrl  chan pauseEvent
	done  chan struct{}
}

// New builds a synchronizer. audio may be nil for a video-only session.
func New(c *clock.Clock, video *buffer.Queue[*core.VideoFrame], audio *buffer.Queue[*core.AudioChunk], sink Sink, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		clock:  c,
		video:  video,
		audio:  audio,
		sink:   sink,
		opts:   opts,
		logger: slog.With("component", "sync"),
		ctrl:   make(chan pauseEvent, 64),
		done:   make(chan struct{}),
	}
	m.stats.Store(&Stats{})
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns the last published snapshot.
func (m *Manager) Stats() Stats {
	s := *m.stats.Load()
	s.State = m.State()
	return s
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Pause marks the start of an interval excluded from presentation time.
// It is a no-op once Run has returned.
func (m *Manager) Pause(at time.Duration) {
	m.control(pauseEvent{at: at})
}

// Resume closes the interval opened by Pause.
func (m *Manager) Resume(at time.Duration) {
	m.control(pauseEvent{resume: true, at: at})
}

func (m *Manager) control(ev pauseEvent) {
	select {
	case m.ctrl <- ev:
	case <-m.done:
	}
}

func (m *Manager) setState(s State) {
	if prev := State(m.state.Swap(int32(s))); prev != s {
		m.logger.Debug("state changed", "from", prev.String(), "to", s.String())
	}
}

// Run merges until both queues are closed and drained, then flushes the sink.
// It returns early with ctx.Err() on cancellation or with the sink's error.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.setState(StateClosed)

	st := newSyncState()
	if m.audio == nil {
		st.aEnded = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		vch := m.video.Changed()
		var ach <-chan struct{}
		if m.audio != nil {
			ach = m.audio.Changed()
		}

		progressed, wake, err := m.step(ctx, st)
		if err != nil {
			return err
		}
		if st.finished {
			m.publish(st)
			return nil
		}
		if progressed {
			continue
		}

		wait := m.opts.PollInterval
		if wake > 0 {
			d := wake - m.clock.Now()
			if d <= 0 {
				continue
			}
			if d < wait {
				wait = d
			}
		}
		if m.audio == nil && st.vHead == nil && !st.vEnded {
			// nothing to multiplex, wait on the video queue itself
			m.popVideo(st, wait)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-vch:
		case <-ach:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// step makes at most one emission decision. It returns whether anything was
// emitted and, when holding a stream back, the clock time to re-evaluate at.
func (m *Manager) step(ctx context.Context, st *syncState) (bool, time.Duration, error) {
	m.drainCtrl(st)
	m.fill(st)

	if !st.originSet {
		ok, wake := m.establishOrigin(st)
		if !ok {
			if st.vEnded && st.aEnded && st.vHead == nil && st.aHead == nil {
				return true, 0, m.finish(ctx, st)
			}
			return false, wake, nil
		}
	}

	if (st.vEnded && st.vHead == nil) || (st.aEnded && st.aHead == nil && m.audio != nil) {
		if m.State() == StateSyncing {
			m.setState(StateDraining)
		}
	}
	if st.vHead == nil && st.aHead == nil {
		if st.vEnded && st.aEnded {
			return true, 0, m.finish(ctx, st)
		}
		return false, 0, nil
	}

	tol := m.opts.Tolerance

	if st.vHead != nil {
		vP := st.videoPTS(st.vHead)
		if st.emitted && vP < st.W-tol {
			// The head is stale. Skip to the newest frame that is already buffered.
			for vP < st.W-tol {
				next, ok := m.video.TryPop()
				if !ok {
					break
				}
				m.drainCtrl(st)
				st.framesDropped++
				st.vHead = next
				vP = st.videoPTS(next)
			}
			if vP < st.W-tol {
				return true, 0, m.emitVideo(ctx, st, vP)
			}
		}
	}

	switch {
	case st.vHead != nil && st.aHead != nil:
		vP, aP := st.videoPTS(st.vHead), st.audioPTS(st.aHead)
		if aP <= vP {
			return true, 0, m.emitAudio(ctx, st, aP)
		}
		return true, 0, m.emitVideo(ctx, st, vP)

	case st.aHead != nil:
		aP := st.audioPTS(st.aHead)
		if st.vEnded {
			return true, 0, m.emitAudio(ctx, st, aP)
		}
		if st.lastFrame != nil && aP <= st.L+m.opts.FrameInterval+tol {
			return true, 0, m.emitAudio(ctx, st, aP)
		}
		if !st.videoStalled {
			now := m.clock.Now()
			if st.waitVideoSince < 0 {
				st.waitVideoSince = now
			}
			if deadline := st.waitVideoSince + m.opts.MaxWait; now < deadline {
				return false, deadline, nil
			}
			st.videoStalled = true
			m.logger.Debug("video stalled, filling with repeated frames", "last_pts", st.L, "audio_pts", aP)
		}
		if st.lastFrame == nil {
			return true, 0, m.emitAudio(ctx, st, aP)
		}
		return true, 0, m.emitDuplicate(ctx, st)

	default:
		vP := st.videoPTS(st.vHead)
		if st.aEnded || st.audioStalled || vP <= st.A+tol {
			return true, 0, m.emitVideo(ctx, st, vP)
		}
		now := m.clock.Now()
		if st.waitAudioSince < 0 {
			st.waitAudioSince = now
		}
		if deadline := st.waitAudioSince + m.opts.MaxWait; now < deadline {
			return false, deadline, nil
		}
		st.audioStalled = true
		m.logger.Debug("audio stalled, releasing video", "video_pts", vP, "audio_pts", st.A)
		if st.lastFrame != nil && st.L+m.opts.FrameInterval < vP {
			return true, 0, m.emitDuplicate(ctx, st)
		}
		return true, 0, m.emitVideo(ctx, st, vP)
	}
}

func (m *Manager) fill(st *syncState) {
	if st.vHead == nil && !st.vEnded {
		if f, ok := m.video.TryPop(); ok {
			m.drainCtrl(st)
			st.vHead = f
		} else if m.video.Drained() {
			st.vEnded = true
		}
	}
	if m.audio != nil && st.aHead == nil && !st.aEnded {
		if c, ok := m.audio.TryPop(); ok {
			m.drainCtrl(st)
			st.aHead = c
		} else if m.audio.Drained() {
			st.aEnded = true
		}
	}
}

func (m *Manager) popVideo(st *syncState, wait time.Duration) {
	f, err := m.video.Pop(wait)
	switch {
	case err == nil:
		m.drainCtrl(st)
		st.vHead = f
	case errors.Is(err, buffer.ErrClosed):
		st.vEnded = true
	}
}

func (m *Manager) establishOrigin(st *syncState) (bool, time.Duration) {
	vReady := st.vHead != nil || st.vEnded
	aReady := st.aHead != nil || st.aEnded
	if st.vHead == nil && st.aHead == nil {
		return false, 0
	}
	if !vReady || !aReady {
		now := m.clock.Now()
		if st.firstSeen < 0 {
			st.firstSeen = now
		}
		if deadline := st.firstSeen + m.opts.StartupWait; now < deadline {
			return false, deadline
		}
		m.logger.Warn("second stream did not start in time", "waited", m.opts.StartupWait)
	}

	switch {
	case st.vHead != nil && st.aHead != nil:
		st.origin = min(st.vHead.Timestamp, st.aHead.Timestamp)
	case st.vHead != nil:
		st.origin = st.vHead.Timestamp
	default:
		st.origin = st.aHead.Timestamp
	}
	st.originSet = true
	m.setState(StateSyncing)
	m.logger.Info("streams aligned", "origin", st.origin, "video", st.vHead != nil, "audio", st.aHead != nil)
	return true, 0
}

func (m *Manager) submit(ctx context.Context, st *syncState, it core.Item) error {
	if it.PTS < st.W {
		it.PTS = st.W
	}
	if it.PTS < 0 {
		it.PTS = 0
	}
	if err := m.sink.Submit(ctx, it); err != nil {
		return errors.Wrapf(err, "submit %s pts %s", it.Kind, it.PTS)
	}
	st.W = it.PTS
	st.emitted = true
	return nil
}

func (m *Manager) emitVideo(ctx context.Context, st *syncState, pts time.Duration) error {
	f := st.vHead
	st.vHead = nil
	if err := m.submit(ctx, st, core.VideoItem(f, pts)); err != nil {
		return err
	}
	st.L = st.W
	st.lastFrame = f
	st.videoEmitted++
	st.waitVideoSince = -1
	st.videoStalled = false
	m.publish(st)
	return nil
}

func (m *Manager) emitDuplicate(ctx context.Context, st *syncState) error {
	it := core.VideoItem(st.lastFrame, st.L+m.opts.FrameInterval)
	it.Duplicate = true
	if err := m.submit(ctx, st, it); err != nil {
		return err
	}
	st.L = st.W
	st.framesDuplicated++
	st.videoEmitted++
	m.publish(st)
	return nil
}

func (m *Manager) emitAudio(ctx context.Context, st *syncState, pts time.Duration) error {
	c := st.aHead
	st.aHead = nil
	if err := m.submit(ctx, st, core.AudioItem(c, pts)); err != nil {
		return err
	}
	st.A = st.W
	st.audioEmitted++
	st.waitAudioSince = -1
	st.audioStalled = false

	if st.audioSamples == 0 {
		st.firstAudioTS = c.Timestamp
		st.firstAudioDur = c.Duration()
		st.sampleRate = c.SampleRate
	}
	st.audioSamples += int64(c.Samples)
	st.lastAudioTS = c.Timestamp
	st.sinceCheck++
	if st.sinceCheck >= m.opts.DriftCheckEvery {
		st.sinceCheck = 0
		m.checkDrift(st)
	}
	m.publish(st)
	return nil
}

// checkDrift compares the audio consumed, measured in samples, against the
// capture time it spanned. The difference is applied to the video offset so
// video follows the audio timeline.
func (m *Manager) checkDrift(st *syncState) {
	if st.audioSamples == 0 || st.sampleRate <= 0 {
		return
	}
	audioElapsed := time.Duration(st.audioSamples) * time.Second / time.Duration(st.sampleRate)
	wallElapsed := st.lastAudioTS - st.firstAudioTS + st.firstAudioDur - st.pausedBetween(st.firstAudioTS, st.lastAudioTS)
	raw := audioElapsed - wallElapsed

	residual := raw - st.videoOffset
	if residual > m.opts.Tolerance || residual < -m.opts.Tolerance {
		st.videoOffset += residual
		st.driftAccumulator += residual
		st.corrections++
		m.logger.Debug("drift corrected", "drift", raw, "video_offset", st.videoOffset)
	}
	st.lastDrift = raw - st.videoOffset
}

func (m *Manager) finish(ctx context.Context, st *syncState) error {
	m.setState(StateDraining)
	m.checkDrift(st)
	if err := m.sink.Flush(ctx); err != nil {
		return errors.Wrap(err, "flush sink")
	}
	st.finished = true
	m.logger.Info("streams drained",
		"video", st.videoEmitted, "audio", st.audioEmitted,
		"dropped", st.framesDropped, "duplicated", st.framesDuplicated,
		"last_drift", st.lastDrift)
	return nil
}

func (m *Manager) drainCtrl(st *syncState) {
	for {
		select {
		case ev := <-m.ctrl:
			st.applyPause(ev)
		default:
			return
		}
	}
}

func (m *Manager) publish(st *syncState) {
	m.stats.Store(&Stats{
		VideoEmitted:     st.videoEmitted,
		AudioEmitted:     st.audioEmitted,
		FramesDropped:    st.framesDropped,
		FramesDuplicated: st.framesDuplicated,
		DriftCorrections: st.corrections,
		LastDrift:        st.lastDrift,
		VideoOffset:      st.videoOffset,
		DriftAccumulator: st.driftAccumulator,
		LastPTS:          st.W,
	})
}
