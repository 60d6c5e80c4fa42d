package avsync

import (
	"time"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

type interval struct {
	start, end time.Duration
	open       bool
}

// syncState is owned by the Run goroutine.
type syncState struct {
	originSet bool
	origin    time.Duration
	firstSeen time.Duration

	videoOffset      time.Duration
	audioOffset      time.Duration
	driftAccumulator time.Duration
	lastDrift        time.Duration
	corrections      uint64
	framesDropped    uint64
	framesDuplicated uint64

	vHead  *core.VideoFrame
	aHead  *core.AudioChunk
	vEnded bool
	aEnded bool

	// W is the last emitted pts, L the last video pts, A the last audio pts.
	W, L, A   time.Duration
	emitted   bool
	lastFrame *core.VideoFrame

	waitVideoSince time.Duration
	waitAudioSince time.Duration
	videoStalled   bool
	audioStalled   bool

	audioSamples  int64
	sampleRate    int
	firstAudioTS  time.Duration
	firstAudioDur time.Duration
	lastAudioTS   time.Duration
	sinceCheck    int

	videoEmitted uint64
	audioEmitted uint64

	pauses   []interval
	finished bool
}

func newSyncState() *syncState {
	return &syncState{
		firstSeen:      -1,
		waitVideoSince: -1,
		waitAudioSince: -1,
	}
}

func (st *syncState) videoPTS(f *core.VideoFrame) time.Duration {
	return f.Timestamp - st.origin - st.pausedBefore(f.Timestamp) + st.videoOffset
}

func (st *syncState) audioPTS(c *core.AudioChunk) time.Duration {
	return c.Timestamp - st.origin - st.pausedBefore(c.Timestamp) + st.audioOffset
}

func (st *syncState) applyPause(ev pauseEvent) {
	n := len(st.pauses)
	if !ev.resume {
		if n > 0 && st.pauses[n-1].open {
			return
		}
		st.pauses = append(st.pauses, interval{start: ev.at, open: true})
		return
	}
	if n == 0 || !st.pauses[n-1].open {
		return
	}
	end := ev.at
	if end < st.pauses[n-1].start {
		end = st.pauses[n-1].start
	}
	st.pauses[n-1].end = end
	st.pauses[n-1].open = false
}

// pausedBefore returns how much paused time precedes ts.
func (st *syncState) pausedBefore(ts time.Duration) time.Duration {
	var total time.Duration
	for _, p := range st.pauses {
		if ts <= p.start {
			break
		}
		end := p.end
		if p.open || ts < end {
			end = ts
		}
		total += end - p.start
	}
	return total
}

func (st *syncState) pausedBetween(from, to time.Duration) time.Duration {
	return st.pausedBefore(to) - st.pausedBefore(from)
}
