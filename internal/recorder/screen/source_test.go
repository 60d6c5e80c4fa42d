package screen

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/buffer"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/clock"
	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

var smallRegion = core.Region{Width: 16, Height: 8}

func newFrameQueue(t *testing.T, capacity int) *buffer.Queue[*core.VideoFrame] {
	q, err := buffer.New[*core.VideoFrame](capacity, buffer.DropOldest)
	require.NoError(t, err)
	return q
}

func drain(q *buffer.Queue[*core.VideoFrame]) []*core.VideoFrame {
	var out []*core.VideoFrame
	for {
		f, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestSourceHoldsTargetRate(t *testing.T) {
	q := newFrameQueue(t, 200)
	src := NewSource(NewSynthetic(64, 64), clock.New(nil), q)

	require.NoError(t, src.Start(context.Background(), smallRegion, 50))
	time.Sleep(time.Second)
	src.Stop()

	frames := drain(q)
	assert.InDelta(t, 50, len(frames), 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, smallRegion.Width*smallRegion.Height*4, f.Size())
		if i > 0 {
			assert.Greater(t, f.Timestamp, frames[i-1].Timestamp)
		}
	}
}

// step advances fake by period n times, each time once the loop is parked on
// its next tick.
func step(t *testing.T, fake *testingclock.FakeClock, period time.Duration, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.Eventually(t, fake.HasWaiters, time.Second, 100*time.Microsecond, "tick %d", i)
		fake.Step(period)
	}
}

func TestSourceCadenceOnFakeClock(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Unix(0, 0))
	q := newFrameQueue(t, 400)
	src := NewSource(NewSynthetic(64, 64), clock.New(fake), q)
	require.NoError(t, src.Start(context.Background(), smallRegion, 30))

	period := time.Second / 30
	ticks := int(10 * time.Second / period)
	step(t, fake, period, ticks-1)
	require.Eventually(t, fake.HasWaiters, time.Second, 100*time.Microsecond)
	src.Stop()

	frames := drain(q)
	assert.InDelta(t, 300, len(frames), 1)
	assert.Zero(t, q.Stats().Dropped)
	assert.Zero(t, src.LateTicks())
	for i, f := range frames {
		assert.InDelta(t, int64(time.Duration(i)*period), int64(f.Timestamp), float64(time.Millisecond), "frame %d", i)
	}
}

func TestSourceStopsWithinOneTickOfFailure(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Unix(0, 0))
	boom := errors.New("display lost")
	q := newFrameQueue(t, 10)
	src := NewSource(NewSynthetic(64, 64, WithFailure(5, boom)), clock.New(fake), q)
	require.NoError(t, src.Start(context.Background(), smallRegion, 30))

	// grabs 1-4 land on ticks 0-3; the tick at 4 periods fails
	step(t, fake, time.Second/30, 4)
	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("loop still running with the fake clock held at the failing tick")
	}
	assert.False(t, fake.HasWaiters(), "loop must not sleep after a failed grab")
	assert.Equal(t, uint64(4), src.Captured())
	err := <-src.Err()
	assert.ErrorIs(t, err, boom)
}

func TestSourceDegradesUnderSlowCapture(t *testing.T) {
	q := newFrameQueue(t, 200)
	src := NewSource(NewSynthetic(64, 64, WithGrabDelay(50*time.Millisecond)), clock.New(nil), q)

	require.NoError(t, src.Start(context.Background(), smallRegion, 60))
	time.Sleep(500 * time.Millisecond)
	src.Stop()

	frames := drain(q)
	assert.InDelta(t, 10, len(frames), 2)
	for _, f := range frames {
		assert.Len(t, f.Pix, smallRegion.Width*smallRegion.Height*4)
	}
	assert.Greater(t, src.LateTicks(), uint64(0))
}

func TestSourceReportsCaptureFailureAndStops(t *testing.T) {
	boom := errors.New("display lost")
	q := newFrameQueue(t, 10)
	src := NewSource(NewSynthetic(64, 64, WithFailure(3, boom)), clock.New(nil), q)

	require.NoError(t, src.Start(context.Background(), smallRegion, 60))

	select {
	case err := <-src.Err():
		var cf *core.CaptureFailure
		require.True(t, errors.As(err, &cf))
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("no capture failure reported")
	}
	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("loop kept running after a capture failure")
	}
	assert.Equal(t, uint64(2), src.Captured())
}

func TestSourcePauseSkipsCapture(t *testing.T) {
	q := newFrameQueue(t, 200)
	g := NewSynthetic(64, 64)
	src := NewSource(g, clock.New(nil), q)
	src.SetPaused(true)

	require.NoError(t, src.Start(context.Background(), smallRegion, 60))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(0), g.Grabs())

	src.SetPaused(false)
	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, 5*time.Millisecond)
	src.Stop()
}

func TestSourceRejectsBadArguments(t *testing.T) {
	src := NewSource(NewSynthetic(64, 64), clock.New(nil), newFrameQueue(t, 1))
	assert.Error(t, src.Start(context.Background(), core.Region{Width: 0, Height: 10}, 30))
	assert.Error(t, src.Start(context.Background(), smallRegion, 0))
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	src := NewSource(NewSynthetic(64, 64), clock.New(nil), newFrameQueue(t, 1))
	src.Stop()
}

func TestSyntheticRegionOffset(t *testing.T) {
	g := NewSynthetic(64, 64)
	f, err := g.Grab(core.Region{X: 5, Y: 7, Width: 16, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, byte(5), f.Pix[0])
	assert.Equal(t, byte(7), f.Pix[1])
	require.NoError(t, g.Close())
	_, err = g.Grab(smallRegion)
	assert.ErrorIs(t, err, ErrGrabberClosed)
}
