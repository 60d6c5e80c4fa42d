// Package clock provides the session time base shared by every producer.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Clock measures time since its epoch on the monotonic clock. Now never
// returns the same value twice, so two samples stamped back to back still
// order deterministically.
type Clock struct {
	c     clock.Clock
	epoch time.Time
	last  atomic.Int64
}

// New starts a clock at the current instant of c. A nil c uses the real clock.
func New(c clock.Clock) *Clock {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Clock{c: c, epoch: c.Now()}
}

// Now returns the strictly increasing time since the epoch.
func (k *Clock) Now() time.Duration {
	d := int64(k.c.Since(k.epoch))
	for {
		prev := k.last.Load()
		next := d
		if next <= prev {
			next = prev + 1
		}
		if k.last.CompareAndSwap(prev, next) {
			return time.Duration(next)
		}
	}
}

// Since returns the elapsed time between a previous Now value and the present.
func (k *Clock) Since(t time.Duration) time.Duration {
	return k.c.Since(k.epoch) - t
}

// Epoch is the wall instant the clock was started at.
func (k *Clock) Epoch() time.Time {
	return k.epoch
}

// Base exposes the underlying clock, mainly so tests can drive a fake one.
func (k *Clock) Base() clock.Clock {
	return k.c
}

// Sleep blocks for d or until ctx is done. It returns ctx.Err() on cancellation.
func (k *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := k.c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// After returns a channel that fires after d on the underlying clock.
func (k *Clock) After(d time.Duration) <-chan time.Time {
	return k.c.After(d)
}
