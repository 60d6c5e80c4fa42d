// Package buffer implements the bounded queues between capture sources and
// the synchronizer.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Policy decides what a full queue does with a new item.
type Policy int

const (
	// DropOldest discards the head to admit the new item. Push never blocks.
	DropOldest Policy = iota
	// BlockProducer holds the producer until a slot frees. Nothing is lost.
	BlockProducer
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case BlockProducer:
		return "block-producer"
	default:
		return "unknown"
	}
}

var (
	ErrClosed  = errors.New("queue closed")
	ErrTimeout = errors.New("queue pop timed out")
)

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Capacity      int
	Len           int
	Pushed        uint64
	Popped        uint64
	Dropped       uint64
	BlockedPushes uint64
	BlockedFor    time.Duration
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	overflowAfter time.Duration
	onOverflow    func(blocked time.Duration)
}

// WithOverflowHandler reports producers held longer than after. It only
// applies to BlockProducer queues and fires at most once per blocked push.
func WithOverflowHandler(after time.Duration, fn func(blocked time.Duration)) Option {
	return func(o *options) {
		o.overflowAfter = after
		o.onOverflow = fn
	}
}

// Queue is a fixed-capacity FIFO ring. It is safe for any number of
// producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   int
	size   int
	policy Policy
	closed bool
	// changed is closed and replaced whenever size or closed changes, waking
	// every waiter so each can recheck its condition.
	changed chan struct{}
	opts    options

	pushed, popped, dropped, blockedPushes uint64
	blockedFor                             time.Duration
}

// New returns an empty queue. capacity must be positive.
func New[T any](capacity int, policy Policy, opts ...Option) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, errors.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if policy != DropOldest && policy != BlockProducer {
		return nil, errors.Errorf("unknown queue policy %d", policy)
	}
	q := &Queue[T]{
		ring:    make([]T, capacity),
		policy:  policy,
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(&q.opts)
	}
	return q, nil
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) enqueueLocked(item T) {
	q.ring[(q.head+q.size)%len(q.ring)] = item
	q.size++
	q.pushed++
	q.notifyLocked()
}

// Push adds item at the tail. On a full DropOldest queue the head is
// discarded and Push returns immediately. On a full BlockProducer queue Push
// waits until a slot frees, ctx is done or the queue is closed.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.size < len(q.ring) {
		q.enqueueLocked(item)
		q.mu.Unlock()
		return nil
	}

	if q.policy == DropOldest {
		var zero T
		q.ring[q.head] = zero
		q.head = (q.head + 1) % len(q.ring)
		q.size--
		q.dropped++
		q.enqueueLocked(item)
		q.mu.Unlock()
		return nil
	}

	q.blockedPushes++
	start := time.Now()
	var overflow <-chan time.Time
	if q.opts.onOverflow != nil && q.opts.overflowAfter > 0 {
		t := time.NewTimer(q.opts.overflowAfter)
		defer t.Stop()
		overflow = t.C
	}
	defer func() {
		q.mu.Lock()
		q.blockedFor += time.Since(start)
		q.mu.Unlock()
	}()

	for {
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-overflow:
			overflow = nil
			q.opts.onOverflow(time.Since(start))
		case <-changed:
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.size < len(q.ring) {
			q.enqueueLocked(item)
			q.mu.Unlock()
			return nil
		}
	}
}

func (q *Queue[T]) dequeueLocked() T {
	item := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.popped++
	q.notifyLocked()
	return item
}

// Pop removes the head, waiting up to timeout for one to arrive. A
// non-positive timeout waits until an item arrives or the queue closes.
// Items pushed before Close are still returned; ErrClosed follows once the
// queue is drained.
func (q *Queue[T]) Pop(timeout time.Duration) (T, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	q.mu.Lock()
	for {
		if q.size > 0 {
			item := q.dequeueLocked()
			q.mu.Unlock()
			return item, nil
		}
		var zero T
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-deadline:
			return zero, ErrTimeout
		case <-changed:
		}
		q.mu.Lock()
	}
}

// TryPop removes the head if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.dequeueLocked(), true
}

// Changed returns a channel that is closed on the next push, pop or Close.
// Take it before inspecting the queue so no change is missed.
func (q *Queue[T]) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Close rejects further pushes and wakes every waiter. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drained reports whether the queue is closed and empty.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.size == 0
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int {
	return len(q.ring)
}

func (q *Queue[T]) Policy() Policy {
	return q.policy
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity:      len(q.ring),
		Len:           q.size,
		Pushed:        q.pushed,
		Popped:        q.popped,
		Dropped:       q.dropped,
		BlockedPushes: q.blockedPushes,
		BlockedFor:    q.blockedFor,
	}
}
