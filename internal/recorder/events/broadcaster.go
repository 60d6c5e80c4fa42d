// Package events fans session state and progress out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/jorgeblanc9/grabador-video-linux/internal/util"
)

// Kind tells subscribers how to read an Event.
type Kind string

const (
	KindState    Kind = "state"
	KindProgress Kind = "progress"
	KindWarning  Kind = "warning"
)

// Progress is a periodic snapshot of a running session. Durations are
// nanoseconds on the wire.
type Progress struct {
	Elapsed          time.Duration `json:"elapsed"`
	Remaining        time.Duration `json:"remaining,omitempty"`
	FramesCaptured   uint64        `json:"frames_captured"`
	FramesEncoded    uint64        `json:"frames_encoded"`
	FramesDropped    uint64        `json:"frames_dropped"`
	FramesDuplicated uint64        `json:"frames_duplicated"`
	AudioChunks      uint64        `json:"audio_chunks"`
	AudioBytes       uint64        `json:"audio_bytes"`
	LastDrift        time.Duration `json:"last_drift"`
}

// Event is one notification about a session.
type Event struct {
	Kind     Kind      `json:"kind"`
	Session  string    `json:"session"`
	Time     time.Time `json:"time"`
	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message,omitempty"`
	Output   string    `json:"output,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

// Broadcaster distributes events to every subscriber. The latest state event
// is cached and replayed to late subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	lastState   *Event
	dropped     map[string]uint64
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		dropped:     make(map[string]uint64),
	}
}

// Subscribe adds a subscriber and returns its channel. Subscribing an id
// twice replaces the earlier channel, which is closed.
func (b *Broadcaster) Subscribe(id string, bufferSize int) <-chan Event {
	if bufferSize < 1 {
		bufferSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, bufferSize)
	b.subscribers[id] = ch
	if b.lastState != nil {
		ch <- *b.lastState
	}
	util.GetLogger().Debug("Event subscriber added", "id", id, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		delete(b.dropped, id)
		util.GetLogger().Debug("Event subscriber removed", "id", id, "remaining", len(b.subscribers))
	}
}

// Broadcast delivers e without blocking. A subscriber whose buffer is full
// misses the event but stays subscribed.
func (b *Broadcaster) Broadcast(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if e.Kind == KindState {
		cached := e
		b.lastState = &cached
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped[id]++
			if b.dropped[id] == 1 {
				util.GetLogger().Warn("Event subscriber is not keeping up, dropping events", "id", id)
			}
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan Event)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events the subscriber has missed.
func (b *Broadcaster) Dropped(id string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[id]
}
