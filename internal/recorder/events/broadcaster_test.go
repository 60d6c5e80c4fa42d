package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)
	assert.Equal(t, 2, b.SubscriberCount())

	b.Broadcast(Event{Kind: KindProgress, Session: "s1", Progress: &Progress{FramesCaptured: 3}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, KindProgress, e.Kind)
		assert.Equal(t, uint64(3), e.Progress.FramesCaptured)
		assert.False(t, e.Time.IsZero())
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 16)

	for i := 0; i < 10; i++ {
		b.Broadcast(Event{Kind: KindProgress})
	}
	assert.Equal(t, uint64(9), b.Dropped("slow"))
	assert.Equal(t, uint64(0), b.Dropped("fast"))
	assert.Len(t, fast, 10)
	assert.Len(t, slow, 1)
	// still subscribed
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestLateSubscriberGetsLastState(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast(Event{Kind: KindState, State: "Starting"})
	b.Broadcast(Event{Kind: KindState, State: "Recording"})
	b.Broadcast(Event{Kind: KindProgress})

	ch := b.Subscribe("late", 2)
	e := <-ch
	assert.Equal(t, "Recording", e.State)
	assert.Len(t, ch, 0)
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("x", 1)
	b.Unsubscribe("x")
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe("x")

	other := b.Subscribe("y", 1)
	b.Close()
	_, ok = <-other
	assert.False(t, ok)
	b.Close()

	// broadcasting or subscribing after close is harmless
	b.Broadcast(Event{Kind: KindState})
	_, ok = <-b.Subscribe("z", 1)
	assert.False(t, ok)
}

func TestResubscribeReplacesChannel(t *testing.T) {
	b := NewBroadcaster()
	first := b.Subscribe("id", 1)
	second := b.Subscribe("id", 1)
	_, ok := <-first
	assert.False(t, ok)
	b.Broadcast(Event{Kind: KindWarning, Message: "hi"})
	e := <-second
	assert.Equal(t, "hi", e.Message)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestConcurrentBroadcast(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("sink", 1000)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Broadcast(Event{Kind: KindProgress})
			}
		}()
	}
	wg.Wait()
	require.Len(t, ch, 400)
}
