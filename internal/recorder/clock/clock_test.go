package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestNowStrictlyIncreasesOnFrozenClock(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Unix(1000, 0))
	k := New(fake)

	a := k.Now()
	b := k.Now()
	assert.Greater(t, b, a)

	fake.Step(5 * time.Millisecond)
	c := k.Now()
	assert.Equal(t, 5*time.Millisecond, c)
}

func TestNowIgnoresBackwardSteps(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Unix(1000, 0))
	k := New(fake)
	fake.Step(time.Second)
	first := k.Now()

	fake.SetTime(time.Unix(999, 0))
	assert.Greater(t, k.Now(), first)
}

func TestNowConcurrentUnique(t *testing.T) {
	k := New(testingclock.NewFakeClock(time.Unix(0, 0)))
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[time.Duration]struct{}, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, per)
			for j := 0; j < per; j++ {
				local = append(local, k.Now())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestSleepCancel(t *testing.T) {
	k := New(testingclock.NewFakeClock(time.Unix(0, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Sleep(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Sleep did not observe cancellation")
	}
}

func TestSleepFiresOnStep(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Unix(0, 0))
	k := New(fake)
	done := make(chan error, 1)
	go func() { done <- k.Sleep(context.Background(), 10*time.Millisecond) }()

	require.Eventually(t, fake.HasWaiters, time.Second, time.Millisecond)
	fake.Step(10 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Sleep did not fire")
	}
}

func TestSleepNonPositive(t *testing.T) {
	k := New(nil)
	assert.NoError(t, k.Sleep(context.Background(), 0))
}
