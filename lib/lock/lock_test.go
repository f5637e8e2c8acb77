package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire(t *testing.T) {
	s := New("test", 8)

	release, ok := s.TryAcquire("offer-1")
	require.True(t, ok)

	_, ok = s.TryAcquire("offer-1")
	assert.False(t, ok, "lock taken twice")

	release()
	release() // idempotent

	release, ok = s.TryAcquire("offer-1")
	require.True(t, ok)
	release()
}

func TestAcquireTimeout(t *testing.T) {
	s := New("test", 1)

	release, ok := s.TryAcquire("a")
	require.True(t, ok)

	defer release()

	start := time.Now()
	_, err := s.Acquire(context.Background(), "b", 50*time.Millisecond) // same shard
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(ctx, "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseFromAnotherGoroutine(t *testing.T) {
	s := New("test", 8)

	_, ok := s.TryAcquire("offer-1")
	require.True(t, ok)

	done := make(chan error)
	go func() { done <- s.Wait(context.Background(), "offer-1", time.Second) }()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, s.ReleaseIfHeld("offer-1"))
	assert.NoError(t, <-done)
	assert.False(t, s.ReleaseIfHeld("offer-1"))
}

func TestMutualExclusion(t *testing.T) {
	s := New("test", 4)

	var (
		inside int32
		wg     sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			release, err := s.Acquire(context.Background(), "offer-1", time.Second)
			if !assert.NoError(t, err) {
				return
			}

			defer release()

			assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}

	wg.Wait()
}
