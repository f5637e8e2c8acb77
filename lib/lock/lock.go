// Package lock provides advisory locks keyed by string ids with a bounded wait. Ids are hashed onto a fixed
// arena of shards, so two ids may share a lock.
package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tarancss/deeds/lib/metrics"
)

// DefaultShards is the arena size used when none is given.
const DefaultShards = 64

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock wait timed out")

// Release frees a lock. It can be called more than once and from any goroutine.
type Release func()

// Sharded is a fixed arena of locks.
type Sharded struct {
	name   string
	shards []chan struct{}

	mu   sync.Mutex
	held map[string]Release
}

// New returns an arena of n locks. name labels the lock metrics.
func New(name string, n int) *Sharded {
	if n <= 0 {
		n = DefaultShards
	}

	s := &Sharded{name: name, shards: make([]chan struct{}, n), held: make(map[string]Release)}
	for i := range s.shards {
		s.shards[i] = make(chan struct{}, 1)
	}

	return s
}

func (s *Sharded) shard(id string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))

	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// TryAcquire takes the lock of id if it is free.
func (s *Sharded) TryAcquire(id string) (Release, bool) {
	ch := s.shard(id)

	select {
	case ch <- struct{}{}:
		return s.hold(id, ch), true
	default:
		return nil, false
	}
}

// Acquire waits up to timeout for the lock of id.
func (s *Sharded) Acquire(ctx context.Context, id string, timeout time.Duration) (Release, error) {
	ch := s.shard(id)

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case ch <- struct{}{}:
		return s.hold(id, ch), nil
	case <-t.C:
		metrics.LockTimeouts.WithLabelValues(s.name).Inc()

		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the current holder of id releases it, or timeout.
func (s *Sharded) Wait(ctx context.Context, id string, timeout time.Duration) error {
	release, err := s.Acquire(ctx, id, timeout)
	if err != nil {
		return err
	}

	release()

	return nil
}

// ReleaseIfHeld frees the lock of id if it is held, and returns whether it was.
func (s *Sharded) ReleaseIfHeld(id string) bool {
	s.mu.Lock()
	release := s.held[id]
	s.mu.Unlock()

	if release == nil {
		return false
	}

	release()

	return true
}

func (s *Sharded) hold(id string, ch chan struct{}) Release {
	var once sync.Once

	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, id)
			s.mu.Unlock()
			<-ch
		})
	}

	s.mu.Lock()
	s.held[id] = release
	s.mu.Unlock()

	return release
}
