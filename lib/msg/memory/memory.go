// Package memory implements an in-process message broker, for single instance deployments and tests.
package memory

import (
	"errors"
	"sync"

	"github.com/tarancss/deeds/lib/msg"
)

// ErrClosed is returned once the broker is closed.
var ErrClosed = errors.New("broker closed")

// Memory fans nudges out to every consumer.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]chan msg.Nudge
	closed bool
}

// New returns an in-process broker.
func New() *Memory {
	return &Memory{subs: make(map[string]chan msg.Nudge)}
}

// Setup does nothing.
func (m *Memory) Setup() error { return nil }

// Close stops every consumer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true

		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
	}

	return nil
}

// SendNudge delivers n to every consumer. Consumers that are not keeping up lose it.
func (m *Memory) SendNudge(n msg.Nudge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}

	return nil
}

// GetNudges implements msg.MsgBroker. A second call for the same instance replaces the first consumer.
func (m *Memory) GetNudges(instance string) (<-chan msg.Nudge, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	if old, ok := m.subs[instance]; ok {
		close(old)
	}

	ch := make(chan msg.Nudge, 64) //nolint:gomnd // buffered nudges
	m.subs[instance] = ch

	return ch, make(chan error), nil
}
