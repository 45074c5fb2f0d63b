package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("pubsub closed")

// MemoryPubSub is an in-process PubSub used for single-instance deployments and tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan *Event]struct{}
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[chan *Event]struct{})}
}

// Publish delivers event to every current subscriber of channel without blocking.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	for ch := range m.subs[channel] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that lives until ctx is done.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ch := make(chan *Event, subscriberBuffer)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan *Event]struct{})
	}
	m.subs[channel][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.remove(channel, ch)
	}()

	return ch, nil
}

func (m *MemoryPubSub) remove(channel string, ch chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(m.subs, channel)
	}
	close(ch)
}

// Subscribers returns the number of live subscriptions on channel.
func (m *MemoryPubSub) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

// Close closes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for channel, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}
