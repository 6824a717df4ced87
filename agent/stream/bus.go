package stream

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to attached sinks. It implements Sink so the
	// loop publishes to one place while any number of consumers listen.
	//
	// Delivery is synchronous in the publisher's goroutine and stops at
	// the first sink error, so a critical consumer (a recorder, say) can
	// halt the run rather than silently lose events.
	Bus struct {
		mu    sync.RWMutex
		sinks map[*Subscription]Sink
	}

	// Subscription is an active attachment to a Bus. Close detaches the
	// sink; it is idempotent.
	Subscription struct {
		bus  *Bus
		once sync.Once
	}
)

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{sinks: make(map[*Subscription]Sink)}
}

// Attach registers a sink and returns its subscription handle.
func (b *Bus) Attach(s Sink) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("stream: sink is required")
	}
	sub := &Subscription{bus: b}
	b.mu.Lock()
	b.sinks[sub] = s
	b.mu.Unlock()
	return sub, nil
}

// Send implements Sink, delivering the event to every attached sink. The
// snapshot is taken before iteration so attaches and detaches during delivery
// do not affect the current event.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink, closing every attached sink and detaching them.
func (b *Bus) Close() error {
	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.sinks = make(map[*Subscription]Sink)
	b.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close detaches the sink from the bus.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.sinks, s)
		s.bus.mu.Unlock()
	})
	return nil
}
