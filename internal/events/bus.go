package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// backlog is the per-subscriber buffer size. A subscriber slower than the
// producer loses its oldest unread event rather than stalling the bus;
// Endpoint.Dropped reports how many it has lost.
const backlog = 256

// ErrClosed is returned by Recv once the endpoint has been closed.
var ErrClosed = errors.New("events: endpoint closed")

// Bus fans events out to every live subscriber. It is cheap to hold by
// pointer and share across goroutines; Publish never blocks on a slow
// subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[*Endpoint]struct{}
}

// New returns an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Endpoint]struct{})}
}

// Publish delivers ev to every current subscriber. It never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ep := range b.subs {
		ep.deliver(ev)
	}
}

// Subscribe registers a new Endpoint. Callers must Close it when done to
// stop receiving events and release the slot.
func (b *Bus) Subscribe() *Endpoint {
	ep := &Endpoint{
		bus: b,
		ch:  make(chan Event, backlog),
	}
	b.mu.Lock()
	b.subs[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

func (b *Bus) unsubscribe(ep *Endpoint) {
	b.mu.Lock()
	delete(b.subs, ep)
	b.mu.Unlock()
}

// Endpoint is one subscriber's view of the bus.
type Endpoint struct {
	bus       *Bus
	ch        chan Event
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func (e *Endpoint) deliver(ev Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}
	// Backlog full: evict the oldest queued event to make room, so the
	// subscriber keeps seeing recent state instead of stalling forever
	// behind stale data it will never catch up on.
	select {
	case <-e.ch:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Recv blocks until an event arrives, ctx is done, or the endpoint is
// closed.
func (e *Endpoint) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-e.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped reports how many events this endpoint has lost to backlog
// overflow since it was created.
func (e *Endpoint) Dropped() uint64 {
	return e.dropped.Load()
}

// Close unsubscribes the endpoint and unblocks any pending Recv.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.bus.unsubscribe(e)
		close(e.ch)
	})
}
