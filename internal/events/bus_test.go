package events

import (
	"context"
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	b.Publish(ClientConnectionDropped{Port: VirtualPort{Number: 1, Protocol: TCP}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, ep := range []*Endpoint{a, c} {
		ev, err := ep.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		dropped, ok := ev.(ClientConnectionDropped)
		if !ok || dropped.Port.Number != 1 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	}
}

func TestBusRecvRespectsContextCancellation(t *testing.T) {
	b := New()
	ep := b.Subscribe()
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ep.Recv(ctx); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestBusClosedEndpointReturnsErrClosed(t *testing.T) {
	b := New()
	ep := b.Subscribe()
	ep.Close()

	if _, err := ep.Recv(context.Background()); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestEndpointDropsOldestOnOverflow(t *testing.T) {
	b := New()
	ep := b.Subscribe()
	defer ep.Close()

	for i := 0; i < backlog+10; i++ {
		b.Publish(VirtualDeviceFed{Protocol: TCP})
	}

	if ep.Dropped() == 0 {
		t.Fatal("expected some events to be dropped under overflow")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	drained := 0
	for {
		select {
		case <-ep.ch:
			drained++
		default:
			if drained != backlog {
				t.Fatalf("drained %d events, want %d", drained, backlog)
			}
			return
		}
	}
	_ = ctx
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ep := b.Subscribe()
	ep.Close()

	// Publishing after close must not panic or block even though the
	// channel backing ep is closed; unsubscribe must have removed it.
	b.Publish(VirtualDeviceFed{Protocol: UDP})
}
