package viface

import (
	"net"
	"testing"
)

func TestUDPFlowEnqueueDequeueFIFO(t *testing.T) {
	fl := newUDPFlow(nil, false, func() {})
	fl.enqueue(nil, []byte("a"))
	fl.enqueue(nil, []byte("b"))

	item, ok := fl.dequeue()
	if !ok || string(item.data) != "a" {
		t.Fatalf("first dequeue = %q, ok=%v, want \"a\", true", item.data, ok)
	}
	item, ok = fl.dequeue()
	if !ok || string(item.data) != "b" {
		t.Fatalf("second dequeue = %q, ok=%v, want \"b\", true", item.data, ok)
	}
	if _, ok := fl.dequeue(); ok {
		t.Fatal("expected empty queue after draining two items")
	}
}

func TestUDPFlowLearnedAddressRoundTrip(t *testing.T) {
	fl := newUDPFlow(nil, true, func() {})
	if fl.getLearned() != nil {
		t.Fatal("expected nil learned address before any datagram seen")
	}
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000}
	fl.setLearned(addr)
	if got := fl.getLearned(); got != addr {
		t.Fatalf("getLearned() = %v, want %v", got, addr)
	}
}

func TestUDPFlowSignalWakesOnEnqueue(t *testing.T) {
	fl := newUDPFlow(nil, false, func() {})
	fl.enqueue(nil, []byte("x"))
	select {
	case <-fl.signal:
	default:
		t.Fatal("expected signal to be set after enqueue")
	}
}
