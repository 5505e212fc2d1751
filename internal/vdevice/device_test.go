package vdevice

import "testing"

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	queue := make(chan []byte, 2)
	enqueue(queue, []byte("a"))
	enqueue(queue, []byte("b"))
	enqueue(queue, []byte("c")) // queue full: "a" should be evicted

	first := <-queue
	second := <-queue
	if string(first) != "b" || string(second) != "c" {
		t.Fatalf("got %q, %q; want b, c", first, second)
	}
}

func TestNetworkProtocolOfDetectsVersion(t *testing.T) {
	v4 := []byte{0x45, 0, 0, 0}
	if _, ok := networkProtocolOf(v4); !ok {
		t.Error("expected ipv4 packet to be recognized")
	}
	v6 := []byte{0x60, 0, 0, 0}
	if _, ok := networkProtocolOf(v6); !ok {
		t.Error("expected ipv6 packet to be recognized")
	}
	if _, ok := networkProtocolOf(nil); ok {
		t.Error("expected empty packet to be rejected")
	}
	garbage := []byte{0x10}
	if _, ok := networkProtocolOf(garbage); ok {
		t.Error("expected unrecognized version nibble to be rejected")
	}
}
