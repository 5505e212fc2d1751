package pcap

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SideStore/onetun/internal/events"
)

func TestCaptureWritesGlobalHeaderAndRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	bus := events.New()

	c, err := New(path, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.OutboundInternetPacket{Protocol: events.TCP, Packet: []byte{0x45, 0, 0, 20}})
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture did not stop")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if len(data) < 24+16+4 {
		t.Fatalf("capture file too short: %d bytes", len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != magicMicroseconds {
		t.Fatalf("magic = %#x, want %#x", magic, magicMicroseconds)
	}
	linkType := binary.LittleEndian.Uint32(data[20:24])
	if linkType != linkTypeRaw {
		t.Fatalf("link type = %d, want %d", linkType, linkTypeRaw)
	}

	inclLen := binary.LittleEndian.Uint32(data[24+8 : 24+12])
	if inclLen != 4 {
		t.Fatalf("record incl_len = %d, want 4", inclLen)
	}
}
