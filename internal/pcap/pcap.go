// Package pcap writes every packet crossing the virtual interfaces to a
// classic libpcap capture file, for offline inspection with tcpdump or
// Wireshark. It subscribes to the bus the same way every other
// collaborator does, buffers writes through a bufio.Writer, and paces
// the writer's flushes with golang.org/x/time/rate so a very chatty
// tunnel can't turn every packet into a write call. The file is never
// fsynced.
package pcap

import (
	"bufio"
	"context"
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/SideStore/onetun/internal/events"
)

const (
	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4
	snapLen           = 65535
	linkTypeRaw       = 101 // LINKTYPE_RAW: no link-layer header, IP packets only
)

// flushInterval bounds how often the buffered writer is flushed to the
// file even under sustained traffic; individual writes still go to the
// buffered writer immediately.
const flushInterval = 500 * time.Millisecond

// Capture writes OutboundInternetPacket and InboundInternetPacket events
// to a pcap file as they occur.
type Capture struct {
	bus     *events.Bus
	file    *os.File
	w       *bufio.Writer
	limiter *rate.Limiter
}

// New opens (truncating) path and writes the pcap global header.
func New(path string, bus *events.Bus) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if err := writeGlobalHeader(w); err != nil {
		f.Close()
		return nil, err
	}
	return &Capture{
		bus:     bus,
		file:    f,
		w:       w,
		limiter: rate.NewLimiter(rate.Every(flushInterval), 1),
	}, nil
}

func writeGlobalHeader(w *bufio.Writer) error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// thiszone, sigfigs left zero
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeRaw)
	_, err := w.Write(hdr[:])
	return err
}

// Run subscribes to the bus and writes every internet packet event until
// ctx is done, flushing and closing the file on exit.
func (c *Capture) Run(ctx context.Context) error {
	defer c.file.Close()
	ep := c.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			_ = c.w.Flush()
			return nil
		}
		var pkt []byte
		switch e := ev.(type) {
		case events.OutboundInternetPacket:
			pkt = e.Packet
		case events.InboundInternetPacket:
			pkt = e.Packet
		default:
			continue
		}
		if err := c.writeRecord(pkt); err != nil {
			return err
		}
		if c.limiter.Allow() {
			if err := c.w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (c *Capture) writeRecord(pkt []byte) error {
	now := timeNow()
	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(pkt)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(pkt)))
	if _, err := c.w.Write(rec[:]); err != nil {
		return err
	}
	_, err := c.w.Write(pkt)
	return err
}

// timeNow is indirected so tests can substitute a fixed clock.
var timeNow = time.Now
