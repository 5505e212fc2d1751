package tunnel

import (
	"io"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/SideStore/onetun/internal/events"
)

// busTUN implements tun.Device by bridging wireguard-go's internal packet
// pipeline to the event bus instead of an OS network interface. The
// naming follows wireguard-go's own convention, where Read is driven by
// its outbound pump (packets leaving the tunnel to be encrypted and
// sent) and Write is called by its inbound pipeline (plaintext packets
// just decrypted from the peer) — see
// other_examples' tstun.Wrapper for the canonical statement of this
// direction convention, which we keep.
//
// Read never produces bytes on its own: a separate goroutine (Session's
// produce task) subscribes to the bus and feeds outboundCh, which Read
// drains. Write runs on wireguard-go's own goroutine and simply
// classifies and republishes.
type busTUN struct {
	bus *events.Bus
	mtu int

	outboundCh chan []byte
	tunEvents  chan tun.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newBusTUN(bus *events.Bus, mtu int) *busTUN {
	t := &busTUN{
		bus:        bus,
		mtu:        mtu,
		outboundCh: make(chan []byte, 256),
		tunEvents:  make(chan tun.Event, 1),
		closed:     make(chan struct{}),
	}
	t.tunEvents <- tun.EventUp
	return t
}

// feed hands a packet from the bus to Read. It returns false if the
// device closed before delivery.
func (t *busTUN) feed(pkt []byte) bool {
	select {
	case t.outboundCh <- pkt:
		return true
	case <-t.closed:
		return false
	}
}

func (t *busTUN) File() *os.File { return nil }

func (t *busTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case pkt, ok := <-t.outboundCh:
		if !ok {
			return 0, io.EOF
		}
		n := copy(bufs[0][offset:], pkt)
		sizes[0] = n
		return 1, nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *busTUN) Write(bufs [][]byte, offset int) (int, error) {
	n := 0
	for _, buf := range bufs {
		if offset >= len(buf) {
			continue
		}
		packet := append([]byte(nil), buf[offset:]...)
		if len(packet) == 0 {
			continue
		}
		t.bus.Publish(events.InboundInternetPacket{
			Protocol: detectProtocol(packet),
			Packet:   packet,
		})
		n++
	}
	return n, nil
}

func (t *busTUN) MTU() (int, error)        { return t.mtu, nil }
func (t *busTUN) Name() (string, error)    { return "onetun", nil }
func (t *busTUN) Events() <-chan tun.Event { return t.tunEvents }
func (t *busTUN) BatchSize() int           { return 1 }

func (t *busTUN) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.tunEvents)
	})
	return nil
}

// detectProtocol inspects an IP packet's L4 protocol field so the
// virtual IP device matching its protocol alone subscribes to it. IPv6
// extension headers are not walked; a next-header value other than TCP
// or UDP falls through to TCP, which is harmless since no virtual
// interface will claim a packet it didn't originate a flow for.
func detectProtocol(pkt []byte) events.Protocol {
	if len(pkt) < 1 {
		return events.TCP
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) > 9 && pkt[9] == 17 {
			return events.UDP
		}
	case 6:
		if len(pkt) > 6 && pkt[6] == 17 {
			return events.UDP
		}
	}
	return events.TCP
}
