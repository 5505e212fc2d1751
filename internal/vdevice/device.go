// Package vdevice adapts gvisor's channel.Endpoint into the bus-facing
// Virtual IP Device described by the tunnel design: one instance per
// protocol, bridging InboundInternetPacket/OutboundInternetPacket events
// to an embedded TCP/IP stack's NIC instead of an OS network interface.
// Inbound packets are queued then injected into the stack; outbound
// packets are drained from the stack's link endpoint and published to
// the bus, with the OS TUN read/write replaced by a bounded queue fed
// from and to the bus.
package vdevice

import (
	"context"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/SideStore/onetun/internal/events"
)

// DefaultQueueSize is the default bound on the inbound queue (spec:
// "default 128").
const DefaultQueueSize = 128

// Device is the Virtual IP Device for one protocol: it owns a gvisor
// channel.Endpoint usable as a stack.Stack NIC, and the bus plumbing that
// feeds it from, and drains it to, the rest of the process.
type Device struct {
	protocol events.Protocol
	bus      *events.Bus
	ep       *channel.Endpoint
	mtu      int

	queue chan []byte
}

// New constructs a Device for protocol with the given MTU and bounded
// inbound queue size.
func New(protocol events.Protocol, bus *events.Bus, mtu int, queueSize int) *Device {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Device{
		protocol: protocol,
		bus:      bus,
		ep:       channel.New(queueSize, uint32(mtu), ""),
		mtu:      mtu,
		queue:    make(chan []byte, queueSize),
	}
}

// Endpoint returns the link endpoint to attach to a stack.Stack NIC.
func (d *Device) Endpoint() *channel.Endpoint { return d.ep }

// MTU returns the device's configured MTU.
func (d *Device) MTU() int { return d.mtu }

// InboundPumpTask subscribes to the bus for InboundInternetPacket events
// matching this device's protocol, enqueues them (dropping the oldest
// queued packet on overflow), and publishes VirtualDeviceFed. It returns
// when ctx is done.
func (d *Device) InboundPumpTask(ctx context.Context) error {
	ep := d.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return nil
		}
		pkt, ok := ev.(events.InboundInternetPacket)
		if !ok || pkt.Protocol != d.protocol {
			continue
		}
		enqueue(d.queue, pkt.Packet)
		d.bus.Publish(events.VirtualDeviceFed{Protocol: d.protocol})
	}
}

// enqueue pushes data onto queue, dropping the oldest queued packet to
// make room if it is full. Extracted so overflow behavior is unit
// testable without a gvisor stack.
func enqueue(queue chan []byte, data []byte) {
	select {
	case queue <- data:
		return
	default:
	}
	select {
	case <-queue:
	default:
	}
	select {
	case queue <- data:
	default:
	}
}

// DeliverTask drains the inbound queue into the embedded stack via
// InjectInbound. It returns when ctx is done.
func (d *Device) DeliverTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-d.queue:
			proto, ok := networkProtocolOf(pkt)
			if !ok {
				continue
			}
			pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(pkt),
			})
			d.ep.InjectInbound(proto, pb)
			pb.DecRef()
		}
	}
}

// OutboundPumpTask drains packets the embedded stack wants to transmit
// and publishes them as OutboundInternetPacket. It returns when ctx is
// done, polling the link endpoint with a short sleep between empty
// reads rather than blocking, since channel.Endpoint.Read is
// non-blocking by design.
func (d *Device) OutboundPumpTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pb := d.ep.Read()
		if pb == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
			continue
		}
		v := pb.ToView()
		data := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()
		if len(data) == 0 {
			continue
		}
		d.bus.Publish(events.OutboundInternetPacket{Protocol: d.protocol, Packet: data})
	}
}

func networkProtocolOf(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}
