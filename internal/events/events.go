// Package events implements the publish/subscribe bus that decouples the
// tunnel session, the virtual IP devices, the virtual TCP/UDP interfaces
// and the proxy servers from one another. Nobody imports anybody else's
// concrete type across that boundary; they only trade Event values.
package events

import "net/netip"

// Protocol identifies which virtual port space and which virtual IP
// device a value belongs to.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// VirtualPort identifies one flow's ephemeral port inside a protocol's
// port pool. Two pools never share numbers meaningfully across protocols,
// so Number alone is not unique without Protocol.
type VirtualPort struct {
	Number   uint16
	Protocol Protocol
}

// Forward is a single configured port-forward, carried on events instead
// of a pointer to config.PortForwardConfig so that this package has no
// dependency on internal/config.
type Forward struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Protocol    Protocol
	Remote      bool
}

// Event is a closed tagged union; subscribers type-switch on the concrete
// type. New variants are added here, never as a generic envelope, so that
// a missing case in a switch is a compile-time-visible gap during review.
type Event interface {
	isEvent()
}

// ClientConnectionInitiated is published once a proxy server has accepted
// an OS-level flow and allocated it a virtual port. The TCP virtual
// interface materializes a socket for it when Forward.Protocol is TCP;
// the UDP interface ignores it and opens a socket on the flow's first
// LocalData instead.
type ClientConnectionInitiated struct {
	Forward Forward
	Port    VirtualPort
}

// ClientConnectionDropped is published either by a proxy server (the OS
// side closed) or by a virtual interface (the virtual socket closed); it
// is idempotent to receive twice for the same port.
type ClientConnectionDropped struct {
	Port VirtualPort
}

// LocalData carries bytes read from the OS-side flow, destined for the
// virtual socket bound to Port.
type LocalData struct {
	Forward Forward
	Port    VirtualPort
	Bytes   []byte
}

// RemoteData carries bytes the virtual socket received from the tunnel
// peer, destined back to the OS-side flow bound to Port.
type RemoteData struct {
	Port  VirtualPort
	Bytes []byte
}

// OutboundInternetPacket is a full IP packet a virtual IP device wants
// encrypted and sent to the tunnel peer.
type OutboundInternetPacket struct {
	Protocol Protocol
	Packet   []byte
}

// InboundInternetPacket is a full IP packet the tunnel session decrypted
// from the peer; Protocol is determined by inspecting the packet's L4
// header so the right virtual IP device alone picks it up.
type InboundInternetPacket struct {
	Protocol Protocol
	Packet   []byte
}

// VirtualDeviceFed is an advisory wakeup hint: a virtual IP device queued
// an inbound packet for Protocol. Consumers built around a cooperative
// poll loop would use this to schedule their next pass sooner; our
// goroutine-driven virtual interfaces don't need it and ignore it.
type VirtualDeviceFed struct {
	Protocol Protocol
}

func (ClientConnectionInitiated) isEvent() {}
func (ClientConnectionDropped) isEvent()   {}
func (LocalData) isEvent()                {}
func (RemoteData) isEvent()               {}
func (OutboundInternetPacket) isEvent()    {}
func (InboundInternetPacket) isEvent()     {}
func (VirtualDeviceFed) isEvent()          {}
