// Package viface implements the Virtual TCP/UDP Interface: the embedded
// user-space TCP/IP stack that originates flows toward the tunnel peer's
// virtual address space. gvisor runs its own internal per-NIC dispatch,
// so each flow here is a pair of goroutines over a gvisor endpoint rather
// than a single cooperative poll loop.
//
// Flows always originate from the OS-proxy side accepting a real client
// connection first; the virtual side must then dial out toward the
// tunnel peer's destination. So instead of a tcp.NewForwarder accepting
// an inbound SYN, each flow here manually creates an endpoint, binds it
// to (source_peer_ip, vport), and connects it to forward.destination —
// the same primitives (stack.Endpoint, waiter.Queue, gonet.NewTCPConn)
// a forwarder callback would receive, just assembled for the outbound
// direction. A "virtual server socket" with zero-length buffers — a
// smoltcp-specific trick to make an interface recognize inbound SYNs for
// an address with no real listener — is unnecessary here: gvisor
// demultiplexes by the full four-tuple regardless of whether the remote
// address is locally owned, so no decoy listener is needed.
package viface

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/onetunerrors"
	"github.com/SideStore/onetun/internal/vdevice"
)

const nicID tcpip.NICID = 1

// tcpFlow holds one virtual TCP socket and a growable send queue, mirroring
// the original's per-vport VecDeque<Vec<u8>> so a slow OS-side writer
// backs up in memory rather than blocking the shared event loop.
type tcpFlow struct {
	conn   *gonet.TCPConn
	cancel context.CancelFunc

	mu    sync.Mutex
	queue [][]byte

	signal chan struct{}
}

func newTCPFlow(conn *gonet.TCPConn, cancel context.CancelFunc) *tcpFlow {
	return &tcpFlow{conn: conn, cancel: cancel, signal: make(chan struct{}, 1)}
}

func (f *tcpFlow) enqueue(data []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, data)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *tcpFlow) dequeue() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	data := f.queue[0]
	f.queue = f.queue[1:]
	return data, true
}

// TCPInterface is the Virtual TCP Interface: one embedded stack (with
// both TCP and UDP transport protocols registered) used only for TCP
// flows, one Virtual IP Device, and the live
// set of client flows keyed by virtual port.
type TCPInterface struct {
	sourcePeerIP netip.Addr
	st           *stack.Stack
	device       *vdevice.Device
	bus          *events.Bus

	mu    sync.Mutex
	flows map[events.VirtualPort]*tcpFlow
}

// NewTCPInterface builds the stack, registers sourcePeerIP as the
// interface's own address, and installs a default route so flows can be
// dialed toward any destination the peer might forward to.
func NewTCPInterface(bus *events.Bus, sourcePeerIP netip.Addr, mtu int) (*TCPInterface, error) {
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	dev := vdevice.New(events.TCP, bus, mtu, vdevice.DefaultQueueSize)
	if err := st.CreateNIC(nicID, dev.Endpoint()); err != nil {
		return nil, onetunerrors.Stackf("viface/tcp: create nic: %v", err)
	}
	_ = st.SetPromiscuousMode(nicID, true)
	_ = st.SetSpoofing(nicID, true)
	if err := addHostAddress(st, sourcePeerIP); err != nil {
		return nil, onetunerrors.Stackf("viface/tcp: add address: %v", err)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	return &TCPInterface{
		sourcePeerIP: sourcePeerIP,
		st:           st,
		device:       dev,
		bus:          bus,
		flows:        make(map[events.VirtualPort]*tcpFlow),
	}, nil
}

// Run drives the device pumps and the flow event loop until ctx is done.
func (t *TCPInterface) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.device.InboundPumpTask(gctx) })
	g.Go(func() error { return t.device.DeliverTask(gctx) })
	g.Go(func() error { return t.device.OutboundPumpTask(gctx) })
	g.Go(func() error { return t.eventLoop(gctx) })
	return g.Wait()
}

func (t *TCPInterface) eventLoop(ctx context.Context) error {
	ep := t.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return nil
		}
		switch e := ev.(type) {
		case events.ClientConnectionInitiated:
			if e.Forward.Protocol != events.TCP {
				continue
			}
			go t.openFlow(ctx, e.Forward, e.Port)
		case events.ClientConnectionDropped:
			t.closeFlow(e.Port)
		case events.LocalData:
			if e.Port.Protocol != events.TCP {
				continue
			}
			t.send(e.Port, e.Bytes)
		}
	}
}

func (t *TCPInterface) openFlow(ctx context.Context, fwd events.Forward, vport events.VirtualPort) {
	localAddr, netProto := fullAddress(t.sourcePeerIP, vport.Number)
	remoteAddr, _ := fullAddress(fwd.Destination.Addr(), fwd.Destination.Port())

	var wq waiter.Queue
	ep, tcpErr := t.st.NewEndpoint(tcp.ProtocolNumber, netProto, &wq)
	if tcpErr != nil {
		log.Printf("%v", onetunerrors.Flowf("viface/tcp: new endpoint for %s: %v", fwd.Destination, tcpErr))
		t.bus.Publish(events.ClientConnectionDropped{Port: vport})
		return
	}
	if err := ep.Bind(localAddr); err != nil {
		ep.Close()
		log.Printf("%v", onetunerrors.Flowf("viface/tcp: bind %s: %v", localAddr.Addr, err))
		t.bus.Publish(events.ClientConnectionDropped{Port: vport})
		return
	}

	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.WritableEvents)
	wq.EventRegister(&waitEntry)
	tcpErr = ep.Connect(remoteAddr)
	if _, pending := tcpErr.(*tcpip.ErrConnectStarted); pending {
		<-notifyCh
		tcpErr = ep.LastError()
	}
	wq.EventUnregister(&waitEntry)
	if tcpErr != nil {
		ep.Close()
		log.Printf("%v", onetunerrors.Flowf("viface/tcp: connect %s: %v", fwd.Destination, tcpErr))
		t.bus.Publish(events.ClientConnectionDropped{Port: vport})
		return
	}

	conn := gonet.NewTCPConn(&wq, ep)
	flowCtx, cancel := context.WithCancel(ctx)
	fl := newTCPFlow(conn, cancel)

	t.mu.Lock()
	t.flows[vport] = fl
	t.mu.Unlock()

	go t.pumpSend(flowCtx, fl)
	go t.pumpRecv(vport, fl)
}

func (t *TCPInterface) pumpSend(ctx context.Context, fl *tcpFlow) {
	for {
		data, ok := fl.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-fl.signal:
				continue
			}
		}
		if _, err := fl.conn.Write(data); err != nil {
			return
		}
	}
}

func (t *TCPInterface) pumpRecv(vport events.VirtualPort, fl *tcpFlow) {
	buf := make([]byte, t.device.MTU())
	for {
		n, err := fl.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.bus.Publish(events.RemoteData{Port: vport, Bytes: data})
		}
		if err != nil {
			t.closeFlow(vport)
			return
		}
	}
}

func (t *TCPInterface) closeFlow(vport events.VirtualPort) {
	t.mu.Lock()
	fl, ok := t.flows[vport]
	if ok {
		delete(t.flows, vport)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	fl.cancel()
	_ = fl.conn.Close()
	t.bus.Publish(events.ClientConnectionDropped{Port: vport})
}

func (t *TCPInterface) send(vport events.VirtualPort, data []byte) {
	t.mu.Lock()
	fl, ok := t.flows[vport]
	t.mu.Unlock()
	if !ok {
		return
	}
	fl.enqueue(data)
}

func fullAddress(addr netip.Addr, port uint16) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	if addr.Is4() {
		return tcpip.FullAddress{Addr: tcpip.AddrFrom4(addr.As4()), Port: port}, ipv4.ProtocolNumber
	}
	return tcpip.FullAddress{Addr: tcpip.AddrFrom16(addr.As16()), Port: port}, ipv6.ProtocolNumber
}

func addHostAddress(st *stack.Stack, addr netip.Addr) error {
	full, proto := fullAddress(addr, 0)
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          proto,
		AddressWithPrefix: full.Addr.WithPrefix(),
	}
	if err := st.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("%v", err)
	}
	return nil
}
