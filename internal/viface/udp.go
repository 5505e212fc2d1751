package viface

import (
	"context"
	"fmt"
	"log"
	"net"
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

// udpQueued is one pending outbound datagram. pumpSend does not read
// dest: a local flow writes to its connected destination and a
// remote-initiated flow to the peer address learned from its first
// inbound packet. Every caller currently enqueues with a nil dest.
type udpQueued struct {
	dest net.Addr
	data []byte
}

// udpFlow holds one virtual UDP socket. For a local forward the
// destination never varies between datagrams (it is the forward's
// configured destination), so the socket is connected once at creation;
// for a remote forward the socket is bound but unconnected and the peer
// address is learned from the first datagram it receives and cached for
// subsequent writes.
type udpFlow struct {
	conn   *gonet.UDPConn
	remote bool
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []udpQueued

	signal chan struct{}

	learnedMu sync.Mutex
	learned   net.Addr
}

func newUDPFlow(conn *gonet.UDPConn, remote bool, cancel context.CancelFunc) *udpFlow {
	return &udpFlow{conn: conn, remote: remote, cancel: cancel, signal: make(chan struct{}, 1)}
}

func (f *udpFlow) enqueue(dest net.Addr, data []byte) {
	f.mu.Lock()
	f.queue = append(f.queue, udpQueued{dest: dest, data: data})
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *udpFlow) dequeue() (udpQueued, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return udpQueued{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

func (f *udpFlow) setLearned(addr net.Addr) {
	f.learnedMu.Lock()
	f.learned = addr
	f.learnedMu.Unlock()
}

func (f *udpFlow) getLearned() net.Addr {
	f.learnedMu.Lock()
	defer f.learnedMu.Unlock()
	return f.learned
}

// UDPInterface is the Virtual UDP Interface: one embedded stack (with
// both TCP and UDP transport protocols registered) used only for UDP
// flows. Local forwards materialize a socket
// lazily on first LocalData; remote forwards pre-bind their socket at
// construction time so the peer can reach them immediately.
type UDPInterface struct {
	sourcePeerIP netip.Addr
	st           *stack.Stack
	device       *vdevice.Device
	bus          *events.Bus

	mu    sync.Mutex
	flows map[events.VirtualPort]*udpFlow
}

// NewUDPInterface builds the stack and pre-binds a socket for every
// remote-initiated UDP forward in remoteForwards.
func NewUDPInterface(bus *events.Bus, sourcePeerIP netip.Addr, mtu int, remoteForwards []events.Forward) (*UDPInterface, error) {
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	dev := vdevice.New(events.UDP, bus, mtu, vdevice.DefaultQueueSize)
	if err := st.CreateNIC(nicID, dev.Endpoint()); err != nil {
		return nil, onetunerrors.Stackf("viface/udp: create nic: %v", err)
	}
	_ = st.SetPromiscuousMode(nicID, true)
	_ = st.SetSpoofing(nicID, true)
	if err := addHostAddress(st, sourcePeerIP); err != nil {
		return nil, onetunerrors.Stackf("viface/udp: add address: %v", err)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	iface := &UDPInterface{
		sourcePeerIP: sourcePeerIP,
		st:           st,
		device:       dev,
		bus:          bus,
		flows:        make(map[events.VirtualPort]*udpFlow),
	}

	for _, fwd := range remoteForwards {
		if fwd.Protocol != events.UDP || !fwd.Remote {
			continue
		}
		vport := events.VirtualPort{Number: fwd.Source.Port(), Protocol: events.UDP}
		if err := iface.bindRemoteFlow(context.Background(), vport, fwd.Source.Addr()); err != nil {
			return nil, onetunerrors.Stackf("viface/udp: remote forward %s: %v", fwd.Source, err)
		}
	}

	return iface, nil
}

// Run drives the device pumps and the flow event loop until ctx is done.
func (u *UDPInterface) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.device.InboundPumpTask(gctx) })
	g.Go(func() error { return u.device.DeliverTask(gctx) })
	g.Go(func() error { return u.device.OutboundPumpTask(gctx) })
	g.Go(func() error { return u.eventLoop(gctx) })
	return g.Wait()
}

func (u *UDPInterface) eventLoop(ctx context.Context) error {
	ep := u.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return nil
		}
		switch e := ev.(type) {
		case events.ClientConnectionDropped:
			u.closeFlow(e.Port)
		case events.LocalData:
			if e.Port.Protocol != events.UDP {
				continue
			}
			u.handleLocalData(ctx, e)
		}
	}
}

func (u *UDPInterface) handleLocalData(ctx context.Context, e events.LocalData) {
	u.mu.Lock()
	fl, ok := u.flows[e.Port]
	u.mu.Unlock()
	if ok {
		fl.enqueue(nil, e.Bytes)
		return
	}
	newFlow, err := u.openLocalFlow(ctx, e.Forward, e.Port)
	if err != nil {
		log.Printf("%v", onetunerrors.Flowf("viface/udp: open flow for %s: %v", e.Forward.Destination, err))
		u.bus.Publish(events.ClientConnectionDropped{Port: e.Port})
		return
	}
	newFlow.enqueue(nil, e.Bytes)
}

func (u *UDPInterface) openLocalFlow(ctx context.Context, fwd events.Forward, vport events.VirtualPort) (*udpFlow, error) {
	localAddr, netProto := fullAddress(u.sourcePeerIP, vport.Number)
	remoteAddr, _ := fullAddress(fwd.Destination.Addr(), fwd.Destination.Port())

	var wq waiter.Queue
	ep, tcpErr := u.st.NewEndpoint(udp.ProtocolNumber, netProto, &wq)
	if tcpErr != nil {
		return nil, fmt.Errorf("new endpoint: %v", tcpErr)
	}
	if err := ep.Bind(localAddr); err != nil {
		ep.Close()
		return nil, fmt.Errorf("bind: %v", err)
	}
	if err := ep.Connect(remoteAddr); err != nil {
		ep.Close()
		return nil, fmt.Errorf("connect: %v", err)
	}

	conn := gonet.NewUDPConn(&wq, ep)
	flowCtx, cancel := context.WithCancel(ctx)
	fl := newUDPFlow(conn, false, cancel)

	u.mu.Lock()
	u.flows[vport] = fl
	u.mu.Unlock()

	go u.pumpSend(flowCtx, fl)
	go u.pumpRecv(vport, fl)
	return fl, nil
}

func (u *UDPInterface) bindRemoteFlow(ctx context.Context, vport events.VirtualPort, localVirtualAddr netip.Addr) error {
	localAddr, netProto := fullAddress(localVirtualAddr, vport.Number)

	var wq waiter.Queue
	ep, tcpErr := u.st.NewEndpoint(udp.ProtocolNumber, netProto, &wq)
	if tcpErr != nil {
		return fmt.Errorf("new endpoint: %v", tcpErr)
	}
	if err := ep.Bind(localAddr); err != nil {
		ep.Close()
		return fmt.Errorf("bind: %v", err)
	}

	conn := gonet.NewUDPConn(&wq, ep)
	flowCtx, cancel := context.WithCancel(ctx)
	fl := newUDPFlow(conn, true, cancel)

	u.mu.Lock()
	u.flows[vport] = fl
	u.mu.Unlock()

	go u.pumpSend(flowCtx, fl)
	go u.pumpRecv(vport, fl)
	return nil
}

func (u *UDPInterface) pumpSend(ctx context.Context, fl *udpFlow) {
	for {
		item, ok := fl.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-fl.signal:
				continue
			}
		}
		if fl.remote {
			dest := fl.getLearned()
			if dest == nil {
				continue // no peer heard from yet; UDP loss is acceptable
			}
			if _, err := fl.conn.WriteTo(item.data, dest); err != nil {
				return
			}
			continue
		}
		if _, err := fl.conn.Write(item.data); err != nil {
			return
		}
	}
}

func (u *UDPInterface) pumpRecv(vport events.VirtualPort, fl *udpFlow) {
	buf := make([]byte, u.device.MTU())
	for {
		n, addr, err := fl.conn.ReadFrom(buf)
		if n > 0 {
			if fl.remote {
				fl.setLearned(addr)
			}
			data := append([]byte(nil), buf[:n]...)
			u.bus.Publish(events.RemoteData{Port: vport, Bytes: data})
		}
		if err != nil {
			// Remote-initiated sockets are pre-bound for the whole
			// process lifetime and never reaped on a transient read
			// error; only flow-owned local sockets get torn down here.
			if !fl.remote {
				u.closeFlow(vport)
			}
			return
		}
	}
}

func (u *UDPInterface) closeFlow(vport events.VirtualPort) {
	u.mu.Lock()
	fl, ok := u.flows[vport]
	if ok && !fl.remote {
		delete(u.flows, vport)
	}
	u.mu.Unlock()
	if !ok || fl.remote {
		return
	}
	fl.cancel()
	_ = fl.conn.Close()
	u.bus.Publish(events.ClientConnectionDropped{Port: vport})
}
