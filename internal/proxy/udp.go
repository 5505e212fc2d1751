package proxy

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/onetunerrors"
	"github.com/SideStore/onetun/internal/portpool"
)

// udpIdleTimeout bounds how long a flow's virtual port is held after its
// last datagram: long enough to survive a quiet DNS/NTP client, short
// enough not to leak virtual ports under sustained churn.
const udpIdleTimeout = 2 * time.Minute

// udpFlow tracks one client peer address seen on the listening socket.
// Idle expiry itself is tracked by the port pool (Touch/GC); this struct
// only needs the reverse mapping from virtual port back to OS peer.
type udpFlow struct {
	vport events.VirtualPort
	peer  net.Addr
}

// UDPServer listens on one local forward's source address, keying flows
// by the OS-side client's address, and garbage-collects idle flows
// periodically.
type UDPServer struct {
	forward events.Forward
	pool    *portpool.Pool
	bus     *events.Bus

	conn net.PacketConn

	flowsMu sync.Mutex
	flows   map[string]*udpFlow
	byPort  map[events.VirtualPort]*udpFlow
}

// NewUDPServer constructs a server for a single UDP local forward.
func NewUDPServer(fwd events.Forward, pool *portpool.Pool, bus *events.Bus) *UDPServer {
	return &UDPServer{
		forward: fwd,
		pool:    pool,
		bus:     bus,
		flows:   make(map[string]*udpFlow),
		byPort:  make(map[events.VirtualPort]*udpFlow),
	}
}

// Run opens the listening socket and serves datagrams until ctx is
// canceled.
func (s *UDPServer) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", s.forward.Source.String())
	if err != nil {
		return err
	}
	s.conn = pc
	log.Printf("proxy/udp: listening on %s -> %s", s.forward.Source, s.forward.Destination)

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.gcLoop(flowCtx)
	go s.pumpFromTunnel(flowCtx)

	buf := make([]byte, 65535)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		data := append([]byte(nil), buf[:n]...)
		s.handleDatagram(addr, data)
	}
}

func (s *UDPServer) handleDatagram(addr net.Addr, data []byte) {
	key := addr.String()

	s.flowsMu.Lock()
	fl, ok := s.flows[key]
	s.flowsMu.Unlock()

	if !ok {
		vport, err := s.pool.Allocate(addr)
		if err != nil {
			log.Printf("%v", onetunerrors.Flowf("proxy/udp: allocate virtual port: %v", err))
			return
		}
		fl = &udpFlow{vport: vport, peer: addr}
		s.flowsMu.Lock()
		s.flows[key] = fl
		s.byPort[vport] = fl
		s.flowsMu.Unlock()
		s.bus.Publish(events.ClientConnectionInitiated{Forward: s.forward, Port: vport})
	}
	s.pool.Touch(fl.vport)
	s.bus.Publish(events.LocalData{Forward: s.forward, Port: fl.vport, Bytes: data})
}

func (s *UDPServer) pumpFromTunnel(ctx context.Context) {
	ep := s.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return
		}
		rd, ok := ev.(events.RemoteData)
		if !ok {
			continue
		}
		s.flowsMu.Lock()
		fl, ok := s.byPort[rd.Port]
		s.flowsMu.Unlock()
		if !ok {
			continue
		}
		if _, err := s.conn.WriteTo(rd.Bytes, fl.peer); err != nil {
			return
		}
	}
}

func (s *UDPServer) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gcOnce()
		}
	}
}

func (s *UDPServer) gcOnce() {
	for _, vport := range s.pool.GC(udpIdleTimeout) {
		s.flowsMu.Lock()
		fl, ok := s.byPort[vport]
		if ok {
			delete(s.byPort, vport)
			delete(s.flows, fl.peer.String())
		}
		s.flowsMu.Unlock()
		if ok {
			s.bus.Publish(events.ClientConnectionDropped{Port: vport})
		}
	}
}
