// Package proxy implements the OS-facing side of each port forward: the
// plain TCP listeners and UDP sockets a local process actually connects
// to, and the dial-out sockets a remote-initiated forward relays through.
// Each accepted connection or learned peer becomes a virtual port and a
// stream of LocalData/RemoteData events on the bus, with one
// accept-loop goroutine per listener and one goroutine pair per
// connection pumping data to and from the tunnel.
package proxy

import (
	"context"
	"log"
	"net"

	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/onetunerrors"
	"github.com/SideStore/onetun/internal/portpool"
)

// TCPServer listens on one local forward's source address and, for every
// accepted connection, allocates a virtual port and relays bytes to and
// from the bus.
type TCPServer struct {
	forward events.Forward
	pool    *portpool.Pool
	bus     *events.Bus
}

// NewTCPServer constructs a server for a single TCP local forward. Remote
// forwards are UDP only (rejected at config load otherwise), so there is
// no remote-forward TCP counterpart to this server.
func NewTCPServer(fwd events.Forward, pool *portpool.Pool, bus *events.Bus) *TCPServer {
	return &TCPServer{forward: fwd, pool: pool, bus: bus}
}

// Run listens on the forward's source address and serves connections
// until ctx is canceled.
func (s *TCPServer) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.forward.Source.String())
	if err != nil {
		return err
	}
	log.Printf("proxy/tcp: listening on %s -> %s", s.forward.Source, s.forward.Destination)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handle(ctx, c)
	}
}

func (s *TCPServer) handle(ctx context.Context, c net.Conn) {
	defer c.Close()

	vport, err := s.pool.Allocate(c)
	if err != nil {
		log.Printf("%v", onetunerrors.Flowf("proxy/tcp: allocate virtual port: %v", err))
		return
	}
	// Deferred right after Allocate, before any pump runs, so every
	// return path below releases the virtual port.
	defer s.pool.Release(vport)

	ep := s.bus.Subscribe()
	defer ep.Close()

	s.bus.Publish(events.ClientConnectionInitiated{Forward: s.forward, Port: vport})
	defer s.bus.Publish(events.ClientConnectionDropped{Port: vport})

	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pumpToTunnel(flowCtx, cancel, c, vport)
	s.pumpFromTunnel(flowCtx, ep, c, vport)
}

func (s *TCPServer) pumpToTunnel(ctx context.Context, cancel context.CancelFunc, c net.Conn, vport events.VirtualPort) {
	defer cancel()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.bus.Publish(events.LocalData{Forward: s.forward, Port: vport, Bytes: data})
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *TCPServer) pumpFromTunnel(ctx context.Context, ep *events.Endpoint, c net.Conn, vport events.VirtualPort) {
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return
		}
		if dropped, ok := ev.(events.ClientConnectionDropped); ok && dropped.Port == vport {
			return
		}
		rd, ok := ev.(events.RemoteData)
		if !ok || rd.Port != vport {
			continue
		}
		if _, err := c.Write(rd.Bytes); err != nil {
			return
		}
	}
}
