package proxy

import (
	"context"
	"log"
	"net"

	"github.com/SideStore/onetun/internal/events"
)

// RemoteUDPClient is the OS-side half of a remote-initiated UDP forward.
// Unlike a local forward, which waits for a peer and learns its address
// passively, a remote forward's destination is known up front from
// configuration: the tunnel peer dials in through the virtual interface
// and this component is the real socket on the other side, dialing out
// once and relaying for as long as the forward lives: a single outbound
// socket with one goroutine pumping each direction.
type RemoteUDPClient struct {
	forward events.Forward
	vport   events.VirtualPort
	bus     *events.Bus
}

// NewRemoteUDPClient constructs the relay for one pre-registered remote
// UDP forward. vport must match the virtual port the interface bound for
// this forward's source address.
func NewRemoteUDPClient(fwd events.Forward, vport events.VirtualPort, bus *events.Bus) *RemoteUDPClient {
	return &RemoteUDPClient{forward: fwd, vport: vport, bus: bus}
}

// Run dials the forward's destination and relays until ctx is canceled
// or the socket errors.
func (r *RemoteUDPClient) Run(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", r.forward.Destination.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("proxy/remoteudp: relaying vport %d <-> %s", r.vport.Number, r.forward.Destination)

	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-flowCtx.Done()
		_ = conn.Close()
	}()

	go r.pumpToTunnel(flowCtx, cancel, conn)
	r.pumpFromTunnel(flowCtx, conn)
	return nil
}

func (r *RemoteUDPClient) pumpToTunnel(ctx context.Context, cancel context.CancelFunc, conn net.Conn) {
	defer cancel()
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			r.bus.Publish(events.LocalData{Forward: r.forward, Port: r.vport, Bytes: data})
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

func (r *RemoteUDPClient) pumpFromTunnel(ctx context.Context, conn net.Conn) {
	ep := r.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return
		}
		rd, ok := ev.(events.RemoteData)
		if !ok || rd.Port != r.vport {
			continue
		}
		if _, err := conn.Write(rd.Bytes); err != nil {
			return
		}
	}
}
