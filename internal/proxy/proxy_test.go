package proxy

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/portpool"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return ap
}

func TestTCPServerRelaysClientToTunnelAndBack(t *testing.T) {
	bus := events.New()
	pool := portpool.New(events.TCP)
	fwd := events.Forward{
		Source:      mustAddrPort(t, "127.0.0.1:0"),
		Destination: mustAddrPort(t, "10.0.0.1:80"),
		Protocol:    events.TCP,
	}

	// Bind an ephemeral listener manually first so we know which port to
	// dial, then hand that exact address to the server under test.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	fwd.Source = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(addr.Port))

	srv := NewTCPServer(fwd, pool, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	ep := bus.Subscribe()
	defer ep.Close()

	conn, err := net.Dial("tcp", fwd.Source.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var vport events.VirtualPort

	// Drain events looking for ClientConnectionInitiated then LocalData.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	var gotData []byte
	for {
		ev, err := ep.Recv(ctx2)
		if err != nil {
			t.Fatalf("waiting for events: %v", err)
		}
		switch e := ev.(type) {
		case events.ClientConnectionInitiated:
			vport = e.Port
		case events.LocalData:
			gotData = e.Bytes
		}
		if vport.Number != 0 && gotData != nil {
			break
		}
	}
	if string(gotData) != "hello" {
		t.Fatalf("LocalData bytes = %q, want %q", gotData, "hello")
	}

	bus.Publish(events.RemoteData{Port: vport, Bytes: []byte("world")})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("client read %q, want %q", buf[:n], "world")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
}

func TestUDPServerPublishesInitiatedForNewPeer(t *testing.T) {
	bus := events.New()
	pool := portpool.New(events.UDP)
	fwd := events.Forward{
		Destination: mustAddrPort(t, "10.0.0.1:53"),
		Protocol:    events.UDP,
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := pc.LocalAddr().(*net.UDPAddr)
	pc.Close()
	fwd.Source = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(addr.Port))

	srv := NewUDPServer(fwd, pool, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	ep := bus.Subscribe()
	defer ep.Close()

	client, err := net.Dial("udp", fwd.Source.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	for {
		ev, err := ep.Recv(ctx2)
		if err != nil {
			t.Fatalf("waiting for ClientConnectionInitiated: %v", err)
		}
		if _, ok := ev.(events.ClientConnectionInitiated); ok {
			break
		}
	}
}
