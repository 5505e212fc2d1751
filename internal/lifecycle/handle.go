// Package lifecycle wires every other package into one running tunnel:
// the event bus, the WireGuard session, the virtual TCP/UDP interfaces,
// and the OS-facing proxy servers for each configured forward. Handle is
// the single object callers (the CLI, the FFI surface) hold to start and
// stop all of it, centralizing startup sequencing and shutdown in one
// place instead of scattering it across each entry point.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/SideStore/onetun/internal/config"
	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/pcap"
	"github.com/SideStore/onetun/internal/portpool"
	"github.com/SideStore/onetun/internal/proxy"
	"github.com/SideStore/onetun/internal/tunnel"
	"github.com/SideStore/onetun/internal/viface"
)

// Handle is a running tunnel: a WireGuard session, a pair of virtual
// interfaces, and one OS-facing proxy task per configured forward. The
// zero value is not usable; construct one with Start.
type Handle struct {
	bus     *events.Bus
	session *tunnel.Session

	cancel   context.CancelFunc
	done     chan struct{}
	killOnce sync.Once
	runErr   error
}

// Start brings up the full tunnel described by cfg and returns once every
// component has begun running. The returned Handle's Kill tears
// everything down again.
func Start(cfg *config.Config) (*Handle, error) {
	for _, w := range cfg.Warnings {
		log.Printf("onetun: warning: %s", w)
	}

	bus := events.New()

	session, err := tunnel.New(cfg, bus, cfg.LogFilter)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: start tunnel session: %w", err)
	}

	tcpIface, err := viface.NewTCPInterface(bus, cfg.SourcePeerIP, cfg.MaxTransmissionUnit)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("lifecycle: build tcp interface: %w", err)
	}

	var remoteForwards []events.Forward
	for _, pf := range cfg.PortForwards {
		if pf.Remote {
			remoteForwards = append(remoteForwards, pf.ToForward())
		}
	}
	udpIface, err := viface.NewUDPInterface(bus, cfg.SourcePeerIP, cfg.MaxTransmissionUnit, remoteForwards)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("lifecycle: build udp interface: %w", err)
	}

	tcpPool := portpool.New(events.TCP)
	udpPool := portpool.New(events.UDP)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return session.ProduceTask(gctx) })
	g.Go(func() error { return session.ConsumeTask(gctx) })
	g.Go(func() error { return session.RoutineTask(gctx) })
	g.Go(func() error { return tcpIface.Run(gctx) })
	g.Go(func() error { return udpIface.Run(gctx) })

	for _, pf := range cfg.PortForwards {
		pf := pf
		fwd := pf.ToForward()
		switch {
		case pf.Protocol == events.TCP && !pf.Remote:
			srv := proxy.NewTCPServer(fwd, tcpPool, bus)
			g.Go(func() error { return srv.Run(gctx) })
		case pf.Protocol == events.UDP && !pf.Remote:
			srv := proxy.NewUDPServer(fwd, udpPool, bus)
			g.Go(func() error { return srv.Run(gctx) })
		case pf.Protocol == events.UDP && pf.Remote:
			vport := events.VirtualPort{Number: fwd.Source.Port(), Protocol: events.UDP}
			client := proxy.NewRemoteUDPClient(fwd, vport, bus)
			g.Go(func() error { return client.Run(gctx) })
		}
	}

	if cfg.PcapFile != "" {
		capture, err := pcap.New(cfg.PcapFile, bus)
		if err != nil {
			cancel()
			session.Close()
			return nil, fmt.Errorf("lifecycle: open pcap file: %w", err)
		}
		g.Go(func() error { return capture.Run(gctx) })
	}

	h := &Handle{
		bus:     bus,
		session: session,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		h.runErr = g.Wait()
		session.Close()
		close(h.done)
	}()

	log.Printf("onetun: forwarders running")
	return h, nil
}

// StartBlocking brings up the tunnel described by cfg and then blocks
// until it stops, whether from an internal failure or an external Kill
// call on the Handle it was given. Callers that just want to run the
// tunnel until something else shuts it down should use this instead of
// calling Start and Wait separately.
func StartBlocking(cfg *config.Config) (*Handle, error) {
	h, err := Start(cfg)
	if err != nil {
		return nil, err
	}
	return h, h.Wait()
}

// Wait blocks until every running component has stopped, without
// requesting shutdown itself. Use Kill to both request shutdown and wait
// for it.
func (h *Handle) Wait() error {
	<-h.done
	return h.runErr
}

// Established reports whether the WireGuard handshake has completed.
func (h *Handle) Established() bool { return h.session.Established() }

// Bus exposes the event bus for callers that want to observe tunnel
// activity directly (metrics, FFI bridges).
func (h *Handle) Bus() *events.Bus { return h.bus }

// Kill stops every running component and waits for shutdown to finish.
// It is safe to call more than once.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		h.cancel()
	})
	<-h.done
	return h.runErr
}
