// Package tunnel implements the Tunnel Session: the WireGuard peer
// relationship carried over the outer UDP socket. It wraps
// golang.zx2c4.com/wireguard/device.Device around a custom tun.Device
// (busTUN) that bridges to the event bus instead of an OS network
// interface, which gives the real WireGuard wire protocol (Curve25519,
// ChaCha20-Poly1305, cookie replies, replay protection) for free instead
// of a hand-rolled reimplementation. The bridging pattern is grounded in
// other_examples' tstun.Wrapper (Tailscale) and MultihopTun (Mullvad),
// cross-validated by gvisor+wireguard-go used together in Teleport VNet.
package tunnel

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"

	"github.com/SideStore/onetun/internal/config"
	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/xlog"
)

// Session owns the outer UDP socket (via conn.Bind) and the WireGuard
// protocol state machine (via device.Device), relaying plaintext IP
// packets to and from the bus.
type Session struct {
	bus    *events.Bus
	dev    *device.Device
	tun    *busTUN
	logger *xlog.Logger

	established   atomic.Bool
	lastHandshake atomic.Int64
}

// New configures and brings up a Session for cfg, publishing decrypted
// packets on bus and consuming OutboundInternetPacket from it.
func New(cfg *config.Config, bus *events.Bus, logFilter string) (*Session, error) {
	t := newBusTUN(bus, cfg.MaxTransmissionUnit)
	bind := conn.NewDefaultBind()

	level := device.LogLevelError
	switch xlog.ParseLevel(logFilter) {
	case xlog.LevelDebug, xlog.LevelTrace:
		level = device.LogLevelVerbose
	}
	dev := device.NewDevice(t, bind, device.NewLogger(level, "tunnel: "))

	uapi := buildUAPIConfig(cfg)
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunnel: configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunnel: bring device up: %w", err)
	}

	return &Session{
		bus:    bus,
		dev:    dev,
		tun:    t,
		logger: xlog.New("tunnel: ", xlog.ParseLevel(logFilter)),
	}, nil
}

func buildUAPIConfig(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(cfg.PrivateKey[:]))
	fmt.Fprintf(&b, "listen_port=0\n")
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(cfg.PeerPublicKey[:]))
	if cfg.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", hex.EncodeToString(cfg.PresharedKey[:]))
	}
	fmt.Fprintf(&b, "endpoint=%s\n", cfg.Endpoint.String())
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", cfg.KeepaliveSeconds)
	fmt.Fprintf(&b, "allowed_ip=0.0.0.0/0\n")
	fmt.Fprintf(&b, "allowed_ip=::/0\n")
	return b.String()
}

// ProduceTask subscribes to the bus for OutboundInternetPacket events and
// feeds them to the WireGuard device for encryption and transmission.
// Whether the session has completed a handshake is delegated entirely to
// wireguard-go, which stages outbound packets and triggers a handshake on
// demand; we don't gate delivery here.
func (s *Session) ProduceTask(ctx context.Context) error {
	ep := s.bus.Subscribe()
	defer ep.Close()
	for {
		ev, err := ep.Recv(ctx)
		if err != nil {
			return nil
		}
		pkt, ok := ev.(events.OutboundInternetPacket)
		if !ok {
			continue
		}
		if !s.tun.feed(pkt.Packet) {
			return nil
		}
	}
}

// ConsumeTask supervises the tunnel's decrypt path. wireguard-go decrypts
// inbound datagrams and delivers plaintext packets via busTUN.Write on
// its own internal goroutines; there is no per-packet hook to loop over
// here, so this task's only job is to block until shutdown.
func (s *Session) ConsumeTask(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// RoutineTask polls the device's UAPI status every 250ms to track
// handshake liveness for logging and observability purposes.
func (s *Session) RoutineTask(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshStatus()
		}
	}
}

func (s *Session) refreshStatus() {
	conf, err := s.dev.IpcGet()
	if err != nil {
		s.logger.Errorf("ipc get: %v", err)
		return
	}
	for _, line := range strings.Split(conf, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "last_handshake_time_sec" {
			continue
		}
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil || sec <= 0 {
			continue
		}
		if prev := s.lastHandshake.Swap(sec); prev == 0 {
			s.logger.Infof("handshake established")
		}
		s.established.Store(true)
	}
}

// Established reports whether the session has completed at least one
// handshake.
func (s *Session) Established() bool { return s.established.Load() }

// LastHandshake returns the unix-seconds timestamp of the most recent
// handshake, or 0 if none has completed.
func (s *Session) LastHandshake() int64 { return s.lastHandshake.Load() }

// Close tears the device down, which also unblocks busTUN's Read/Write
// and stops wireguard-go's internal goroutines.
func (s *Session) Close() error {
	s.dev.Close()
	return nil
}
