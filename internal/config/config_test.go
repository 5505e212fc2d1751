package config

import (
	"encoding/base64"
	"flag"
	"strings"
	"testing"

	"github.com/SideStore/onetun/internal/events"
)

func b64of(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func baseArgs(extra ...string) []string {
	args := []string{
		"--endpoint", "203.0.113.1:51820",
		"--source-peer-ip", "10.6.0.2",
		"--private-key", b64of(1),
		"--peer-public-key", b64of(2),
		"--port-forward", "8080:10.6.0.1:80/tcp",
	}
	return append(args, extra...)
}

func TestParseArgsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	cfg, err := ParseArgs(fs, baseArgs())
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if cfg.MaxTransmissionUnit != DefaultMTU {
		t.Errorf("mtu = %d, want %d", cfg.MaxTransmissionUnit, DefaultMTU)
	}
	if cfg.KeepaliveSeconds != DefaultKeepaliveSecs {
		t.Errorf("keepalive = %d, want %d", cfg.KeepaliveSeconds, DefaultKeepaliveSecs)
	}
	if len(cfg.PortForwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(cfg.PortForwards))
	}
	pf := cfg.PortForwards[0]
	if pf.Protocol != events.TCP || pf.Remote {
		t.Errorf("unexpected forward: %#v", pf)
	}
	if pf.Source.Addr().String() != "127.0.0.1" || pf.Source.Port() != 8080 {
		t.Errorf("unexpected source: %s", pf.Source)
	}
	if pf.Destination.Addr().String() != "10.6.0.1" || pf.Destination.Port() != 80 {
		t.Errorf("unexpected destination: %s", pf.Destination)
	}
}

func TestParseArgsRejectsRemoteTCP(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	_, err := ParseArgs(fs, baseArgs("--port-forward", "REMOTE:9090:10.6.0.1:443/tcp"))
	if err == nil {
		t.Fatal("expected error rejecting remote TCP forward")
	}
	if !strings.Contains(err.Error(), "remote TCP") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseArgsAcceptsRemoteUDP(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	cfg, err := ParseArgs(fs, baseArgs("--port-forward", "REMOTE:127.0.0.1:5353:10.6.0.1:53/udp"))
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if len(cfg.PortForwards) != 2 {
		t.Fatalf("forwards = %d, want 2", len(cfg.PortForwards))
	}
	remote := cfg.PortForwards[1]
	if !remote.Remote || remote.Protocol != events.UDP {
		t.Errorf("unexpected remote forward: %#v", remote)
	}
	if remote.Source.Addr().String() != "127.0.0.1" || remote.Source.Port() != 5353 {
		t.Errorf("unexpected remote source: %s", remote.Source)
	}
}

func TestParseArgsRejectsBadKey(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	args := []string{
		"--endpoint", "203.0.113.1:51820",
		"--source-peer-ip", "10.6.0.2",
		"--private-key", "not-base64!!",
		"--peer-public-key", b64of(2),
		"--port-forward", "8080:10.6.0.1:80/tcp",
	}
	if _, err := ParseArgs(fs, args); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

func TestParseArgsRejectsMTUOutOfRange(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	_, err := ParseArgs(fs, baseArgs("--max-transmission-unit", "100"))
	if err == nil {
		t.Fatal("expected error for undersized mtu")
	}
}

func TestParseArgsRequiresAtLeastOneForward(t *testing.T) {
	fs := flag.NewFlagSet("onetun", flag.ContinueOnError)
	args := []string{
		"--endpoint", "203.0.113.1:51820",
		"--source-peer-ip", "10.6.0.2",
		"--private-key", b64of(1),
		"--peer-public-key", b64of(2),
	}
	if _, err := ParseArgs(fs, args); err == nil {
		t.Fatal("expected error with no port-forwards")
	}
}

func TestParseForwardFourFieldForm(t *testing.T) {
	pf, err := parseForward("0.0.0.0:9090:10.0.0.5:9090/udp")
	if err != nil {
		t.Fatalf("parseForward: %v", err)
	}
	if pf.Protocol != events.UDP {
		t.Errorf("protocol = %v, want udp", pf.Protocol)
	}
	if pf.Source.Addr().String() != "0.0.0.0" || pf.Source.Port() != 9090 {
		t.Errorf("unexpected source: %s", pf.Source)
	}
}

func TestParseForwardRejectsMalformed(t *testing.T) {
	if _, err := parseForward("not-a-forward"); err == nil {
		t.Fatal("expected error for malformed descriptor")
	}
}
