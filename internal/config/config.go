// Package config loads and validates onetun's configuration: the outer
// WireGuard endpoint and keys, the virtual source address, and the list
// of port forwards. Values come either from a YAML file
// (gopkg.in/yaml.v3, via LoadConfig) or from CLI flags plus the
// ONETUN_PRIVATE_KEY environment variable (via ParseArgs); the two
// sources are not combined. Zero-value fields are then filled in with
// defaults.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SideStore/onetun/internal/events"
	"github.com/SideStore/onetun/internal/onetunerrors"
)

const (
	DefaultMTU           = 1420
	MinMTU               = 576
	MaxMTU               = 65535
	DefaultKeepaliveSecs = 25
	DefaultLogFilter     = "info"
	EnvPrivateKey        = "ONETUN_PRIVATE_KEY"
	keyLen               = 32
)

// PortForwardConfig is one parsed forward descriptor.
type PortForwardConfig struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Protocol    events.Protocol
	Remote      bool
}

// ToForward converts to the bus-facing events.Forward value.
func (p PortForwardConfig) ToForward() events.Forward {
	return events.Forward{
		Source:      p.Source,
		Destination: p.Destination,
		Protocol:    p.Protocol,
		Remote:      p.Remote,
	}
}

func (p PortForwardConfig) String() string {
	dir := "local"
	if p.Remote {
		dir = "remote"
	}
	return fmt.Sprintf("%s %s %s -> %s", dir, p.Protocol, p.Source, p.Destination)
}

// Config is the fully resolved, validated set of settings for one onetun
// process.
type Config struct {
	Endpoint      netip.AddrPort
	SourcePeerIP  netip.Addr
	PrivateKey    [keyLen]byte
	PeerPublicKey [keyLen]byte
	PresharedKey  *[keyLen]byte

	PortForwards []PortForwardConfig

	MaxTransmissionUnit int
	KeepaliveSeconds    int
	LogFilter           string
	PcapFile            string

	// Warnings holds non-fatal findings that lifecycle.Start logs once at
	// startup. Parsing in this package does not append to it; an
	// unsupported forward is rejected with an error instead.
	Warnings []string
}

// yamlConfig mirrors Config's shape for file-based loading; fields not
// present in the file keep their zero value and are defaulted afterwards.
type yamlConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	SourcePeerIP  string   `yaml:"source_peer_ip"`
	PrivateKey    string   `yaml:"private_key"`
	PeerPublicKey string   `yaml:"peer_public_key"`
	PresharedKey  string   `yaml:"preshared_key"`
	Ports         []string `yaml:"port_forwards"`
	MTU           int      `yaml:"max_transmission_unit"`
	Keepalive     int      `yaml:"keep_alive"`
	Log           string   `yaml:"log"`
	Pcap          string   `yaml:"pcap"`
}

// LoadConfig reads and validates a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, onetunerrors.Configf("read config %s: %v", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return nil, onetunerrors.Configf("parse config %s: %v", path, err)
	}
	return build(y)
}

// ParseArgs builds a Config from CLI flags using the standard flag
// package's StringVar/IntVar/Func rather than a third-party flags/cobra
// library. Forward descriptors are taken from repeated --port-forward
// flags, which ParseArgs registers on fs itself via fs.Func.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	var (
		endpoint      string
		sourcePeerIP  string
		privateKey    string
		peerPublicKey string
		presharedKey  string
		mtu           int
		keepalive     int
		logFilter     string
		pcapFile      string
		forwards      []string
	)
	fs.StringVar(&endpoint, "endpoint", "", "WireGuard peer endpoint, host:port")
	fs.StringVar(&sourcePeerIP, "source-peer-ip", "", "virtual IP address onetun presents to the peer")
	fs.StringVar(&privateKey, "private-key", "", "base64 private key (or set "+EnvPrivateKey+")")
	fs.StringVar(&peerPublicKey, "peer-public-key", "", "base64 public key of the peer")
	fs.StringVar(&presharedKey, "preshared-key", "", "optional base64 preshared key")
	fs.IntVar(&mtu, "max-transmission-unit", DefaultMTU, "tunnel MTU")
	fs.IntVar(&keepalive, "keep-alive", DefaultKeepaliveSecs, "persistent keepalive interval in seconds, 0 selects the default")
	fs.StringVar(&logFilter, "log", DefaultLogFilter, "log filter: error, warn, info, debug, trace")
	fs.StringVar(&pcapFile, "pcap", "", "optional pcap capture output file")
	fs.Func("port-forward", "SRC[:PORT]:DST:PORT[/PROTO], optionally prefixed REMOTE:", func(v string) error {
		forwards = append(forwards, v)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return nil, onetunerrors.Configf("parse flags: %v", err)
	}

	if privateKey == "" {
		privateKey = os.Getenv(EnvPrivateKey)
	}

	y := yamlConfig{
		Endpoint:      endpoint,
		SourcePeerIP:  sourcePeerIP,
		PrivateKey:    privateKey,
		PeerPublicKey: peerPublicKey,
		PresharedKey:  presharedKey,
		Ports:         forwards,
		MTU:           mtu,
		Keepalive:     keepalive,
		Log:           logFilter,
		Pcap:          pcapFile,
	}
	return build(y)
}

func build(y yamlConfig) (*Config, error) {
	cfg := &Config{
		MaxTransmissionUnit: y.MTU,
		KeepaliveSeconds:    y.Keepalive,
		LogFilter:           y.Log,
		PcapFile:            y.Pcap,
	}

	if cfg.MaxTransmissionUnit == 0 {
		cfg.MaxTransmissionUnit = DefaultMTU
	}
	if cfg.KeepaliveSeconds == 0 {
		cfg.KeepaliveSeconds = DefaultKeepaliveSecs
	}
	if cfg.LogFilter == "" {
		cfg.LogFilter = DefaultLogFilter
	}

	if cfg.MaxTransmissionUnit < MinMTU || cfg.MaxTransmissionUnit > MaxMTU {
		return nil, onetunerrors.Configf("max_transmission_unit %d out of range [%d, %d]", cfg.MaxTransmissionUnit, MinMTU, MaxMTU)
	}

	endpoint, err := netip.ParseAddrPort(y.Endpoint)
	if err != nil {
		return nil, onetunerrors.Configf("endpoint %q: %v", y.Endpoint, err)
	}
	cfg.Endpoint = endpoint

	sourcePeerIP, err := netip.ParseAddr(y.SourcePeerIP)
	if err != nil {
		return nil, onetunerrors.Configf("source_peer_ip %q: %v", y.SourcePeerIP, err)
	}
	cfg.SourcePeerIP = sourcePeerIP

	privateKey, err := decodeKey(y.PrivateKey)
	if err != nil {
		return nil, onetunerrors.Configf("private_key: %v", err)
	}
	cfg.PrivateKey = privateKey

	peerPublicKey, err := decodeKey(y.PeerPublicKey)
	if err != nil {
		return nil, onetunerrors.Configf("peer_public_key: %v", err)
	}
	cfg.PeerPublicKey = peerPublicKey

	if y.PresharedKey != "" {
		psk, err := decodeKey(y.PresharedKey)
		if err != nil {
			return nil, onetunerrors.Configf("preshared_key: %v", err)
		}
		cfg.PresharedKey = &psk
	}

	if len(y.Ports) == 0 {
		return nil, onetunerrors.Configf("at least one port-forward is required")
	}

	for _, descriptor := range y.Ports {
		pf, err := parseForward(descriptor)
		if err != nil {
			return nil, onetunerrors.Configf("port-forward %q: %v", descriptor, err)
		}
		// Open Question #1 resolution: remote-initiated TCP is
		// unimplemented upstream (tunnel/mod.rs: PortProtocol::Tcp =>
		// Ok(())), so reject it outright instead of silently dropping
		// it as the original does.
		if pf.Remote && pf.Protocol == events.TCP {
			return nil, onetunerrors.Configf("remote TCP forwards are not supported: %q", descriptor)
		}
		cfg.PortForwards = append(cfg.PortForwards, pf)
	}

	return cfg, nil
}

func decodeKey(s string) ([keyLen]byte, error) {
	var out [keyLen]byte
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != keyLen {
		return out, fmt.Errorf("expected %d bytes, got %d", keyLen, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// parseForward parses "SRC[:PORT]:DST:PORT[/PROTO]", optionally prefixed
// with "REMOTE:". A bare PROTO of "tcp" or "udp" selects the protocol;
// omitted, it defaults to tcp. When the source host is omitted (three
// remaining colon-separated fields instead of four), the first field is
// the source port and the source address defaults to 127.0.0.1. IPv6
// hosts must use bracket notation.
func parseForward(descriptor string) (PortForwardConfig, error) {
	remote := false
	rest := descriptor
	if r, ok := strings.CutPrefix(rest, "REMOTE:"); ok {
		remote = true
		rest = r
	}

	protocol := events.TCP
	if body, proto, ok := cutLastUnbracketed(rest, '/'); ok {
		rest = body
		switch strings.ToLower(proto) {
		case "tcp":
			protocol = events.TCP
		case "udp":
			protocol = events.UDP
		default:
			return PortForwardConfig{}, fmt.Errorf("unknown protocol %q", proto)
		}
	}

	fields, err := splitUnbracketed(rest, ':')
	if err != nil {
		return PortForwardConfig{}, err
	}

	var srcHost, srcPort, dstHost, dstPort string
	switch len(fields) {
	case 3:
		srcHost, srcPort, dstHost, dstPort = "127.0.0.1", fields[0], fields[1], fields[2]
	case 4:
		srcHost, srcPort, dstHost, dstPort = fields[0], fields[1], fields[2], fields[3]
	default:
		return PortForwardConfig{}, fmt.Errorf("expected SRC[:PORT]:DST:PORT, got %d fields", len(fields))
	}

	src, err := toAddrPort(srcHost, srcPort)
	if err != nil {
		return PortForwardConfig{}, fmt.Errorf("source: %w", err)
	}
	dst, err := toAddrPort(dstHost, dstPort)
	if err != nil {
		return PortForwardConfig{}, fmt.Errorf("destination: %w", err)
	}

	return PortForwardConfig{Source: src, Destination: dst, Protocol: protocol, Remote: remote}, nil
}

func toAddrPort(host, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address %q: %w", host, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port %q: %w", port, err)
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}

// splitUnbracketed splits s on sep, ignoring sep occurrences inside
// '[' ']' brackets so bracketed IPv6 literals survive intact.
func splitUnbracketed(s string, sep byte) ([]string, error) {
	var fields []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ']' in %q", s)
			}
		default:
			if s[i] == sep && depth == 0 {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '[' in %q", s)
	}
	fields = append(fields, s[start:])
	return fields, nil
}

// cutLastUnbracketed splits s at the last unbracketed occurrence of sep,
// used to peel a trailing "/proto" suffix without disturbing a bracketed
// IPv6 host earlier in the string.
func cutLastUnbracketed(s string, sep byte) (before, after string, found bool) {
	depth := 0
	last := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		default:
			if s[i] == sep && depth == 0 {
				last = i
			}
		}
	}
	if last < 0 {
		return s, "", false
	}
	return s[:last], s[last+1:], true
}
