package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const (
	DefaultListenAddr     = "0.0.0.0:7946"
	DefaultMulticastGroup = "239.255.77.77:7946"
	DefaultTopic          = "og-jobs"
	// DefaultMetricsPath is where a running daemon writes its snapshot and
	// where the status command looks for it.
	DefaultMetricsPath = "opengrid-metrics.json"
)

// Config is the daemon configuration. Zero-valued fields keep their defaults
// when loaded from YAML.
type Config struct {
	ProviderID        string        `yaml:"provider_id" validate:"max=128"`
	ListenAddr        string        `yaml:"listen_addr" validate:"required"`
	AdvertiseAddrs    []string      `yaml:"advertise_addrs" validate:"max=8"`
	MaxConnections    int           `yaml:"max_connections" validate:"min=1,max=4096"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" validate:"min=100ms"`
	SeenCacheCapacity int           `yaml:"seen_cache_capacity" validate:"min=1"`
	Topics            []string      `yaml:"topics" validate:"max=256,dive,required,max=128"`

	MulticastGroup   string   `yaml:"multicast_group"`
	DisableMulticast bool     `yaml:"disable_multicast"`
	StaticPeers      []string `yaml:"static_peers" validate:"dive,required"`
	NetworkKey       string   `yaml:"network_key"`

	PeerTableCap      int           `yaml:"peer_table_cap" validate:"min=1"`
	StaleAfter        time.Duration `yaml:"stale_after" validate:"min=1s"`
	RedialAfter       time.Duration `yaml:"redial_after" validate:"min=0s"`
	BackoffBase       time.Duration `yaml:"backoff_base" validate:"min=1ms"`
	BackoffMax        time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	DialTimeout       time.Duration `yaml:"dial_timeout" validate:"min=10ms"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" validate:"min=10ms"`
	ViolationCooldown time.Duration `yaml:"violation_cooldown" validate:"min=0s"`
	MaxConnsPerIP     int           `yaml:"max_conns_per_ip" validate:"min=0"`
	TickInterval      time.Duration `yaml:"tick_interval" validate:"min=10ms"`

	MaxPayloadBytes int     `yaml:"max_payload_bytes" validate:"min=1"`
	GossipMaxHops   int     `yaml:"gossip_max_hops" validate:"min=1,max=64"`
	PeerRateLimit   float64 `yaml:"peer_rate_limit" validate:"gte=0"`
	PeerRateBurst   int     `yaml:"peer_rate_burst" validate:"min=1"`
	DeliveryBuffer  int     `yaml:"delivery_buffer" validate:"min=1"`
	DeliveryBacklog int     `yaml:"delivery_backlog" validate:"min=1"`
	SendQueue       int     `yaml:"send_queue" validate:"min=1"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns a configuration that runs a LAN daemon out of the box.
func Default() Config {
	return Config{
		ListenAddr:        DefaultListenAddr,
		MaxConnections:    32,
		DiscoveryInterval: 5 * time.Second,
		SeenCacheCapacity: 4096,
		Topics:            []string{DefaultTopic},
		MulticastGroup:    DefaultMulticastGroup,
		PeerTableCap:      512,
		StaleAfter:        2 * time.Minute,
		RedialAfter:       30 * time.Second,
		BackoffBase:       2 * time.Second,
		BackoffMax:        5 * time.Minute,
		DialTimeout:       8 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ViolationCooldown: time.Minute,
		MaxConnsPerIP:     8,
		MaxPayloadBytes:   proto.DefaultMaxPayload,
		GossipMaxHops:     16,
		PeerRateLimit:     200,
		PeerRateBurst:     400,
		DeliveryBuffer:    256,
		DeliveryBacklog:   4096,
		SendQueue:         128,
		TickInterval:      time.Second,
		LogLevel:          "info",
		MetricsPath:       DefaultMetricsPath,
	}
}

// Load reads a YAML file over the defaults and validates the result. An empty
// path validates and returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if !validHostPort(c.ListenAddr, true) {
		return fmt.Errorf("invalid config: listen_addr %q", c.ListenAddr)
	}
	for _, a := range c.AdvertiseAddrs {
		if !proto.ValidAddr(a) {
			return fmt.Errorf("invalid config: advertise_addrs entry %q", a)
		}
	}
	if !c.DisableMulticast && !validHostPort(c.MulticastGroup, false) {
		return fmt.Errorf("invalid config: multicast_group %q", c.MulticastGroup)
	}
	for _, t := range c.Topics {
		if err := proto.ValidateTopic(t); err != nil {
			return fmt.Errorf("invalid config: topic %q: %w", t, err)
		}
	}
	for _, sp := range c.StaticPeers {
		if _, _, err := ParseStaticPeer(sp); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.MaxPayloadBytes > proto.MaxPayloadLimit {
		return fmt.Errorf("invalid config: max_payload_bytes above %d", proto.MaxPayloadLimit)
	}
	if c.NetworkKey != "" && len(c.NetworkKey) < 16 {
		return errors.New("invalid config: network_key shorter than 16 bytes")
	}
	if c.DisableMulticast && len(c.StaticPeers) == 0 {
		return errors.New("invalid config: no discovery source with multicast disabled and no static_peers")
	}
	return nil
}

// ParseStaticPeer parses "<node-id-hex>@ip:port".
func ParseStaticPeer(s string) (node.NodeID, string, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return node.NodeID{}, "", fmt.Errorf("static peer %q: want <node-id>@ip:port", s)
	}
	id, err := node.ParseNodeID(idPart)
	if err != nil {
		return node.NodeID{}, "", fmt.Errorf("static peer %q: %w", s, err)
	}
	if !proto.ValidAddr(addr) {
		return node.NodeID{}, "", fmt.Errorf("static peer %q: bad address", s)
	}
	return id, addr, nil
}

func validHostPort(addr string, allowZeroPort bool) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return false
	}
	return p > 0 || allowZeroPort
}
