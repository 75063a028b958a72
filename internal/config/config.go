package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/route"
)

// NodeConfig is the topology file of one node.
type NodeConfig struct {
	Name        string            `toml:"name"`
	Address     uint8             `toml:"address"`
	Buffers     BufferConfig      `toml:"buffers"`
	Identifier  IdentifierConfig  `toml:"identifier"`
	Connections ConnectionConfig  `toml:"connections"`
	Interfaces  []InterfaceConfig `toml:"interfaces"`
	Routes      []RouteConfig     `toml:"routes"`
	Services    ServicesConfig    `toml:"services"`
	Admin       AdminConfig       `toml:"admin"`
	Trace       TraceConfig       `toml:"trace"`
}

type BufferConfig struct {
	Count int `toml:"count"`
	Size  int `toml:"size"`
}

type IdentifierConfig struct {
	Mode      string `toml:"mode"`
	ByteOrder string `toml:"byte_order"`
}

type ConnectionConfig struct {
	QueueLength int    `toml:"queue_length"`
	Max         int    `toml:"max"`
	IdleTimeout string `toml:"idle_timeout"`
}

// InterfaceConfig describes one link. Which address fields apply depends on
// Kind: udp uses Listen and Peer, tcp uses Listen or Dial, serial uses Device
// and Baud.
type InterfaceConfig struct {
	Name               string `toml:"name"`
	Kind               string `toml:"kind"`
	Listen             string `toml:"listen"`
	Peer               string `toml:"peer"`
	Dial               string `toml:"dial"`
	Device             string `toml:"device"`
	Baud               int    `toml:"baud"`
	QueueDepth         int    `toml:"queue_depth"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

// RouteConfig sends traffic for Node out of Interface. Node is an address
// or "default".
type RouteConfig struct {
	Node      string `toml:"node"`
	Interface string `toml:"interface"`
}

type ServicesConfig struct {
	Enabled bool `toml:"enabled"`
	Workers int  `toml:"workers"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type TraceConfig struct {
	Path string `toml:"path"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	applyDefaults(&cfg)
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// ParseNodeConfig decodes and validates a topology held in memory.
func ParseNodeConfig(data []byte) (NodeConfig, error) {
	var cfg NodeConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	applyDefaults(&cfg)
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *NodeConfig) {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("node-%d", cfg.Address)
	}
	if cfg.Buffers.Count == 0 {
		cfg.Buffers.Count = 32
	}
	if cfg.Buffers.Size == 0 {
		cfg.Buffers.Size = 256
	}
	if cfg.Connections.QueueLength == 0 {
		cfg.Connections.QueueLength = 16
	}
	if cfg.Connections.Max == 0 {
		cfg.Connections.Max = 32
	}
	for i := range cfg.Interfaces {
		cfg.Interfaces[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Interfaces[i].Kind))
	}
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if err := protocol.ValidateNode(cfg.Address); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if cfg.Buffers.Count <= 0 || cfg.Buffers.Size <= 0 {
		return fmt.Errorf("node config: buffers need count and size > 0")
	}
	if _, err := protocol.ParseMode(cfg.Identifier.Mode); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if _, err := protocol.ParseByteOrder(cfg.Identifier.ByteOrder); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if _, err := parseDuration(cfg.Connections.IdleTimeout); err != nil {
		return fmt.Errorf("node config: idle_timeout: %w", err)
	}

	names := make(map[string]bool, len(cfg.Interfaces))
	for i, ic := range cfg.Interfaces {
		if err := ValidateInterface(ic); err != nil {
			return fmt.Errorf("interface[%d] invalid: %w", i, err)
		}
		if names[ic.Name] {
			return fmt.Errorf("interface[%d] invalid: duplicate name %q", i, ic.Name)
		}
		names[ic.Name] = true
	}
	for i, rc := range cfg.Routes {
		if _, err := ParseRouteNode(rc.Node); err != nil {
			return fmt.Errorf("route[%d] invalid: %w", i, err)
		}
		if !names[strings.TrimSpace(rc.Interface)] {
			return fmt.Errorf("route[%d] invalid: unknown interface %q", i, rc.Interface)
		}
	}
	return nil
}

func ValidateInterface(ic InterfaceConfig) error {
	if strings.TrimSpace(ic.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch ic.Kind {
	case iface.KindUDP:
		if strings.TrimSpace(ic.Listen) == "" {
			return fmt.Errorf("udp listen is required")
		}
	case iface.KindTCP:
		if (strings.TrimSpace(ic.Listen) == "") == (strings.TrimSpace(ic.Dial) == "") {
			return fmt.Errorf("tcp needs exactly one of listen and dial")
		}
	case iface.KindSerial:
		if strings.TrimSpace(ic.Device) == "" {
			return fmt.Errorf("serial device is required")
		}
	default:
		return fmt.Errorf("%w: %q", iface.ErrUnknownKind, ic.Kind)
	}
	return nil
}

// ParseRouteNode maps "default" to the default route and anything else to a
// node address.
func ParseRouteNode(raw string) (uint8, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "default" || raw == "*" {
		return route.DefaultRoute, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("node %q is not an address or \"default\"", raw)
	}
	if err := protocol.ValidateNode(uint8(v)); err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func parseDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return d, nil
}
