package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/cspnet/internal/iface"
	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
)

// NodeOptions converts the topology into engine configuration.
func NodeOptions(cfg NodeConfig) (node.Config, error) {
	mode, err := protocol.ParseMode(cfg.Identifier.Mode)
	if err != nil {
		return node.Config{}, err
	}
	order, err := protocol.ParseByteOrder(cfg.Identifier.ByteOrder)
	if err != nil {
		return node.Config{}, err
	}
	idle, err := parseDuration(cfg.Connections.IdleTimeout)
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		Name:            cfg.Name,
		Address:         cfg.Address,
		BufferCount:     cfg.Buffers.Count,
		BufferSize:      cfg.Buffers.Size,
		Codec:           protocol.Codec{Mode: mode, Order: order},
		ConnQueueLength: cfg.Connections.QueueLength,
		MaxConnections:  cfg.Connections.Max,
		ConnIdleTimeout: idle,
	}, nil
}

// BuildInterfaces constructs every configured link delivering into rx. The
// links are not started.
func BuildInterfaces(cfg NodeConfig, rx iface.Receiver) ([]iface.Interface, error) {
	out := make([]iface.Interface, 0, len(cfg.Interfaces))
	for _, ic := range cfg.Interfaces {
		link, err := BuildInterface(ic, rx)
		if err != nil {
			for _, l := range out {
				_ = l.Close()
			}
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		out = append(out, link)
	}
	return out, nil
}

func BuildInterface(ic InterfaceConfig, rx iface.Receiver) (iface.Interface, error) {
	lc := iface.DefaultConfig()
	if ic.QueueDepth > 0 {
		lc.QueueDepth = ic.QueueDepth
	}
	name := strings.TrimSpace(ic.Name)
	switch ic.Kind {
	case iface.KindUDP:
		return iface.NewUDP(name, rx, iface.UDPConfig{Listen: ic.Listen, Peer: ic.Peer}, lc)
	case iface.KindTCP:
		return iface.NewTCP(name, rx, iface.TCPConfig{
			Listen:             ic.Listen,
			Dial:               ic.Dial,
			MaxConnectAttempts: ic.MaxConnectAttempts,
		}, lc)
	case iface.KindSerial:
		return iface.NewSerial(name, rx, iface.SerialConfig{Device: ic.Device, BaudRate: ic.Baud}, lc)
	default:
		return nil, fmt.Errorf("%w: %q", iface.ErrUnknownKind, ic.Kind)
	}
}

// InstallRoutes points the node's route table at the built links.
func InstallRoutes(cfg NodeConfig, n *node.Node, links []iface.Interface) error {
	byName := make(map[string]iface.Interface, len(links))
	for _, l := range links {
		byName[l.Name()] = l
	}
	for _, rc := range cfg.Routes {
		dst, err := ParseRouteNode(rc.Node)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(rc.Interface)
		link, ok := byName[name]
		if !ok {
			return fmt.Errorf("route %s: unknown interface %q", rc.Node, rc.Interface)
		}
		if err := n.SetRoute(name, dst, link); err != nil {
			return fmt.Errorf("route %s: %w", rc.Node, err)
		}
	}
	return nil
}
