package iface

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol/frame"
)

const KindUDP = "udp"

// UDPConfig names the local socket and the single remote peer of a UDP link.
// An empty Peer makes the link learn its peer from the first valid frame.
type UDPConfig struct {
	Listen string
	Peer   string
}

// UDP carries one frame per datagram between two endpoints.
type UDP struct {
	link
	ucfg UDPConfig

	mu   sync.RWMutex
	conn *net.UDPConn
	peer *net.UDPAddr

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewUDP(name string, rx Receiver, ucfg UDPConfig, cfg Config) (*UDP, error) {
	if ucfg.Listen == "" {
		return nil, ErrAddressRequired
	}
	l, err := newLink(name, KindUDP, cfg, rx)
	if err != nil {
		return nil, err
	}
	return &UDP{link: l, ucfg: ucfg, done: make(chan struct{})}, nil
}

func (u *UDP) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", u.ucfg.Listen)
	if err != nil {
		return err
	}
	if u.ucfg.Peer != "" {
		peer, err := net.ResolveUDPAddr("udp", u.ucfg.Peer)
		if err != nil {
			return err
		}
		u.peer = peer
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	u.conn = conn
	u.wg.Add(1)
	go u.readLoop(ctx, conn)
	u.log.Info().Str("listen", conn.LocalAddr().String()).Str("peer", u.ucfg.Peer).Msg("iface.start")
	return nil
}

// LocalAddr reports the bound socket address, or nil before Start.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// SetPeer points the link at a new remote address.
func (u *UDP) SetPeer(addr string) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.peer = peer
	u.mu.Unlock()
	return nil
}

func (u *UDP) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer u.wg.Done()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-u.done:
		}
	}()

	buf := make([]byte, frame.Size(u.codec, u.cfg.Limits.MaxPayloadBytes)+1)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			u.rxError(err)
			continue
		}
		f, err := frame.Unmarshal(u.codec, buf[:n], u.cfg.Limits)
		if err != nil {
			u.rxError(err)
			continue
		}
		if !u.acceptFrom(from) {
			u.counts.rxDropped.Add(1)
			continue
		}
		u.receive(f, n)
	}
}

func (u *UDP) acceptFrom(from *net.UDPAddr) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.peer == nil {
		u.peer = from
		u.log.Info().Str("peer", from.String()).Msg("iface.peer learned")
		return true
	}
	return u.peer.IP.Equal(from.IP) && u.peer.Port == from.Port
}

func (u *UDP) Transmit(pkt *buffer.Packet, timeout time.Duration) error {
	u.mu.RLock()
	conn, peer := u.conn, u.peer
	u.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if peer == nil {
		u.counts.txErrors.Add(1)
		return ErrNotConnected
	}
	b, err := u.encode(pkt)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(u.deadline(timeout)); err != nil {
		u.counts.txErrors.Add(1)
		return err
	}
	if _, err := conn.WriteToUDP(b, peer); err != nil {
		u.counts.txErrors.Add(1)
		return err
	}
	u.sent(pkt, len(b))
	return nil
}

func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		close(u.done)
		u.mu.Lock()
		if u.conn != nil {
			err = u.conn.Close()
		}
		u.mu.Unlock()
	})
	u.wg.Wait()
	return err
}

func (u *UDP) Stats() Stats {
	u.mu.RLock()
	connected := u.conn != nil && u.peer != nil
	u.mu.RUnlock()
	return u.counts.snapshot(u.name, u.kind, connected)
}
