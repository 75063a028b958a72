package iface

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/cspnet/internal/buffer"
)

const KindTCP = "tcp"

// TCPConfig selects the side of a TCP link. Exactly one of Listen and Dial is
// set. A listening link serves one peer at a time; a newer connection
// replaces the current one. A dialing link reconnects with backoff until
// MaxConnectAttempts is reached (zero retries forever).
type TCPConfig struct {
	Listen             string
	Dial               string
	MaxConnectAttempts int
}

// TCP carries sync-delimited frames over a TCP stream.
type TCP struct {
	link
	tcfg TCPConfig
	rng  *rand.Rand
	att  attachment

	mu       sync.Mutex
	started  bool
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

func NewTCP(name string, rx Receiver, tcfg TCPConfig, cfg Config) (*TCP, error) {
	if (tcfg.Listen == "") == (tcfg.Dial == "") {
		return nil, ErrAddressRequired
	}
	l, err := newLink(name, KindTCP, cfg, rx)
	if err != nil {
		return nil, err
	}
	return &TCP{
		link: l,
		tcfg: tcfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (t *TCP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	if t.tcfg.Listen != "" {
		ln, err := net.Listen("tcp", t.tcfg.Listen)
		if err != nil {
			cancel()
			return err
		}
		t.listener = ln
		t.wg.Add(1)
		go t.acceptLoop(runCtx, ln)
		t.log.Info().Str("listen", ln.Addr().String()).Msg("iface.start")
	} else {
		t.wg.Add(1)
		go t.dialLoop(runCtx)
		t.log.Info().Str("dial", t.tcfg.Dial).Msg("iface.start")
	}
	t.started = true
	t.cancel = cancel
	return nil
}

// Addr reports the listening address, or nil for a dialing link.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCP) acceptLoop(ctx context.Context, ln net.Listener) {
	defer t.wg.Done()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn().Err(err).Msg("iface.accept")
			continue
		}
		t.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("iface.peer connected")
		s := &stream{rwc: conn}
		if prev := t.att.set(s); prev != nil {
			_ = prev.rwc.Close()
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serve(ctx, s)
		}()
	}
}

func (t *TCP) dialLoop(ctx context.Context) {
	defer t.wg.Done()
	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", t.tcfg.Dial)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn().Int("attempt", attempt).Err(err).Msg("iface.dial")
			if t.tcfg.MaxConnectAttempts > 0 && attempt >= t.tcfg.MaxConnectAttempts {
				t.log.Error().Int("attempts", attempt).Msg("iface.dial giving up")
				return
			}
			if err := sleepBackoff(ctx, t.cfg.Backoff, attempt, t.rng); err != nil {
				return
			}
			continue
		}
		attempt = 0
		t.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("iface.connected")
		s := &stream{rwc: conn}
		t.att.set(s)
		t.serve(ctx, s)
		if ctx.Err() != nil {
			return
		}
	}
}

// serve reads from s until it fails, then detaches it.
func (t *TCP) serve(ctx context.Context, s *stream) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.rwc.Close()
		case <-stop:
		}
	}()
	err := t.readStream(s)
	t.att.clear(s)
	_ = s.rwc.Close()
	if ctx.Err() == nil {
		t.log.Info().Err(err).Msg("iface.disconnected")
	}
}

// Transmit writes the frame on the current connection. With no peer attached
// it fails with ErrNotConnected and the caller keeps the packet.
func (t *TCP) Transmit(pkt *buffer.Packet, timeout time.Duration) error {
	return t.writeStream(t.att.get(), pkt, timeout)
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s := t.att.set(nil); s != nil {
		_ = s.rwc.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *TCP) Stats() Stats {
	return t.counts.snapshot(t.name, t.kind, t.att.get() != nil)
}
