package iface

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/testutil/testlog"
)

func newLinkedNode(t *testing.T, addr uint8) *node.Node {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.Address = addr
	n, err := node.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNodesExchangeOverTCP(t *testing.T) {
	testlog.Start(t)
	a, b := newLinkedNode(t, 1), newLinkedNode(t, 2)

	srv, err := NewTCP("TCP0", b, TCPConfig{Listen: "127.0.0.1:0"}, fastConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	require.NoError(t, srv.Start(context.Background()))
	cli, err := NewTCP("TCP0", a, TCPConfig{Dial: srv.Addr().String()}, fastConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	require.NoError(t, cli.Start(context.Background()))
	require.Eventually(t, func() bool { return cli.Stats().Connected && srv.Stats().Connected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.SetRoute(cli.Name(), 2, cli))
	require.NoError(t, b.SetRoute(srv.Name(), 1, srv))

	sock, err := b.BindSocket(10)
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))

	conn, err := a.Connect(protocol.PrioNorm, 2, 10)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SendPayload([]byte("telemetry"), time.Second))

	in, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	defer in.Close()
	body, id, err := in.ReadPayload(time.Second)
	require.NoError(t, err)
	require.Equal(t, "telemetry", string(body))
	require.Equal(t, uint8(1), id.Src)

	require.NoError(t, in.SendPayload([]byte("ack"), time.Second))
	reply, _, err := conn.ReadPayload(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "ack", string(reply))
}

func TestFullLinkSendIsTimeout(t *testing.T) {
	testlog.Start(t)
	a, b := newLinkedNode(t, 1), newLinkedNode(t, 2)
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	la, lb, err := NewMemoryPair("M0", a, "M0", b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = la.Close(); _ = lb.Close() })
	// lb never starts, so its inbox holds exactly one frame
	require.NoError(t, a.SetRoute(la.Name(), 2, la))

	conn, err := a.Connect(protocol.PrioNorm, 2, 10)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SendPayload([]byte("fills the link"), 20*time.Millisecond))

	err = conn.SendPayload([]byte("waits"), 20*time.Millisecond)
	require.ErrorIs(t, err, node.ErrTimeout)
	require.False(t, errors.Is(err, node.ErrRouteFailure), "congestion reported as route failure: %v", err)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, a.Pool().Count(), a.Pool().Free())
}
