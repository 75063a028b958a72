package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/cspnet/internal/node"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/testutil/testlog"
)

func TestRecorderPersistsAcrossSessions(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "trace.db")

	rec, err := Open(path, Config{BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)
	first := rec.Session()

	id := protocol.Identifier{Priority: protocol.PrioHigh, Src: 3, Dst: 1, DPort: 10, SPort: 20, Type: protocol.FrameBegin, Seq: 7}
	rec.Observe(node.Event{At: time.Unix(10, 0), Node: 1, Kind: node.EventIngress, Iface: "UDP0", ID: id, Length: 12})
	rec.Observe(node.Event{At: time.Unix(11, 0), Node: 1, Kind: node.EventDeliver, Iface: "UDP0", ID: id, Length: 12})
	rec.Observe(node.Event{At: time.Unix(12, 0), Node: 1, Kind: node.EventDrop, Iface: "UDP0", ID: id, Reason: "duplicate"})
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	assert.Equal(t, uint64(3), rec.Written())

	again, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })
	assert.NotEqual(t, first, again.Session())

	events, err := again.Query(context.Background(), Filter{Session: first})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, node.EventIngress, events[0].Kind)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, time.Unix(10, 0).UnixNano(), events[0].At.UnixNano())
	assert.Equal(t, "duplicate", events[2].Reason)

	drops, err := again.Query(context.Background(), Filter{Session: first, Kind: node.EventDrop})
	require.NoError(t, err)
	require.Len(t, drops, 1)

	none, err := again.Query(context.Background(), Filter{Session: again.Session()})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	testlog.Start(t)
	rec, err := Open(filepath.Join(t.TempDir(), "trace.db"), Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	rec.Observe(node.Event{At: time.Now(), Node: 2, Kind: node.EventSend, Iface: "LOOP"})
	require.Eventually(t, func() bool { return rec.Written() == 1 }, 2*time.Second, 5*time.Millisecond)

	events, err := rec.Query(context.Background(), Filter{Session: rec.Session(), Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "LOOP", events[0].Iface)
}

func TestRecorderObservesNodeTraffic(t *testing.T) {
	testlog.Start(t)
	rec, err := Open(filepath.Join(t.TempDir(), "trace.db"), DefaultConfig())
	require.NoError(t, err)

	cfg := node.DefaultConfig()
	cfg.Address = 4
	cfg.Observer = rec.Observe
	n, err := node.New(cfg)
	require.NoError(t, err)
	sock, err := n.BindSocket(9)
	require.NoError(t, err)
	require.NoError(t, sock.Listen(1))

	_, err = n.Transaction(protocol.PrioNorm, 4, 9, time.Second, []byte("hk"), 0)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, rec.Close())

	assert.GreaterOrEqual(t, rec.Written(), uint64(3), "send, ingress and deliver")
	assert.Equal(t, uint64(0), rec.Dropped())
}

func TestRecorderCountsOverflow(t *testing.T) {
	testlog.Start(t)
	rec := &Recorder{events: make(chan node.Event, 1), done: make(chan struct{})}
	rec.Observe(node.Event{})
	rec.Observe(node.Event{})
	assert.Equal(t, uint64(1), rec.Dropped())
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)
	_, err := Open("", DefaultConfig())
	assert.ErrorIs(t, err, ErrPathRequired)
}
