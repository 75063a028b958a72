package route

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/danmuck/cspnet/internal/buffer"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/testutil/testlog"
)

func newPacket(t *testing.T, pool *buffer.Pool, dst uint8, prio protocol.Priority) *buffer.Packet {
	t.Helper()
	pkt, err := pool.Allocate()
	require.NoError(t, err)
	pkt.ID = protocol.Identifier{Dst: dst, Priority: prio}
	return pkt
}

func TestSpecificRouteBeatsDefault(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)
	def := NewMockTransmitter(ctrl)
	direct := NewMockTransmitter(ctrl)

	table := NewTable()
	require.NoError(t, table.SetRoute("CAN", DefaultRoute, def))
	require.NoError(t, table.SetRoute("I2C", 4, direct))

	pool, err := buffer.NewPool(2, 16)
	require.NoError(t, err)

	toFour := newPacket(t, pool, 4, protocol.PrioNorm)
	direct.EXPECT().Transmit(toFour, gomock.Any()).Return(nil)
	name, err := table.Transmit(toFour, 0)
	require.NoError(t, err)
	assert.Equal(t, "I2C", name)

	toSeven := newPacket(t, pool, 7, protocol.PrioNorm)
	def.EXPECT().Transmit(toSeven, gomock.Any()).Return(nil)
	name, err = table.Transmit(toSeven, 0)
	require.NoError(t, err)
	assert.Equal(t, "CAN", name)

	assert.Equal(t, []Entry{
		{Node: 4, Interface: "I2C"},
		{Node: DefaultRoute, Default: true, Interface: "CAN"},
	}, table.Routes())
}

func TestNoRouteNeverInvokesTransmitter(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)
	tx := NewMockTransmitter(ctrl)

	table := NewTable()
	require.NoError(t, table.SetRoute("CAN", 2, tx))

	pool, err := buffer.NewPool(1, 16)
	require.NoError(t, err)
	pkt := newPacket(t, pool, 9, protocol.PrioNorm)

	_, err = table.Transmit(pkt, 0)
	assert.ErrorIs(t, err, ErrNoRoute)
	_, _, ok := table.Lookup(9)
	assert.False(t, ok)
}

func TestSetRouteValidation(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	tx := TransmitFunc(func(*buffer.Packet, time.Duration) error { return nil })

	assert.ErrorIs(t, table.SetRoute(" ", 1, tx), ErrInterfaceRequired)
	assert.ErrorIs(t, table.SetRoute("CAN", 1, nil), ErrTransmitterRequired)
	assert.ErrorIs(t, table.SetRoute("CAN", DefaultRoute+1, tx), ErrInvalidNode)

	require.NoError(t, table.SetRoute("CAN", 1, tx))
	require.NoError(t, table.SetRoute("UART", 1, tx))
	name, _, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "UART", name, "later SetRoute overwrites")
}

func TestTransmitFailureIsWrapped(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)
	tx := NewMockTransmitter(ctrl)
	driverErr := errors.New("bus off")

	table := NewTable()
	require.NoError(t, table.SetRoute("CAN", DefaultRoute, tx))
	pool, err := buffer.NewPool(1, 16)
	require.NoError(t, err)
	pkt := newPacket(t, pool, 3, protocol.PrioNorm)

	tx.EXPECT().Transmit(pkt, gomock.Any()).Return(driverErr)
	_, err = table.Transmit(pkt, 0)
	assert.ErrorIs(t, err, ErrTransmitFailed)
	assert.ErrorIs(t, err, driverErr)
	require.NoError(t, pkt.Release(), "caller keeps ownership on failure")

	stats := table.Interfaces()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Failed)
	assert.False(t, stats[0].Busy)
}

func TestEgressServesPriorityThenFIFO(t *testing.T) {
	testlog.Start(t)
	var (
		mu    sync.Mutex
		order []uint8
	)
	gate := make(chan struct{})
	first := true
	tx := TransmitFunc(func(pkt *buffer.Packet, _ time.Duration) error {
		mu.Lock()
		hold := first
		first = false
		mu.Unlock()
		if hold {
			<-gate
		}
		mu.Lock()
		order = append(order, pkt.ID.Seq)
		mu.Unlock()
		return nil
	})

	table := NewTable()
	require.NoError(t, table.SetRoute("CAN", DefaultRoute, tx))
	pool, err := buffer.NewPool(8, 16)
	require.NoError(t, err)

	send := func(seq uint8, prio protocol.Priority, wg *sync.WaitGroup) {
		pkt := newPacket(t, pool, 1, prio)
		pkt.ID.Seq = seq
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := table.Transmit(pkt, Forever); err != nil {
				t.Errorf("transmit seq=%d: %v", seq, err)
			}
		}()
	}

	var wg sync.WaitGroup
	send(0, protocol.PrioNorm, &wg)
	require.Eventually(t, func() bool { return table.Interfaces()[0].Busy }, time.Second, time.Millisecond)

	queued := []struct {
		seq  uint8
		prio protocol.Priority
	}{
		{1, protocol.PrioLow},
		{2, protocol.PrioHigh},
		{3, protocol.PrioHigh},
		{4, protocol.PrioCritical},
	}
	for i, q := range queued {
		send(q.seq, q.prio, &wg)
		want := i + 1
		require.Eventually(t, func() bool { return table.Interfaces()[0].Waiting == want }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []uint8{0, 4, 2, 3, 1}, order)
}

func TestEgressNoWaitAndTimeout(t *testing.T) {
	testlog.Start(t)
	gate := make(chan struct{})
	tx := TransmitFunc(func(*buffer.Packet, time.Duration) error {
		<-gate
		return nil
	})
	table := NewTable()
	require.NoError(t, table.SetRoute("CAN", DefaultRoute, tx))
	pool, err := buffer.NewPool(3, 16)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := table.Transmit(newPacket(t, pool, 1, protocol.PrioNorm), Forever)
		done <- err
	}()
	require.Eventually(t, func() bool { return table.Interfaces()[0].Busy }, time.Second, time.Millisecond)

	_, err = table.Transmit(newPacket(t, pool, 1, protocol.PrioCritical), 0)
	assert.ErrorIs(t, err, ErrBusy)

	start := time.Now()
	_, err = table.Transmit(newPacket(t, pool, 1, protocol.PrioCritical), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, table.Interfaces()[0].Waiting, "timed out waiter is removed")

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, table.Interfaces()[0].Busy)
}

type deadlineErr struct{}

func (deadlineErr) Error() string { return "i/o timeout" }
func (deadlineErr) Timeout() bool { return true }

func TestTransmitTimeoutIsSeparateFromFailure(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)
	tx := NewMockTransmitter(ctrl)

	table := NewTable()
	require.NoError(t, table.SetRoute("UDP0", 2, tx))
	pool, err := buffer.NewPool(1, 16)
	require.NoError(t, err)
	pkt := newPacket(t, pool, 2, protocol.PrioNorm)

	tx.EXPECT().Transmit(pkt, gomock.Any()).Return(deadlineErr{})
	_, err = table.Transmit(pkt, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTransmitTimeout)
	assert.NotErrorIs(t, err, ErrTransmitFailed)
	assert.ErrorIs(t, err, deadlineErr{})
}

func TestForwardQueuesBehindLocalSender(t *testing.T) {
	testlog.Start(t)
	var (
		mu    sync.Mutex
		order []uint8
	)
	gate := make(chan struct{})
	first := true
	tx := TransmitFunc(func(pkt *buffer.Packet, _ time.Duration) error {
		mu.Lock()
		hold := first
		first = false
		mu.Unlock()
		if hold {
			<-gate
		}
		mu.Lock()
		order = append(order, pkt.ID.Seq)
		mu.Unlock()
		return nil
	})

	table := NewTable()
	table.SetForwardQueue(2, time.Second)
	require.NoError(t, table.SetRoute("CAN", DefaultRoute, tx))
	pool, err := buffer.NewPool(8, 16)
	require.NoError(t, err)

	local := make(chan error, 1)
	go func() {
		pkt := newPacket(t, pool, 1, protocol.PrioBulk)
		_, err := table.Transmit(pkt, Forever)
		local <- err
	}()
	require.Eventually(t, func() bool { return table.Interfaces()[0].Busy }, time.Second, time.Millisecond)

	results := make(chan error, 2)
	done := func(_ string, err error) { results <- err }
	forward := func(seq uint8, prio protocol.Priority) (*buffer.Packet, error) {
		pkt := newPacket(t, pool, 1, prio)
		pkt.ID.Seq = seq
		_, err := table.Forward(pkt, done)
		return pkt, err
	}

	_, err = forward(1, protocol.PrioBulk)
	require.NoError(t, err, "forward must queue, not fail, while the interface is busy")
	_, err = forward(2, protocol.PrioCritical)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Interfaces()[0].Queued)

	overflow, err := forward(3, protocol.PrioCritical)
	assert.ErrorIs(t, err, ErrQueueFull)
	require.NoError(t, overflow.Release(), "caller keeps a frame the queue refused")

	close(gate)
	require.NoError(t, <-local)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint8{0, 2, 1}, order)
	require.Eventually(t, func() bool { return !table.Interfaces()[0].Busy }, time.Second, time.Millisecond)
	assert.Zero(t, table.Interfaces()[0].Queued)
}

func TestForwardOnIdleInterfaceReportsFailure(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	driverErr := errors.New("no carrier")
	require.NoError(t, table.SetRoute("CAN", 2, TransmitFunc(func(*buffer.Packet, time.Duration) error {
		return driverErr
	})))
	pool, err := buffer.NewPool(1, 16)
	require.NoError(t, err)
	pkt := newPacket(t, pool, 2, protocol.PrioNorm)

	result := make(chan error, 1)
	name, err := table.Forward(pkt, func(_ string, err error) { result <- err })
	require.NoError(t, err)
	assert.Equal(t, "CAN", name)
	assert.ErrorIs(t, <-result, ErrTransmitFailed)
	require.NoError(t, pkt.Release())

	_, err = table.Forward(newPacket(t, pool, 9, protocol.PrioNorm), func(string, error) {
		t.Error("done must not run for an unroutable frame")
	})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestDirectRouteMayReenterTable(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	pool, err := buffer.NewPool(2, 16)
	require.NoError(t, err)

	var inner error
	reentered := false
	require.NoError(t, table.SetDirectRoute("LOOP", 1, TransmitFunc(func(pkt *buffer.Packet, _ time.Duration) error {
		if !reentered {
			reentered = true
			_, inner = table.Transmit(newPacket(t, pool, 1, protocol.PrioNorm), NoWait)
		}
		return pkt.Release()
	})))

	_, err = table.Transmit(newPacket(t, pool, 1, protocol.PrioNorm), NoWait)
	require.NoError(t, err)
	require.NoError(t, inner, "a nested transmit on a direct route never sees the interface busy")
	assert.Equal(t, uint64(2), table.Interfaces()[0].Sent)
	assert.Equal(t, 2, pool.Free())
}
