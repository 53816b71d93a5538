package radio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClock counts requested sleeps without actually sleeping.
type recordingClock struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (c *recordingClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	return nil
}

func TestAdvertisementReachesScanner(t *testing.T) {
	air := NewAir()
	adv := air.NewDevice()
	scan := air.NewDevice()

	sub := scan.Advertisements()
	defer sub.Cancel()
	require.NoError(t, scan.StartScan())

	require.NoError(t, adv.StartAdvertising([]byte("hello air")))

	select {
	case got := <-sub.C:
		assert.Equal(t, adv.Address(), got.Address)
		assert.Equal(t, []byte("hello air"), got.Data)
		assert.Negative(t, got.RSSI)
	case <-time.After(time.Second):
		t.Fatal("advertisement never arrived")
	}
}

func TestLateScannerSeesCurrentAdvertisers(t *testing.T) {
	air := NewAir()
	adv := air.NewDevice()
	require.NoError(t, adv.StartAdvertising([]byte("early bird")))

	late := air.NewDevice()
	sub := late.Advertisements()
	defer sub.Cancel()
	require.NoError(t, late.StartScan())

	select {
	case got := <-sub.C:
		assert.Equal(t, []byte("early bird"), got.Data)
	case <-time.After(time.Second):
		t.Fatal("replay of current advertisers missing")
	}
}

func TestConnectDeliversSymmetricPair(t *testing.T) {
	air := NewAir()
	peripheral := air.NewDevice()
	central := air.NewDevice()
	ctx := context.Background()

	require.NoError(t, peripheral.StartAdvertising(nil))

	var accepted Connection
	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		accepted, err = peripheral.Accept(ctx)
		assert.NoError(t, err)
	}()

	dialed, err := central.Connect(ctx, peripheral.Address())
	require.NoError(t, err)
	<-done

	require.NoError(t, dialed.Send(ctx, []byte("ping")))
	got, err := accepted.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, accepted.Send(ctx, []byte("pong")))
	got, err = dialed.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)

	assert.Equal(t, central.Address(), accepted.PeerAddress())
	assert.Equal(t, peripheral.Address(), dialed.PeerAddress())
}

func TestSendPreservesFIFO(t *testing.T) {
	air := NewAir()
	a := air.NewDevice()
	b := air.NewDevice()
	ctx := context.Background()

	go func() {
		conn, err := a.Accept(ctx)
		if err != nil {
			return
		}
		for i := byte(0); i < 10; i++ {
			_ = conn.Send(ctx, []byte{i})
		}
	}()

	conn, err := b.Connect(ctx, a.Address())
	require.NoError(t, err)
	for i := byte(0); i < 10; i++ {
		frame, err := conn.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{i}, frame, "frames arrive in send order")
	}
}

func TestMtuExceeded(t *testing.T) {
	air := NewAir()
	a := air.NewDevice()
	b := air.NewDevice()
	b.SetMTU(8)
	ctx := context.Background()

	go func() { _, _ = a.Accept(ctx) }()
	conn, err := b.Connect(ctx, a.Address())
	require.NoError(t, err)

	assert.NoError(t, conn.Send(ctx, make([]byte, 8)))
	assert.ErrorIs(t, conn.Send(ctx, make([]byte, 9)), ErrMtuExceeded)
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	air := NewAir()
	a := air.NewDevice()
	b := air.NewDevice()
	ctx := context.Background()

	go func() { _, _ = a.Accept(ctx) }()
	conn, err := b.Connect(ctx, a.Address())
	require.NoError(t, err)

	// Nobody reads the peer side; the bounded queue must fill.
	var backpressured bool
	for i := 0; i < SendQueueDepth+1; i++ {
		if err := conn.Send(ctx, []byte("frame")); err != nil {
			require.ErrorIs(t, err, ErrBackpressure)
			backpressured = true
			break
		}
	}
	assert.True(t, backpressured, "queue of %d must overflow on %d sends", SendQueueDepth, SendQueueDepth+1)
}

func TestDisconnectObservedBothSides(t *testing.T) {
	air := NewAir()
	a := air.NewDevice()
	b := air.NewDevice()
	ctx := context.Background()

	accepted := make(chan Connection, 1)
	go func() {
		conn, err := a.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()
	dialed, err := b.Connect(ctx, a.Address())
	require.NoError(t, err)
	peer := <-accepted

	require.NoError(t, dialed.Send(ctx, []byte("last words")))
	dialed.Disconnect()

	assert.False(t, dialed.IsConnected())
	assert.False(t, peer.IsConnected())

	// Buffered frames drain before the disconnect surfaces.
	frame, err := peer.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), frame)

	_, err = peer.Recv(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, peer.Send(ctx, []byte("x")), ErrDisconnected)
}

func TestLatencyInjectionUsesClock(t *testing.T) {
	clock := &recordingClock{}
	air := NewAir(WithClock(clock))
	a := air.NewDevice()
	b := air.NewDevice()
	ctx := context.Background()

	air.SetLatency(b.Address(), a.Address(), 25*time.Millisecond)

	go func() { _, _ = a.Accept(ctx) }()
	conn, err := b.Connect(ctx, a.Address())
	require.NoError(t, err)

	require.NoError(t, conn.Send(ctx, []byte("delayed")))
	require.Len(t, clock.slept, 1, "latency goes through the injected clock, not a real sleep")
	assert.Equal(t, 25*time.Millisecond, clock.slept[0])
}

func TestRecvHonorsContext(t *testing.T) {
	air := NewAir()
	a := air.NewDevice()
	b := air.NewDevice()

	go func() { _, _ = a.Accept(context.Background()) }()
	conn, err := b.Connect(context.Background(), a.Address())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
