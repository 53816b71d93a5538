// Package radio defines the short-range transport abstraction.
// See doc.go for complete package documentation.
package radio

import (
	"context"
	"errors"
)

// DefaultMTU is the frame-size ceiling a fresh simulated link starts
// with. Real stacks report their own.
const DefaultMTU = 8192

// SendQueueDepth bounds each connection's outgoing queue. A send that
// would overflow it fails with ErrBackpressure instead of blocking.
const SendQueueDepth = 64

var (
	// ErrDisconnected is returned by operations on a link that is down.
	ErrDisconnected = errors.New("link disconnected")

	// ErrMtuExceeded is returned when a frame exceeds the current MTU.
	ErrMtuExceeded = errors.New("frame exceeds mtu")

	// ErrBackpressure is returned when the outgoing queue is full. The
	// messenger treats it as a link-health signal.
	ErrBackpressure = errors.New("outgoing queue full")

	// ErrScan is returned when scanning cannot start.
	ErrScan = errors.New("scan failed")
)

// Address identifies a radio endpoint on the air.
type Address string

// Advertisement is one received advertisement frame.
type Advertisement struct {
	// Address is the advertiser's endpoint, usable with Connect.
	Address Address

	// Data is the raw advertisement payload.
	Data []byte

	// RSSI is the received signal strength in dBm (negative; closer
	// to zero is stronger).
	RSSI int
}

// Connection is one established link. Frames are delivered reliably
// and in FIFO order in each direction for the lifetime of the link.
//
// Send and Recv are safe for concurrent use, but callers keep the send
// path exclusive per connection to avoid interleaving frames of one
// logical message (the messenger does this).
type Connection interface {
	// Send queues one frame. Fails with ErrMtuExceeded when the frame
	// is over the current MTU, ErrDisconnected when the link is down,
	// and ErrBackpressure when the outgoing queue is full.
	Send(ctx context.Context, frame []byte) error

	// Recv blocks for the next frame, honoring ctx cancellation.
	// Returns ErrDisconnected once the link is down and drained.
	Recv(ctx context.Context) ([]byte, error)

	// Disconnect tears the link down; both sides observe it.
	Disconnect()

	// RSSI reports the link's current signal strength.
	RSSI() int

	// PeerAddress returns the remote endpoint.
	PeerAddress() Address

	// IsConnected reports whether the link is up.
	IsConnected() bool
}

// Peripheral is the advertising, connection-accepting role.
type Peripheral interface {
	// StartAdvertising begins broadcasting payload to scanners.
	StartAdvertising(payload []byte) error

	// StopAdvertising stops the broadcast.
	StopAdvertising()

	// UpdateAdvertisement swaps the payload without a stop/start gap.
	UpdateAdvertisement(payload []byte) error

	// Accept blocks for the next inbound connection.
	Accept(ctx context.Context) (Connection, error)
}

// Central is the scanning, dialing role.
type Central interface {
	// StartScan begins collecting advertisements. Subscriptions taken
	// before StartScan observe every advertisement from the first.
	StartScan() error

	// StopScan stops collecting.
	StopScan()

	// Advertisements subscribes to received advertisements. Cancel the
	// subscription when done; a full subscriber drops frames rather
	// than stalling the air.
	Advertisements() *AdvertisementSub

	// Connect dials a peripheral by address.
	Connect(ctx context.Context, addr Address) (Connection, error)
}

// Device is a full radio endpoint: both roles plus its own address.
type Device interface {
	Peripheral
	Central

	// Address returns this endpoint's address on the air.
	Address() Address
}

// AdvertisementSub is a cancellable advertisement subscription.
type AdvertisementSub struct {
	// C delivers advertisements. Closed on Cancel.
	C <-chan Advertisement

	cancel func()
}

// NewAdvertisementSub wraps a channel and cancel hook; transport
// implementations use it, consumers only read C and call Cancel.
func NewAdvertisementSub(c <-chan Advertisement, cancel func()) *AdvertisementSub {
	return &AdvertisementSub{C: c, cancel: cancel}
}

// Cancel tears the subscription down.
func (s *AdvertisementSub) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
