package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Clock abstracts latency injection so simulator tests can virtualize
// time instead of sleeping for real.
type Clock interface {
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock sleeps on the wall clock.
type RealClock struct{}

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Air is the in-process ether of the simulated transport. Every
// simulated device registers a mailbox under its address; advertising
// broadcasts to all scanners, and Connect atomically creates a
// symmetric connection pair.
type Air struct {
	mu      sync.Mutex
	devices map[Address]*SimDevice
	latency map[[2]Address]time.Duration
	clock   Clock
	nextID  int
}

// AirOption configures the Air.
type AirOption func(*Air)

// WithClock injects the latency clock; the default is the wall clock.
func WithClock(c Clock) AirOption {
	return func(a *Air) { a.clock = c }
}

// NewAir creates an empty ether.
func NewAir(opts ...AirOption) *Air {
	a := &Air{
		devices: make(map[Address]*SimDevice),
		latency: make(map[[2]Address]time.Duration),
		clock:   RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewDevice registers a fresh device on the air.
func (a *Air) NewDevice() *SimDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	d := &SimDevice{
		air:     a,
		addr:    Address(fmt.Sprintf("sim-%02x", a.nextID)),
		mtu:     DefaultMTU,
		rssi:    -40,
		subs:    make(map[int]chan Advertisement),
		acceptQ: make(chan *SimConnection, 16),
	}
	a.devices[d.addr] = d
	return d
}

// SetLatency injects a one-way latency ahead of each frame sent from
// one address toward another.
func (a *Air) SetLatency(from, to Address, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency[[2]Address{from, to}] = d
}

func (a *Air) latencyFor(from, to Address) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latency[[2]Address{from, to}]
}

// broadcast delivers an advertisement to every scanning device except
// the advertiser itself. Full subscribers drop the frame.
func (a *Air) broadcast(from *SimDevice, payload []byte) {
	a.mu.Lock()
	targets := make([]*SimDevice, 0, len(a.devices))
	for _, d := range a.devices {
		if d.addr != from.addr {
			targets = append(targets, d)
		}
	}
	a.mu.Unlock()

	adv := Advertisement{Address: from.addr, Data: append([]byte(nil), payload...), RSSI: from.rssi}
	for _, d := range targets {
		d.deliverAdvertisement(adv)
	}
}

// currentAdvertisers snapshots every advertising device and payload.
func (a *Air) currentAdvertisers(exclude Address) []Advertisement {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Advertisement
	for _, d := range a.devices {
		if d.addr == exclude {
			continue
		}
		d.mu.Lock()
		if d.advertising {
			out = append(out, Advertisement{
				Address: d.addr,
				Data:    append([]byte(nil), d.advPayload...),
				RSSI:    d.rssi,
			})
		}
		d.mu.Unlock()
	}
	return out
}

func (a *Air) lookup(addr Address) (*SimDevice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[addr]
	return d, ok
}

// SimDevice is one endpoint on the simulated air, acting as both
// peripheral and central.
type SimDevice struct {
	air  *Air
	addr Address

	mu          sync.Mutex
	mtu         int
	rssi        int
	advertising bool
	advPayload  []byte
	scanning    bool
	subs        map[int]chan Advertisement
	nextSub     int

	acceptQ chan *SimConnection
}

// Address implements Device.
func (d *SimDevice) Address() Address { return d.addr }

// SetMTU changes the MTU applied to connections created afterwards.
func (d *SimDevice) SetMTU(mtu int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtu = mtu
}

// StartAdvertising implements Peripheral. The payload broadcasts to
// current scanners immediately and to late scanners on their scan
// start.
func (d *SimDevice) StartAdvertising(payload []byte) error {
	d.mu.Lock()
	d.advertising = true
	d.advPayload = append([]byte(nil), payload...)
	d.mu.Unlock()
	d.air.broadcast(d, payload)
	return nil
}

// StopAdvertising implements Peripheral.
func (d *SimDevice) StopAdvertising() {
	d.mu.Lock()
	d.advertising = false
	d.advPayload = nil
	d.mu.Unlock()
}

// UpdateAdvertisement implements Peripheral.
func (d *SimDevice) UpdateAdvertisement(payload []byte) error {
	d.mu.Lock()
	if !d.advertising {
		d.mu.Unlock()
		return errors.New("not advertising")
	}
	d.advPayload = append([]byte(nil), payload...)
	d.mu.Unlock()
	d.air.broadcast(d, payload)
	return nil
}

// Accept implements Peripheral.
func (d *SimDevice) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn := <-d.acceptQ:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartScan implements Central. Devices already advertising are
// replayed into the subscriptions so a late scanner misses nothing.
func (d *SimDevice) StartScan() error {
	d.mu.Lock()
	d.scanning = true
	d.mu.Unlock()
	for _, adv := range d.air.currentAdvertisers(d.addr) {
		d.deliverAdvertisement(adv)
	}
	return nil
}

// StopScan implements Central.
func (d *SimDevice) StopScan() {
	d.mu.Lock()
	d.scanning = false
	d.mu.Unlock()
}

// Advertisements implements Central.
func (d *SimDevice) Advertisements() *AdvertisementSub {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	ch := make(chan Advertisement, 64)
	d.subs[id] = ch

	return NewAdvertisementSub(ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if sub, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(sub)
		}
	})
}

func (d *SimDevice) deliverAdvertisement(adv Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scanning {
		return
	}
	for _, ch := range d.subs {
		select {
		case ch <- adv:
		default:
			// Subscriber is behind; advertisements are lossy.
		}
	}
}

// Connect implements Central: it atomically creates a symmetric pair
// of connections and delivers one half to the peripheral's mailbox.
func (d *SimDevice) Connect(ctx context.Context, addr Address) (Connection, error) {
	peer, ok := d.air.lookup(addr)
	if !ok {
		return nil, errors.Wrapf(ErrScan, "no device at %s", addr)
	}

	link := &simLink{closed: make(chan struct{})}
	aToB := make(chan []byte, SendQueueDepth)
	bToA := make(chan []byte, SendQueueDepth)

	d.mu.Lock()
	localMTU := d.mtu
	d.mu.Unlock()
	peer.mu.Lock()
	peerMTU := peer.mtu
	peerRSSI := peer.rssi
	peer.mu.Unlock()

	mtu := localMTU
	if peerMTU < mtu {
		mtu = peerMTU
	}

	local := &SimConnection{
		air: d.air, link: link, out: aToB, in: bToA,
		self: d.addr, peer: addr, mtu: mtu, rssi: peerRSSI,
	}
	remote := &SimConnection{
		air: d.air, link: link, out: bToA, in: aToB,
		self: addr, peer: d.addr, mtu: mtu, rssi: d.rssi,
	}

	select {
	case peer.acceptQ <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

// simLink is the shared fate of a connection pair.
type simLink struct {
	once   sync.Once
	closed chan struct{}
}

func (l *simLink) close() { l.once.Do(func() { close(l.closed) }) }

func (l *simLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// SimConnection is one half of a simulated link.
type SimConnection struct {
	air  *Air
	link *simLink
	out  chan []byte
	in   chan []byte
	self Address
	peer Address
	mtu  int
	rssi int
}

// Send implements Connection. The configured one-way latency elapses
// (on the air's clock) before the frame is queued.
func (c *SimConnection) Send(ctx context.Context, frame []byte) error {
	if c.link.isClosed() {
		return ErrDisconnected
	}
	if len(frame) > c.mtu {
		return errors.Wrapf(ErrMtuExceeded, "%d > %d", len(frame), c.mtu)
	}
	if latency := c.air.latencyFor(c.self, c.peer); latency > 0 {
		if err := c.air.clock.Sleep(ctx, latency); err != nil {
			return err
		}
		if c.link.isClosed() {
			return ErrDisconnected
		}
	}

	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	default:
		return ErrBackpressure
	}
}

// Recv implements Connection. Frames buffered before a disconnect are
// still delivered; only a drained, closed link reports ErrDisconnected.
func (c *SimConnection) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.link.closed:
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, ErrDisconnected
		}
	}
}

// Disconnect implements Connection.
func (c *SimConnection) Disconnect() { c.link.close() }

// RSSI implements Connection.
func (c *SimConnection) RSSI() int { return c.rssi }

// PeerAddress implements Connection.
func (c *SimConnection) PeerAddress() Address { return c.peer }

// IsConnected implements Connection.
func (c *SimConnection) IsConnected() bool { return !c.link.isClosed() }
