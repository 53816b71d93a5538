// Package messenger is the logical routing layer of the capsule mesh:
// it owns the open radio connections, routes unicast envelopes along
// topology-derived next hops, floods broadcasts, and delivers
// locally-addressed messages to subscribers.
//
// Forwarding is loop-free by TTL alone: every hop decrements the
// envelope's TTL and drops it at zero, so cyclic topologies cannot
// circulate frames forever. Duplicate deliveries under cycles are
// possible and deliberate; every payload carried over broadcast (CRDT
// operations, topology views) is idempotent at the receiver.
//
// Concurrency: one receive goroutine per connection feeds the local
// delivery subscriptions; the send path is exclusive per connection so
// frames of concurrent senders never interleave. A connection whose
// receive loop observes a disconnect removes the link's edges from the
// topology in both directions; subsequent unicasts whose only path ran
// through it fail with ErrUnreachable.
package messenger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
	"github.com/dreamware/soradyne/internal/wire"
)

// DefaultTTL bounds how many hops an envelope may take.
const DefaultTTL = 8

// incomingDepth buffers each local delivery subscription. A subscriber
// that falls this far behind starts losing envelopes.
const incomingDepth = 256

var (
	// ErrUnreachable is returned when no route to the destination
	// exists at send time.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrTTLExceeded marks an envelope dropped at TTL zero.
	ErrTTLExceeded = errors.New("ttl exceeded")
)

// Kind tags an envelope with its application protocol.
type Kind string

// Message kinds carried over the mesh.
const (
	KindTopologyUpdate   Kind = "topology_update"
	KindPeerIntroduction Kind = "peer_introduction"
	KindFlowSync         Kind = "flow_sync"
	KindPairing          Kind = "pairing"
)

// Envelope is the routed message unit. Destination nil is a broadcast.
type Envelope struct {
	Source      uuid.UUID  `codec:"source"`
	Destination *uuid.UUID `codec:"destination"`
	Kind        Kind       `codec:"message_type"`
	TTL         uint8      `codec:"ttl"`
	HopCount    uint8      `codec:"hop_count"`
	Payload     []byte     `codec:"payload"`
}

// IsBroadcast reports whether the envelope floods the mesh.
func (e Envelope) IsBroadcast() bool { return e.Destination == nil }

// Subscription delivers locally-addressed envelopes.
type Subscription struct {
	// C delivers envelopes; closed on Cancel or messenger shutdown.
	C <-chan Envelope

	cancel func()
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// connection pairs a radio link with its exclusive send lock.
type connection struct {
	conn   radio.Connection
	sendMu sync.Mutex
}

// Messenger routes envelopes for one piece.
type Messenger struct {
	deviceID uuid.UUID
	topo     *topology.Topology
	log      *zap.Logger

	mu      sync.RWMutex
	conns   map[uuid.UUID]*connection
	subs    map[int]chan Envelope
	nextSub int

	onPeerLost func(uuid.UUID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) Option {
	return func(m *Messenger) { m.log = log }
}

// WithPeerLostHandler registers a callback invoked (on the receive
// goroutine) when a connection's receive loop observes a disconnect.
func WithPeerLostHandler(fn func(uuid.UUID)) Option {
	return func(m *Messenger) { m.onPeerLost = fn }
}

// New creates a messenger for the given piece over the shared
// topology.
func New(deviceID uuid.UUID, topo *topology.Topology, opts ...Option) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		deviceID: deviceID,
		topo:     topo,
		log:      zap.NewNop(),
		conns:    make(map[uuid.UUID]*connection),
		subs:     make(map[int]chan Envelope),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeviceID returns the local piece's device ID.
func (m *Messenger) DeviceID() uuid.UUID { return m.deviceID }

// Topology returns the shared topology graph.
func (m *Messenger) Topology() *topology.Topology { return m.topo }

// SendTo routes a unicast envelope toward dst. Direct destinations go
// out on their own connection; indirect ones are handed to the next
// hop. Fails with ErrUnreachable when the topology offers no route.
func (m *Messenger) SendTo(ctx context.Context, dst uuid.UUID, kind Kind, payload []byte) error {
	route := m.topo.ComputeReachability(m.deviceID, dst)
	if route.Kind == topology.ReachabilityNone {
		return errors.Wrapf(ErrUnreachable, "piece %s", dst)
	}

	destination := dst
	env := Envelope{
		Source:      m.deviceID,
		Destination: &destination,
		Kind:        kind,
		TTL:         DefaultTTL,
		Payload:     payload,
	}
	if err := m.sendEnvelope(ctx, route.NextHop, env); err != nil {
		return err
	}
	return nil
}

// Broadcast floods an envelope to every direct neighbour. Broadcasts
// are best-effort and never fail; individual link errors only log.
func (m *Messenger) Broadcast(ctx context.Context, kind Kind, payload []byte) {
	env := Envelope{
		Source:  m.deviceID,
		Kind:    kind,
		TTL:     DefaultTTL,
		Payload: payload,
	}
	m.forwardToNeighbours(ctx, env, uuid.Nil)
}

// Incoming subscribes to envelopes delivered to this piece (unicasts
// addressed here plus broadcasts).
func (m *Messenger) Incoming() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Envelope, incomingDepth)
	m.subs[id] = ch

	return &Subscription{C: ch, cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}}
}

// IsReachable reports whether dst currently has a route.
func (m *Messenger) IsReachable(dst uuid.UUID) bool {
	return m.topo.IsReachable(m.deviceID, dst)
}

// HasConnection reports whether a direct link to peer is open.
func (m *Messenger) HasConnection(peer uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[peer]
	return ok
}

// ConnectionCount returns the number of open connections.
func (m *Messenger) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// AddConnection registers an open link to a peer, records its edges in
// both directions, and starts the receive loop.
func (m *Messenger) AddConnection(peer uuid.UUID, conn radio.Connection) {
	m.mu.Lock()
	m.conns[peer] = &connection{conn: conn}
	m.mu.Unlock()

	m.topo.AddEdge(topology.Edge{From: m.deviceID, To: peer, Transport: topology.TransportRadio, Quality: 1})
	m.topo.AddEdge(topology.Edge{From: peer, To: m.deviceID, Transport: topology.TransportRadio, Quality: 1})

	m.wg.Add(1)
	go m.recvLoop(peer, conn)
}

// RemoveConnection drops a peer's link and both directions of its
// edges. Pending unicasts whose only path ran through the link start
// failing with ErrUnreachable as soon as the edges are gone.
func (m *Messenger) RemoveConnection(peer uuid.UUID) {
	m.mu.Lock()
	entry, ok := m.conns[peer]
	delete(m.conns, peer)
	m.mu.Unlock()

	if ok {
		entry.conn.Disconnect()
	}
	m.topo.RemoveEdgesBetween(m.deviceID, peer)
	m.topo.RemoveEdgesBetween(peer, m.deviceID)
}

// Close shuts the messenger down: every receive loop exits, every
// connection disconnects, every subscription closes.
func (m *Messenger) Close() {
	m.cancel()

	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[uuid.UUID]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.conn.Disconnect()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub)
	}
	m.mu.Unlock()
}

// recvLoop decodes frames from one connection until the link drops or
// the messenger shuts down.
func (m *Messenger) recvLoop(peer uuid.UUID, conn radio.Connection) {
	defer m.wg.Done()
	for {
		frame, err := conn.Recv(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.log.Debug("link lost", zap.Stringer("peer", peer), zap.Error(err))
				m.RemoveConnection(peer)
				if m.onPeerLost != nil {
					m.onPeerLost(peer)
				}
			}
			return
		}

		var env Envelope
		if err := wire.Unmarshal(frame, &env); err != nil {
			m.log.Warn("undecodable envelope", zap.Stringer("peer", peer), zap.Error(err))
			continue
		}
		m.handleIncoming(peer, env)
	}
}

// handleIncoming delivers and/or forwards one received envelope.
func (m *Messenger) handleIncoming(from uuid.UUID, env Envelope) {
	forUs := !env.IsBroadcast() && *env.Destination == m.deviceID

	if forUs || env.IsBroadcast() {
		m.deliverLocal(env)
	}
	if forUs {
		return
	}

	// Not (only) for us: forward with TTL discipline.
	if env.TTL == 0 {
		m.log.Debug("envelope dropped",
			zap.Stringer("source", env.Source), zap.Error(ErrTTLExceeded))
		return
	}
	forwarded := env
	forwarded.TTL--
	forwarded.HopCount++

	if env.IsBroadcast() {
		m.forwardToNeighbours(m.ctx, forwarded, from)
		return
	}

	route := m.topo.ComputeReachability(m.deviceID, *env.Destination)
	if route.Kind == topology.ReachabilityNone {
		m.log.Debug("no route for transit envelope",
			zap.Stringer("source", env.Source),
			zap.Stringer("destination", *env.Destination))
		return
	}
	if err := m.sendEnvelope(m.ctx, route.NextHop, forwarded); err != nil {
		m.log.Debug("transit forward failed",
			zap.Stringer("next_hop", route.NextHop), zap.Error(err))
	}
}

// deliverLocal fans an envelope out to local subscribers. Full
// subscribers lose the envelope rather than stalling the mesh.
func (m *Messenger) deliverLocal(env Envelope) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		select {
		case sub <- env:
		default:
		}
	}
}

// forwardToNeighbours sends an envelope to every direct connection
// except the one it came from.
func (m *Messenger) forwardToNeighbours(ctx context.Context, env Envelope, except uuid.UUID) {
	m.mu.RLock()
	peers := make([]uuid.UUID, 0, len(m.conns))
	for peer := range m.conns {
		if peer != except && peer != env.Source {
			peers = append(peers, peer)
		}
	}
	m.mu.RUnlock()

	for _, peer := range peers {
		if err := m.sendEnvelope(ctx, peer, env); err != nil {
			m.log.Debug("broadcast leg failed", zap.Stringer("peer", peer), zap.Error(err))
		}
	}
}

// sendEnvelope serializes and sends one envelope on a peer's link,
// holding the connection's send lock so frames never interleave.
// Backpressure downgrades the edge's quality before surfacing.
func (m *Messenger) sendEnvelope(ctx context.Context, peer uuid.UUID, env Envelope) error {
	m.mu.RLock()
	entry, ok := m.conns[peer]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnreachable, "no connection to next hop %s", peer)
	}

	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}

	entry.sendMu.Lock()
	err = entry.conn.Send(ctx, frame)
	entry.sendMu.Unlock()

	if errors.Is(err, radio.ErrBackpressure) {
		m.degradeEdge(peer)
	}
	return err
}

// degradeEdge halves the quality of our edge toward a congested peer.
func (m *Messenger) degradeEdge(peer uuid.UUID) {
	for _, e := range m.topo.EdgesFrom(m.deviceID) {
		if e.To == peer {
			e.Quality /= 2
			m.topo.AddEdge(e)
		}
	}
}
