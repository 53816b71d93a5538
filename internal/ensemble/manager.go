package ensemble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/messenger"
	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
	"github.com/dreamware/soradyne/internal/wire"
)

// Config tunes the discovery loop.
type Config struct {
	// ScanInterval is how often the manager re-advertises and sweeps
	// for stale pieces.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// StaleTimeout is how long a piece may stay silent (no
	// advertisement and no data) before it is removed.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// HandshakeTimeout bounds the hello exchange on a new connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:     2 * time.Second,
		StaleTimeout:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Manager runs the ensemble lifecycle for one piece of one capsule.
type Manager struct {
	deviceID uuid.UUID
	bundle   identity.KeyBundle
	device   radio.Device
	topo     *topology.Topology
	msgr     *messenger.Messenger
	config   Config
	log      *zap.Logger

	// pieceHints resolves advertisement piece hints to device IDs,
	// built from the capsule roster.
	mu         sync.RWMutex
	pieceHints map[[4]byte]uuid.UUID
	peerAddrs  map[uuid.UUID]radio.Address
	dialing    map[uuid.UUID]bool

	advSeq atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.config = cfg }
}

// NewManager assembles a manager. The capsule provides the key bundle
// and the roster the piece-hint table is derived from; the messenger
// and topology are shared with the flow layer.
func NewManager(caps *capsule.Capsule, deviceID uuid.UUID, device radio.Device,
	topo *topology.Topology, msgr *messenger.Messenger, opts ...Option) *Manager {

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deviceID:   deviceID,
		bundle:     caps.Keys,
		device:     device,
		topo:       topo,
		msgr:       msgr,
		config:     DefaultConfig(),
		log:        zap.NewNop(),
		pieceHints: make(map[[4]byte]uuid.UUID),
		peerAddrs:  make(map[uuid.UUID]radio.Address),
		dialing:    make(map[uuid.UUID]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetRoster(caps.DeviceIDs())

	topo.UpsertPiece(topology.Presence{
		DeviceID:          deviceID,
		Reachability:      topology.ReachabilityDirect,
		LastAdvertisement: time.Now(),
		LastExchange:      time.Now(),
	})
	return m
}

// SetRoster rebuilds the piece-hint table after roster changes.
func (m *Manager) SetRoster(deviceIDs []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pieceHints = make(map[[4]byte]uuid.UUID, len(deviceIDs))
	for _, id := range deviceIDs {
		m.pieceHints[identity.PieceHint(id)] = id
	}
}

// Start launches the discovery loops.
func (m *Manager) Start() error {
	if err := m.device.StartAdvertising(nil); err != nil {
		return errors.Wrap(err, "start advertising")
	}
	if err := m.advertiseOnce(); err != nil {
		return err
	}
	if err := m.device.StartScan(); err != nil {
		return errors.Wrap(err, "start scanning")
	}

	m.wg.Add(4)
	go m.advertiseLoop()
	go m.scanLoop()
	go m.acceptLoop()
	go m.messageLoop()
	return nil
}

// Stop shuts the loops down. The messenger and topology, which the
// flow layer shares, are left to their owner.
func (m *Manager) Stop() {
	m.cancel()
	m.device.StopAdvertising()
	m.device.StopScan()
	m.wg.Wait()
}

// advertiseLoop re-advertises and sweeps stale pieces on the tick.
func (m *Manager) advertiseLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.advertiseOnce(); err != nil {
				m.log.Warn("re-advertise failed", zap.Error(err))
			}
			m.sweepStale()
		case <-m.ctx.Done():
			return
		}
	}
}

// advertiseOnce seals and publishes the current advertisement.
func (m *Manager) advertiseOnce() error {
	known := make([][4]byte, 0)
	for _, p := range m.topo.Pieces() {
		if p.DeviceID != m.deviceID {
			known = append(known, identity.PieceHint(p.DeviceID))
		}
	}
	payload := AdvPayload{
		PieceHint:       identity.PieceHint(m.deviceID),
		Seq:             m.advSeq.Add(1),
		TopologyHash:    m.topo.Hash(),
		KnownPieceHints: known,
	}
	frame, err := SealAdvertisement(m.bundle, payload)
	if err != nil {
		return err
	}
	return m.device.UpdateAdvertisement(frame)
}

// scanLoop consumes advertisements from the air.
func (m *Manager) scanLoop() {
	defer m.wg.Done()
	sub := m.device.Advertisements()
	defer sub.Cancel()
	for {
		select {
		case adv, ok := <-sub.C:
			if !ok {
				return
			}
			m.handleAdvertisement(adv)
		case <-m.ctx.Done():
			return
		}
	}
}

// handleAdvertisement processes one frame from the air: filter,
// decrypt, upsert presence, and possibly initiate a connection.
func (m *Manager) handleAdvertisement(adv radio.Advertisement) {
	payload, ours, err := OpenAdvertisement(m.bundle, adv.Data)
	if err != nil {
		m.log.Warn("bad advertisement", zap.String("address", string(adv.Address)), zap.Error(err))
		return
	}
	if !ours {
		return
	}

	m.mu.RLock()
	peer, known := m.pieceHints[payload.PieceHint]
	m.mu.RUnlock()
	if !known || peer == m.deviceID {
		return
	}

	m.mu.Lock()
	m.peerAddrs[peer] = adv.Address
	m.mu.Unlock()

	now := time.Now()
	if !m.topo.UpdatePiece(peer, func(p *topology.Presence) {
		p.RSSI = adv.RSSI
		p.LastAdvertisement = now
		if p.Reachability == topology.ReachabilityNone {
			p.Reachability = topology.ReachabilityAdvertisementOnly
		}
	}) {
		m.topo.UpsertPiece(topology.Presence{
			DeviceID:          peer,
			Reachability:      topology.ReachabilityAdvertisementOnly,
			RSSI:              adv.RSSI,
			LastAdvertisement: now,
		})
	}

	m.maybeConnect(peer, adv.Address)
}

// maybeConnect dials a peer when we are the deterministic initiator
// and no link exists yet.
func (m *Manager) maybeConnect(peer uuid.UUID, addr radio.Address) {
	// Lexicographic tiebreak: the smaller device ID initiates, so the
	// two sides never dial each other simultaneously.
	if m.deviceID.String() >= peer.String() {
		return
	}
	if m.msgr.HasConnection(peer) {
		return
	}

	m.mu.Lock()
	if m.dialing[peer] {
		m.mu.Unlock()
		return
	}
	m.dialing[peer] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, peer)
			m.mu.Unlock()
		}()

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), m.ctx)
		err := backoff.Retry(func() error {
			return m.dial(peer, addr)
		}, policy)
		if err != nil && m.ctx.Err() == nil {
			m.log.Debug("dial failed", zap.Stringer("peer", peer), zap.Error(err))
		}
	}()
}

// dial connects, runs the hello handshake, and registers the link.
func (m *Manager) dial(peer uuid.UUID, addr radio.Address) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.HandshakeTimeout)
	defer cancel()

	conn, err := m.device.Connect(ctx, addr)
	if err != nil {
		return err
	}
	if err := m.sendHello(ctx, conn); err != nil {
		conn.Disconnect()
		return err
	}
	hello, err := m.recvHello(ctx, conn)
	if err != nil {
		conn.Disconnect()
		return err
	}
	if hello.DeviceID != peer {
		conn.Disconnect()
		return errors.Errorf("dialed %s, answered by %s", peer, hello.DeviceID)
	}

	m.registerLink(hello, conn)
	return nil
}

// acceptLoop answers inbound connections with the hello handshake.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.device.Accept(m.ctx)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.config.HandshakeTimeout)
		hello, err := m.recvHello(ctx, conn)
		if err != nil {
			m.log.Debug("inbound handshake failed", zap.Error(err))
			conn.Disconnect()
			cancel()
			continue
		}
		if err := m.sendHello(ctx, conn); err != nil {
			conn.Disconnect()
			cancel()
			continue
		}
		cancel()
		m.registerLink(hello, conn)
	}
}

func (m *Manager) sendHello(ctx context.Context, conn radio.Connection) error {
	body, err := wire.Marshal(Hello{DeviceID: m.deviceID, Address: m.device.Address()})
	if err != nil {
		return err
	}
	sealed, err := m.bundle.Seal(body)
	if err != nil {
		return err
	}
	return conn.Send(ctx, sealed)
}

func (m *Manager) recvHello(ctx context.Context, conn radio.Connection) (Hello, error) {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return Hello{}, err
	}
	body, err := m.bundle.Open(frame)
	if err != nil {
		return Hello{}, errors.Wrap(err, "hello from non-member")
	}
	var hello Hello
	if err := wire.Unmarshal(body, &hello); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

// registerLink installs a handshaken connection: presence goes direct,
// the messenger takes the link, and we share our view with the peer.
func (m *Manager) registerLink(hello Hello, conn radio.Connection) {
	peer := hello.DeviceID
	now := time.Now()

	m.mu.Lock()
	m.peerAddrs[peer] = hello.Address
	m.mu.Unlock()

	if !m.topo.UpdatePiece(peer, func(p *topology.Presence) {
		p.Reachability = topology.ReachabilityDirect
		p.LastExchange = now
	}) {
		m.topo.UpsertPiece(topology.Presence{
			DeviceID:     peer,
			Reachability: topology.ReachabilityDirect,
			LastExchange: now,
		})
	}
	m.msgr.AddConnection(peer, conn)
	m.log.Info("link established", zap.Stringer("peer", peer))

	m.shareView(peer)
}

// shareView sends our topology view and peer introductions to a peer.
func (m *Manager) shareView(peer uuid.UUID) {
	update, err := wire.Marshal(snapshotView(m.topo))
	if err == nil {
		if err := m.msgr.SendTo(m.ctx, peer, messenger.KindTopologyUpdate, update); err != nil {
			m.log.Debug("topology update not sent", zap.Stringer("peer", peer), zap.Error(err))
		}
	}

	m.mu.RLock()
	intro := PeerIntroduction{}
	for id, addr := range m.peerAddrs {
		if id != peer {
			intro.Peers = append(intro.Peers, PeerInfo{DeviceID: id, Address: addr})
		}
	}
	m.mu.RUnlock()
	if len(intro.Peers) == 0 {
		return
	}
	body, err := wire.Marshal(intro)
	if err != nil {
		return
	}
	if err := m.msgr.SendTo(m.ctx, peer, messenger.KindPeerIntroduction, body); err != nil {
		m.log.Debug("introduction not sent", zap.Stringer("peer", peer), zap.Error(err))
	}
}

// messageLoop merges topology updates and introductions from peers.
func (m *Manager) messageLoop() {
	defer m.wg.Done()
	sub := m.msgr.Incoming()
	defer sub.Cancel()
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			m.handleEnvelope(env)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) handleEnvelope(env messenger.Envelope) {
	now := time.Now()
	m.topo.UpdatePiece(env.Source, func(p *topology.Presence) { p.LastExchange = now })

	switch env.Kind {
	case messenger.KindTopologyUpdate:
		var update TopologyUpdate
		if err := wire.Unmarshal(env.Payload, &update); err != nil {
			return
		}
		m.mergeView(update)

	case messenger.KindPeerIntroduction:
		var intro PeerIntroduction
		if err := wire.Unmarshal(env.Payload, &intro); err != nil {
			return
		}
		for _, peer := range intro.Peers {
			if peer.DeviceID == m.deviceID {
				continue
			}
			m.mu.Lock()
			m.peerAddrs[peer.DeviceID] = peer.Address
			m.mu.Unlock()
			if _, ok := m.topo.Piece(peer.DeviceID); !ok {
				m.topo.UpsertPiece(topology.Presence{
					DeviceID:     peer.DeviceID,
					Reachability: topology.ReachabilityAdvertisementOnly,
					LastExchange: now,
				})
			}
			m.maybeConnect(peer.DeviceID, peer.Address)
		}
	}
}

// mergeView folds a peer's topology view into ours.
func (m *Manager) mergeView(update TopologyUpdate) {
	now := time.Now()
	for _, piece := range update.Pieces {
		if piece.DeviceID == m.deviceID {
			continue
		}
		if _, ok := m.topo.Piece(piece.DeviceID); !ok {
			m.topo.UpsertPiece(topology.Presence{
				DeviceID:     piece.DeviceID,
				Reachability: topology.ReachabilityIndirect,
				RSSI:         piece.RSSI,
				LastExchange: now,
			})
		}
	}
	for _, edge := range update.Edges {
		m.topo.AddEdge(topology.Edge{
			From:      edge.From,
			To:        edge.To,
			Transport: topology.Transport(edge.Transport),
			Quality:   edge.Quality,
		})
	}
}

// sweepStale removes pieces silent on both the advertisement and data
// axes for longer than the stale timeout.
func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.config.StaleTimeout)
	for _, p := range m.topo.Pieces() {
		if p.DeviceID == m.deviceID {
			continue
		}
		if p.LastAdvertisement.Before(cutoff) && p.LastExchange.Before(cutoff) {
			m.log.Info("piece aged out", zap.Stringer("peer", p.DeviceID))
			m.msgr.RemoveConnection(p.DeviceID)
			m.topo.RemovePiece(p.DeviceID)
		}
	}
}
