// Package flow implements per-flow drip-hosted document sync.
// See doc.go for complete package documentation.
package flow

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/document"
	"github.com/dreamware/soradyne/internal/messenger"
	"github.com/dreamware/soradyne/internal/topology"
	"github.com/dreamware/soradyne/internal/wire"
)

// ErrHostUnavailable is returned by ApplyEdit under the wait-for-host
// policy when no host is currently reachable. The edit is queued; the
// flow remains usable and the queue drains when a host returns.
var ErrHostUnavailable = errors.New("no host available for flow")

// Sync message types carried as FlowSync envelopes.
const (
	msgHorizonExchange  = "horizon_exchange"
	msgOperationBatch   = "operation_batch"
	msgHostAnnouncement = "host_announcement"
)

// SyncMessage is the CBOR union of the flow sync protocol.
type SyncMessage struct {
	Type   string    `codec:"type"`
	FlowID uuid.UUID `codec:"flow_id"`

	// Horizon accompanies a horizon exchange.
	Horizon document.Horizon `codec:"horizon,omitempty"`

	// Ops accompany an operation batch.
	Ops []document.OpEnvelope `codec:"ops,omitempty"`

	// HostID and Epoch accompany a host announcement.
	HostID uuid.UUID `codec:"host_id,omitempty"`
	Epoch  uint64    `codec:"epoch,omitempty"`
}

// Flow synchronizes one document across the capsule. Each instance
// exclusively owns its document; cross-goroutine access goes through
// the document's internal lock.
type Flow struct {
	flowID uuid.UUID
	doc    *document.Document
	caps   *capsule.Capsule
	topo   *topology.Topology
	msgr   *messenger.Messenger
	policy Policy
	log    *zap.Logger

	assignment HostAssignment
	memorizer  *Memorizer

	mu      sync.Mutex
	pending []document.OpEnvelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Flow.
type Option func(*Flow)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(f *Flow) { f.policy = p }
}

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) Option {
	return func(f *Flow) { f.log = log }
}

// WithMemorizerCapacity bounds the accessory memorizer.
func WithMemorizerCapacity(n int) Option {
	return func(f *Flow) { f.memorizer = NewMemorizer(n) }
}

// New creates a flow instance for this piece. The document's author is
// the local device; schema selection is the caller's (the flow
// descriptor in the capsule names it).
func New(flowID uuid.UUID, schema document.Schema, caps *capsule.Capsule,
	msgr *messenger.Messenger, opts ...Option) *Flow {

	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		flowID:    flowID,
		doc:       document.New(schema, msgr.DeviceID()),
		caps:      caps,
		topo:      msgr.Topology(),
		msgr:      msgr,
		policy:    DefaultPolicy(),
		log:       zap.NewNop(),
		memorizer: NewMemorizer(DefaultMemorizerCapacity),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns the flow ID.
func (f *Flow) ID() uuid.UUID { return f.flowID }

// Document exposes the flow's document for materialization.
func (f *Flow) Document() *document.Document { return f.doc }

// Memorizer exposes the accessory cache.
func (f *Flow) Memorizer() *Memorizer { return f.memorizer }

// Host returns the current host claim.
func (f *Flow) Host() (uuid.UUID, uint64, bool) { return f.assignment.Current() }

// IsHost reports whether this piece currently holds the host claim.
func (f *Flow) IsHost() bool {
	host, _, ok := f.assignment.Current()
	return ok && host == f.msgr.DeviceID()
}

// Start launches the sync loops: incoming message handling and the
// host health tick.
func (f *Flow) Start() {
	f.wg.Add(2)
	go f.messageLoop()
	go f.hostLoop()
}

// Stop cancels the loops and waits for them.
func (f *Flow) Stop() {
	f.cancel()
	f.wg.Wait()
}

// ApplyEdit applies a locally-authored operation through the failover
// policy. Successful local applications broadcast as an operation
// batch so connected peers converge immediately.
func (f *Flow) ApplyEdit(kind string, payload any) (document.OpEnvelope, error) {
	if f.policy.Failover == WaitForHost && !f.IsHost() {
		if host, _, ok := f.assignment.Current(); !ok || !f.msgr.IsReachable(host) {
			env, err := f.queueEdit(kind, payload)
			if err != nil {
				return document.OpEnvelope{}, err
			}
			return env, ErrHostUnavailable
		}
	}

	env, err := f.doc.ApplyLocal(kind, payload)
	if err != nil {
		return document.OpEnvelope{}, err
	}
	f.memorizer.Cache(env)
	f.broadcastOps([]document.OpEnvelope{env})
	return env, nil
}

// queueEdit records a wait-for-host edit locally so it is not lost;
// it is broadcast when a host returns.
func (f *Flow) queueEdit(kind string, payload any) (document.OpEnvelope, error) {
	env, err := f.doc.ApplyLocal(kind, payload)
	if err != nil {
		return document.OpEnvelope{}, err
	}
	f.mu.Lock()
	f.pending = append(f.pending, env)
	f.mu.Unlock()
	return env, nil
}

// flushPending broadcasts edits queued while no host was available.
func (f *Flow) flushPending() {
	f.mu.Lock()
	queued := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	f.log.Info("flushing queued edits", zap.Int("count", len(queued)))
	for _, env := range queued {
		f.memorizer.Cache(env)
	}
	f.broadcastOps(queued)
}

// PendingEdits reports how many edits wait for a host.
func (f *Flow) PendingEdits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// SyncWithPeer solicits a peer's missing operations by sending our
// horizon; the peer answers with an operation batch.
func (f *Flow) SyncWithPeer(peer uuid.UUID) error {
	return f.send(peer, SyncMessage{
		Type:    msgHorizonExchange,
		FlowID:  f.flowID,
		Horizon: f.doc.Horizon(),
	})
}

// EvaluateHost runs the selection policy over the capsule's
// host-capable pieces that are currently online (present in the
// topology or ourselves). Returns uuid.Nil when nobody is eligible.
func (f *Flow) EvaluateHost() uuid.UUID {
	var eligible []capsule.PieceRecord
	for _, piece := range f.caps.Pieces {
		if !piece.Capabilities.HostCapable {
			continue
		}
		if piece.DeviceID != f.msgr.DeviceID() {
			if _, online := f.topo.Piece(piece.DeviceID); !online {
				continue
			}
		}
		eligible = append(eligible, piece)
	}
	if len(eligible) == 0 {
		return uuid.Nil
	}

	switch f.policy.Selection {
	case FirstEligible:
		return eligible[0].DeviceID

	case Preferred:
		for _, piece := range eligible {
			if piece.DeviceID == f.policy.PreferredID {
				return piece.DeviceID
			}
		}
		fallthrough

	case BestConnected:
		best := eligible[0].DeviceID
		bestDegree := -1
		for _, piece := range eligible {
			if degree := f.topo.Degree(piece.DeviceID); degree > bestDegree {
				best, bestDegree = piece.DeviceID, degree
			}
		}
		return best

	case Scored:
		w := f.policy.Weights
		best := eligible[0].DeviceID
		bestScore := math.Inf(-1)
		for _, piece := range eligible {
			score := w.Connectivity * float64(f.topo.Degree(piece.DeviceID))
			score += w.Storage * float64(piece.Capabilities.StorageBytes) / float64(1<<30)
			if piece.Capabilities.BatteryAware {
				score += w.Battery
			}
			if piece.Capabilities.HasUI {
				score += w.UI
			}
			if score > bestScore {
				best, bestScore = piece.DeviceID, score
			}
		}
		return best
	}
	return eligible[0].DeviceID
}

// BecomeHost claims the host role with the next epoch and announces
// the claim to the capsule.
func (f *Flow) BecomeHost() {
	_, epoch, _ := f.assignment.Current()
	next := epoch + 1
	f.assignment.Accept(f.msgr.DeviceID(), next)
	f.announceHost(f.msgr.DeviceID(), next)
	f.flushPending()
	f.log.Info("became host", zap.Stringer("flow", f.flowID), zap.Uint64("epoch", next))
}

// HandoffHost transfers the claim to another piece under a new epoch.
func (f *Flow) HandoffHost(to uuid.UUID) {
	_, epoch, _ := f.assignment.Current()
	next := epoch + 1
	f.assignment.Accept(to, next)
	f.announceHost(to, next)
}

func (f *Flow) announceHost(host uuid.UUID, epoch uint64) {
	body, err := wire.Marshal(SyncMessage{
		Type:   msgHostAnnouncement,
		FlowID: f.flowID,
		HostID: host,
		Epoch:  epoch,
	})
	if err != nil {
		return
	}
	f.msgr.Broadcast(f.ctx, messenger.KindFlowSync, body)
}

// broadcastOps floods an operation batch to the capsule.
func (f *Flow) broadcastOps(ops []document.OpEnvelope) {
	body, err := wire.Marshal(SyncMessage{
		Type:   msgOperationBatch,
		FlowID: f.flowID,
		Ops:    ops,
	})
	if err != nil {
		return
	}
	f.msgr.Broadcast(f.ctx, messenger.KindFlowSync, body)
}

// send delivers one sync message to a specific peer.
func (f *Flow) send(peer uuid.UUID, msg SyncMessage) error {
	body, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return f.msgr.SendTo(f.ctx, peer, messenger.KindFlowSync, body)
}

// messageLoop consumes FlowSync envelopes for this flow.
func (f *Flow) messageLoop() {
	defer f.wg.Done()
	sub := f.msgr.Incoming()
	defer sub.Cancel()
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if env.Kind != messenger.KindFlowSync {
				continue
			}
			var msg SyncMessage
			if err := wire.Unmarshal(env.Payload, &msg); err != nil {
				f.log.Warn("undecodable flow sync", zap.Error(err))
				continue
			}
			if msg.FlowID != f.flowID {
				continue
			}
			f.handleSync(env.Source, msg)
		case <-f.ctx.Done():
			return
		}
	}
}

// handleSync dispatches one flow sync message.
func (f *Flow) handleSync(source uuid.UUID, msg SyncMessage) {
	switch msg.Type {
	case msgHorizonExchange:
		// The peer told us what it has; answer with what it lacks.
		missing := f.doc.OpsSince(msg.Horizon)
		if len(missing) == 0 {
			return
		}
		if err := f.send(source, SyncMessage{
			Type:   msgOperationBatch,
			FlowID: f.flowID,
			Ops:    missing,
		}); err != nil {
			f.log.Debug("horizon reply not sent", zap.Stringer("peer", source), zap.Error(err))
		}

	case msgOperationBatch:
		applied := 0
		for _, env := range msg.Ops {
			f.memorizer.Cache(env)
			if f.doc.ApplyRemote(env) {
				applied++
			}
		}
		if applied > 0 {
			f.log.Debug("operations merged",
				zap.Stringer("source", source), zap.Int("applied", applied))
		}
		if host, _, ok := f.assignment.Current(); ok && host == source {
			f.assignment.Touch()
		}

	case msgHostAnnouncement:
		if f.assignment.Accept(msg.HostID, msg.Epoch) {
			f.log.Info("host superseded",
				zap.Stringer("flow", f.flowID),
				zap.Stringer("host", msg.HostID),
				zap.Uint64("epoch", msg.Epoch))
			if f.policy.Failover == WaitForHost {
				f.flushPending()
			}
		}
	}
}

// hostLoop watches for host dropout per the failover policy.
func (f *Flow) hostLoop() {
	defer f.wg.Done()
	interval := f.policy.HostTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.checkHost()
		case <-f.ctx.Done():
			return
		}
	}
}

// checkHost handles a silent host according to the failover policy.
func (f *Flow) checkHost() {
	host, _, ok := f.assignment.Current()
	if !ok || host == f.msgr.DeviceID() {
		return
	}

	timeout := f.policy.HostTimeout
	if f.policy.Failover == GracefulFailover {
		timeout += f.policy.Grace
	}
	if !f.assignment.TimedOut(timeout) {
		return
	}
	if f.msgr.IsReachable(host) {
		// Still routable; treat reachability as a sign of life.
		f.assignment.Touch()
		return
	}

	switch f.policy.Failover {
	case ImmediateFailover, GracefulFailover:
		f.log.Info("host dropped out", zap.Stringer("host", host))
		f.assignment.Clear()
		if f.EvaluateHost() == f.msgr.DeviceID() {
			f.BecomeHost()
		}
	case OfflineMerge:
		// Edits already apply locally; nothing to do until links
		// return and the CRDT merges.
	case WaitForHost:
		// Queued edits stay queued for the next announcement.
	}
}
