package flow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/document"
	"github.com/dreamware/soradyne/internal/messenger"
	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
)

// testPiece is one flow participant on the simulated air.
type testPiece struct {
	id   uuid.UUID
	dev  *radio.SimDevice
	topo *topology.Topology
	msgr *messenger.Messenger
	flow *Flow
}

func buildCapsule(t *testing.T, ids ...uuid.UUID) *capsule.Capsule {
	t.Helper()
	caps, err := capsule.New("flows", capsule.PieceRecord{
		DeviceID:     ids[0],
		Capabilities: capsule.Capabilities{HostCapable: true},
	})
	require.NoError(t, err)
	for _, id := range ids[1:] {
		require.NoError(t, caps.AddPiece(capsule.PieceRecord{
			DeviceID:     id,
			Capabilities: capsule.Capabilities{HostCapable: true},
		}))
	}
	return caps
}

func newFlowPiece(t *testing.T, air *radio.Air, caps *capsule.Capsule, id, flowID uuid.UUID, opts ...Option) *testPiece {
	t.Helper()
	topo := topology.New()
	topo.UpsertPiece(topology.Presence{DeviceID: id, Reachability: topology.ReachabilityDirect})
	msgr := messenger.New(id, topo)
	f := New(flowID, document.InventorySchema{}, caps, msgr, opts...)
	f.Start()
	t.Cleanup(func() {
		f.Stop()
		msgr.Close()
	})
	return &testPiece{id: id, dev: air.NewDevice(), topo: topo, msgr: msgr, flow: f}
}

// connect wires two pieces bidirectionally.
func connect(t *testing.T, a, b *testPiece) {
	t.Helper()
	ctx := context.Background()
	accepted := make(chan radio.Connection, 1)
	go func() {
		conn, err := a.dev.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()
	dialed, err := b.dev.Connect(ctx, a.dev.Address())
	require.NoError(t, err)
	aSide := <-accepted

	a.topo.UpsertPiece(topology.Presence{DeviceID: b.id, Reachability: topology.ReachabilityDirect})
	b.topo.UpsertPiece(topology.Presence{DeviceID: a.id, Reachability: topology.ReachabilityDirect})
	a.msgr.AddConnection(b.id, aSide)
	b.msgr.AddConnection(a.id, dialed)
}

func inventoryOf(t *testing.T, f *Flow) *document.InventoryState {
	t.Helper()
	state, err := f.Document().Materialize()
	require.NoError(t, err)
	return state.(*document.InventoryState)
}

func TestHostAssignmentEpochMonotonic(t *testing.T) {
	var a HostAssignment
	hostA, hostC := uuid.New(), uuid.New()

	require.True(t, a.Accept(hostA, 1))
	got, epoch, ok := a.Current()
	require.True(t, ok)
	assert.Equal(t, hostA, got)
	assert.Equal(t, uint64(1), epoch)

	// A forged equal-epoch claim is ignored.
	assert.False(t, a.Accept(hostC, 1))
	got, epoch, _ = a.Current()
	assert.Equal(t, hostA, got)
	assert.Equal(t, uint64(1), epoch)

	// A strictly higher epoch supersedes.
	require.True(t, a.Accept(hostA, 2))
	_, epoch, _ = a.Current()
	assert.Equal(t, uint64(2), epoch)

	// Epochs never decrease.
	assert.False(t, a.Accept(hostC, 1))
	_, epoch, _ = a.Current()
	assert.Equal(t, uint64(2), epoch)
}

func TestMemorizerFIFOAndIdempotence(t *testing.T) {
	m := NewMemorizer(2)
	author := uuid.New()

	first := document.OpEnvelope{OpID: uuid.New(), Author: author, Seq: 1}
	second := document.OpEnvelope{OpID: uuid.New(), Author: author, Seq: 2}
	third := document.OpEnvelope{OpID: uuid.New(), Author: author, Seq: 3}

	m.Cache(first)
	m.Cache(first) // duplicate: ignored
	m.Cache(second)
	assert.Equal(t, 2, m.Len())

	m.Cache(third) // evicts first (FIFO)
	assert.Equal(t, 2, m.Len())

	served := m.OperationsSince(document.Horizon{})
	require.Len(t, served, 2)
	assert.Equal(t, second.OpID, served[0].OpID)
	assert.Equal(t, third.OpID, served[1].OpID)

	// A horizon covering seq 2 only gets the tail.
	served = m.OperationsSince(document.Horizon{author: 2})
	require.Len(t, served, 1)
	assert.Equal(t, third.OpID, served[0].OpID)

	assert.Equal(t, uint64(3), m.Horizon()[author])
}

func TestEditPropagatesAcrossLink(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	a := newFlowPiece(t, air, caps, idA, flowID)
	b := newFlowPiece(t, air, caps, idB, flowID)
	connect(t, a, b)

	_, err := b.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "item_1", Kind: "InventoryItem"})
	require.NoError(t, err)
	_, err = b.flow.ApplyEdit(document.OpSetField, document.SetFieldPayload{ID: "item_1", Field: "description", Value: "Hammer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state := inventoryOf(t, a.flow)
		item, ok := state.Items["item_1"]
		return ok && item.Fields["description"] == "Hammer"
	}, 2*time.Second, 10*time.Millisecond, "broadcast edits must reach the peer")
}

func TestHorizonExchangeBackfills(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	a := newFlowPiece(t, air, caps, idA, flowID)
	b := newFlowPiece(t, air, caps, idB, flowID)

	// a edits while disconnected; nothing reaches b.
	_, err := a.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "offline", Kind: "InventoryItem"})
	require.NoError(t, err)
	assert.Empty(t, inventoryOf(t, b.flow).Items)

	// Reconnect and solicit the delta.
	connect(t, a, b)
	require.NoError(t, b.flow.SyncWithPeer(idA))

	require.Eventually(t, func() bool {
		_, ok := inventoryOf(t, b.flow).Items["offline"]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "horizon exchange must backfill missing ops")
}

func TestOfflineMergeConvergence(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	a := newFlowPiece(t, air, caps, idA, flowID)
	b := newFlowPiece(t, air, caps, idB, flowID)

	// Both sides edit during the partition.
	_, err := a.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "item_A", Kind: "InventoryItem"})
	require.NoError(t, err)
	_, err = b.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "item_B", Kind: "InventoryItem"})
	require.NoError(t, err)

	assert.Len(t, inventoryOf(t, a.flow).Items, 1)
	assert.Len(t, inventoryOf(t, b.flow).Items, 1)

	// Heal the partition and exchange horizons both ways.
	connect(t, a, b)
	require.NoError(t, a.flow.SyncWithPeer(idB))
	require.NoError(t, b.flow.SyncWithPeer(idA))

	require.Eventually(t, func() bool {
		return len(inventoryOf(t, a.flow).Items) == 2 && len(inventoryOf(t, b.flow).Items) == 2
	}, 2*time.Second, 10*time.Millisecond, "offline edits must merge on reconnect")

	stateA, stateB := inventoryOf(t, a.flow), inventoryOf(t, b.flow)
	assert.Contains(t, stateA.Items, "item_A")
	assert.Contains(t, stateA.Items, "item_B")
	assert.Contains(t, stateB.Items, "item_A")
	assert.Contains(t, stateB.Items, "item_B")
}

func TestHostAnnouncementOverMesh(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	a := newFlowPiece(t, air, caps, idA, flowID)
	b := newFlowPiece(t, air, caps, idB, flowID)
	connect(t, a, b)

	a.flow.BecomeHost()
	require.Eventually(t, func() bool {
		host, epoch, ok := b.flow.Host()
		return ok && host == idA && epoch == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second claim from the same host with a higher epoch updates b.
	a.flow.BecomeHost()
	require.Eventually(t, func() bool {
		host, epoch, ok := b.flow.Host()
		return ok && host == idA && epoch == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForHostQueuesEdits(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	policy := DefaultPolicy()
	policy.Failover = WaitForHost

	a := newFlowPiece(t, air, caps, idA, flowID, WithPolicy(policy))
	b := newFlowPiece(t, air, caps, idB, flowID, WithPolicy(policy))
	connect(t, a, b)

	// No host yet: the edit queues and the caller hears about it now.
	_, err := b.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "queued", Kind: "InventoryItem"})
	assert.ErrorIs(t, err, ErrHostUnavailable)
	assert.Equal(t, 1, b.flow.PendingEdits())

	// A host announcement flushes the queue to the mesh.
	a.flow.BecomeHost()
	require.Eventually(t, func() bool {
		return b.flow.PendingEdits() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := inventoryOf(t, a.flow).Items["queued"]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "flushed edits reach the host")
}

func TestEvaluateHostStrategies(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	idA, idB := uuid.New(), uuid.New()
	caps := buildCapsule(t, idA, idB)

	a := newFlowPiece(t, air, caps, idA, flowID)
	b := newFlowPiece(t, air, caps, idB, flowID)
	connect(t, a, b)

	// Give b an extra edge so it is best connected.
	extra := uuid.New()
	b.topo.UpsertPiece(topology.Presence{DeviceID: extra, Reachability: topology.ReachabilityDirect})
	b.topo.AddEdge(topology.Edge{From: idB, To: extra, Transport: topology.TransportSimulated, Quality: 1})
	b.topo.AddEdge(topology.Edge{From: extra, To: idB, Transport: topology.TransportSimulated, Quality: 1})

	assert.Equal(t, idB, b.flow.EvaluateHost(), "best-connected picks the highest-degree piece")

	preferred := DefaultPolicy()
	preferred.Selection = Preferred
	preferred.PreferredID = idA
	f := New(uuid.New(), document.InventorySchema{}, caps, b.msgr, WithPolicy(preferred))
	assert.Equal(t, idA, f.EvaluateHost(), "preferred wins while online")

	first := DefaultPolicy()
	first.Selection = FirstEligible
	f = New(uuid.New(), document.InventorySchema{}, caps, b.msgr, WithPolicy(first))
	assert.Equal(t, idA, f.EvaluateHost(), "first eligible follows roster order")
}
