// Package integration exercises the full capsule runtime end to end:
// three pieces on the simulated air, discovery through the ensemble
// manager, multi-hop routing through the messenger, and drip-hosted
// flow convergence — the whole stack below the application layer.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/document"
	"github.com/dreamware/soradyne/internal/ensemble"
	"github.com/dreamware/soradyne/internal/flow"
	"github.com/dreamware/soradyne/internal/messenger"
	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
	"github.com/dreamware/soradyne/internal/wire"
)

// piece is one fully assembled capsule participant without the
// ensemble layer: topology and links are set up explicitly so the
// tests control the exact graph shape.
type piece struct {
	id   uuid.UUID
	dev  *radio.SimDevice
	topo *topology.Topology
	msgr *messenger.Messenger
	flow *flow.Flow
}

func newPiece(t *testing.T, air *radio.Air, caps *capsule.Capsule, id, flowID uuid.UUID) *piece {
	t.Helper()
	topo := topology.New()
	topo.UpsertPiece(topology.Presence{DeviceID: id, Reachability: topology.ReachabilityDirect})
	msgr := messenger.New(id, topo)
	f := flow.New(flowID, document.InventorySchema{}, caps, msgr)
	f.Start()
	t.Cleanup(func() {
		f.Stop()
		msgr.Close()
	})
	return &piece{id: id, dev: air.NewDevice(), topo: topo, msgr: msgr, flow: f}
}

// connect links two pieces bidirectionally and mirrors the full edge
// picture to every piece given in viewers, the way topology exchange
// would.
func connect(t *testing.T, a, b *piece, viewers ...*piece) {
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

	for _, v := range viewers {
		v.topo.UpsertPiece(topology.Presence{DeviceID: a.id, Reachability: topology.ReachabilityIndirect})
		v.topo.UpsertPiece(topology.Presence{DeviceID: b.id, Reachability: topology.ReachabilityIndirect})
		v.topo.AddEdge(topology.Edge{From: a.id, To: b.id, Transport: topology.TransportSimulated, Quality: 1})
		v.topo.AddEdge(topology.Edge{From: b.id, To: a.id, Transport: topology.TransportSimulated, Quality: 1})
	}
}

func buildCapsule(t *testing.T, ids ...uuid.UUID) *capsule.Capsule {
	t.Helper()
	caps, err := capsule.New("three-piece", capsule.PieceRecord{
		DeviceID:     ids[0],
		Name:         "mac",
		Capabilities: capsule.Capabilities{HostCapable: true, RouteCapable: true},
	})
	require.NoError(t, err)
	names := []string{"phone", "accessory"}
	for i, id := range ids[1:] {
		require.NoError(t, caps.AddPiece(capsule.PieceRecord{
			DeviceID:     id,
			Name:         names[i%len(names)],
			Capabilities: capsule.Capabilities{HostCapable: true, MemorizeCapable: true},
		}))
	}
	return caps
}

func inventory(t *testing.T, f *flow.Flow) *document.InventoryState {
	t.Helper()
	state, err := f.Document().Materialize()
	require.NoError(t, err)
	return state.(*document.InventoryState)
}

// Scenario: mac <-> phone, mac <-> accessory, no phone/accessory link.
// The phone authors an item; both other pieces converge, the accessory
// only through the mac's forwarding.
func TestThreePieceDataSync(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	macID, phoneID, accID := uuid.New(), uuid.New(), uuid.New()
	caps := buildCapsule(t, macID, phoneID, accID)

	mac := newPiece(t, air, caps, macID, flowID)
	phone := newPiece(t, air, caps, phoneID, flowID)
	accessory := newPiece(t, air, caps, accID, flowID)

	connect(t, mac, phone, accessory)
	connect(t, mac, accessory, phone)

	_, err := phone.flow.ApplyEdit(document.OpAddItem,
		document.AddItemPayload{ID: "item_1", Kind: "InventoryItem"})
	require.NoError(t, err)
	_, err = phone.flow.ApplyEdit(document.OpSetField,
		document.SetFieldPayload{ID: "item_1", Field: "description", Value: "Hammer"})
	require.NoError(t, err)

	deadline := 500 * time.Millisecond
	require.Eventually(t, func() bool {
		macState := inventory(t, mac.flow)
		item, ok := macState.Items["item_1"]
		return ok && item.Fields["description"] == "Hammer"
	}, deadline, 10*time.Millisecond, "mac converges directly")

	require.Eventually(t, func() bool {
		accState := inventory(t, accessory.flow)
		item, ok := accState.Items["item_1"]
		return ok && item.Fields["description"] == "Hammer"
	}, deadline, 10*time.Millisecond, "accessory converges via mac's forwarding")

	assert.False(t, accessory.msgr.HasConnection(phoneID),
		"accessory and phone share no direct link; receipt proves forwarding")
}

// Scenario: unicast from the phone to the accessory crosses the mac.
func TestMultiHopUnicast(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	macID, phoneID, accID := uuid.New(), uuid.New(), uuid.New()
	caps := buildCapsule(t, macID, phoneID, accID)

	mac := newPiece(t, air, caps, macID, flowID)
	phone := newPiece(t, air, caps, phoneID, flowID)
	accessory := newPiece(t, air, caps, accID, flowID)

	connect(t, mac, phone, accessory)
	connect(t, mac, accessory, phone)

	sub := accessory.msgr.Incoming()
	defer sub.Cancel()

	payload := []byte("flow sync payload across two hops")
	require.NoError(t, phone.msgr.SendTo(context.Background(), accID, messenger.KindFlowSync, payload))

	select {
	case env := <-sub.C:
		assert.Equal(t, phoneID, env.Source)
		require.NotNil(t, env.Destination)
		assert.Equal(t, accID, *env.Destination)
		assert.Equal(t, payload, env.Payload)
		assert.Equal(t, uint8(1), env.HopCount)
	case <-time.After(2 * time.Second):
		t.Fatal("unicast never crossed the mesh")
	}
}

// Scenario: host epochs are monotonic across the mesh; forged
// equal-epoch claims are ignored, higher epochs supersede.
func TestHostAnnouncementEpochs(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	aID, bID, cID := uuid.New(), uuid.New(), uuid.New()
	caps := buildCapsule(t, aID, bID, cID)

	a := newPiece(t, air, caps, aID, flowID)
	b := newPiece(t, air, caps, bID, flowID)
	connect(t, a, b)

	// A becomes host at epoch 1; B records it.
	a.flow.BecomeHost()
	require.Eventually(t, func() bool {
		host, epoch, ok := b.flow.Host()
		return ok && host == aID && epoch == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A forged claim for C at the same epoch changes nothing.
	forged, err := wire.Marshal(flow.SyncMessage{
		Type:   "host_announcement",
		FlowID: flowID,
		HostID: cID,
		Epoch:  1,
	})
	require.NoError(t, err)
	require.NoError(t, a.msgr.SendTo(context.Background(), bID, messenger.KindFlowSync, forged))

	time.Sleep(100 * time.Millisecond)
	host, epoch, ok := b.flow.Host()
	require.True(t, ok)
	assert.Equal(t, aID, host, "equal-epoch claim must be ignored")
	assert.Equal(t, uint64(1), epoch)

	// A re-claims at epoch 2; B updates.
	a.flow.BecomeHost()
	require.Eventually(t, func() bool {
		host, epoch, ok := b.flow.Host()
		return ok && host == aID && epoch == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// Scenario: partitioned edits converge after the mesh heals and the
// pieces exchange horizons, and the accessory memorizer can re-serve
// the operations it forwarded.
func TestOfflineMergeAndMemorizer(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	macID, phoneID := uuid.New(), uuid.New()
	caps := buildCapsule(t, macID, phoneID)

	mac := newPiece(t, air, caps, macID, flowID)
	phone := newPiece(t, air, caps, phoneID, flowID)

	// Partitioned: both author independently.
	_, err := mac.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "item_A", Kind: "InventoryItem"})
	require.NoError(t, err)
	_, err = phone.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "item_B", Kind: "InventoryItem"})
	require.NoError(t, err)

	require.Len(t, inventory(t, mac.flow).Items, 1)
	require.Len(t, inventory(t, phone.flow).Items, 1)

	// Heal and sync both directions.
	connect(t, mac, phone)
	require.NoError(t, mac.flow.SyncWithPeer(phoneID))
	require.NoError(t, phone.flow.SyncWithPeer(macID))

	require.Eventually(t, func() bool {
		return len(inventory(t, mac.flow).Items) == 2 &&
			len(inventory(t, phone.flow).Items) == 2
	}, 2*time.Second, 10*time.Millisecond, "offline edits must merge")

	for _, p := range []*piece{mac, phone} {
		state := inventory(t, p.flow)
		assert.Contains(t, state.Items, "item_A")
		assert.Contains(t, state.Items, "item_B")
	}

	// The memorizer on each side now covers both authors and can
	// re-serve everything to a fresh peer.
	served := mac.flow.Memorizer().OperationsSince(document.Horizon{})
	assert.Len(t, served, 2)
	assert.Equal(t, 2, mac.flow.Memorizer().Len())
}

// End-to-end over the ensemble manager: three members discover each
// other with no manual wiring and flow edits still converge.
func TestDiscoveryDrivenConvergence(t *testing.T) {
	air := radio.NewAir()
	flowID := uuid.New()
	aID, bID, cID := uuid.New(), uuid.New(), uuid.New()
	caps := buildCapsule(t, aID, bID, cID)

	cfg := ensemble.Config{
		ScanInterval:     30 * time.Millisecond,
		StaleTimeout:     2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}

	type member struct {
		msgr *messenger.Messenger
		mgr  *ensemble.Manager
		flow *flow.Flow
	}
	newMember := func(id uuid.UUID) *member {
		topo := topology.New()
		msgr := messenger.New(id, topo)
		mgr := ensemble.NewManager(caps, id, air.NewDevice(), topo, msgr, ensemble.WithConfig(cfg))
		f := flow.New(flowID, document.InventorySchema{}, caps, msgr)
		f.Start()
		t.Cleanup(func() {
			mgr.Stop()
			f.Stop()
			msgr.Close()
		})
		require.NoError(t, mgr.Start())
		return &member{msgr: msgr, mgr: mgr, flow: f}
	}

	a := newMember(aID)
	b := newMember(bID)
	c := newMember(cID)

	require.Eventually(t, func() bool {
		return a.msgr.IsReachable(bID) && a.msgr.IsReachable(cID) &&
			b.msgr.IsReachable(aID) && b.msgr.IsReachable(cID) &&
			c.msgr.IsReachable(aID) && c.msgr.IsReachable(bID)
	}, 10*time.Second, 20*time.Millisecond, "discovery must fully connect the capsule")

	_, err := b.flow.ApplyEdit(document.OpAddItem, document.AddItemPayload{ID: "found", Kind: "InventoryItem"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stateA, errA := a.flow.Document().Materialize()
		stateC, errC := c.flow.Document().Materialize()
		if errA != nil || errC != nil {
			return false
		}
		_, okA := stateA.(*document.InventoryState).Items["found"]
		_, okC := stateC.(*document.InventoryState).Items["found"]
		return okA && okC
	}, 10*time.Second, 20*time.Millisecond, "edits converge over discovered links")
}
