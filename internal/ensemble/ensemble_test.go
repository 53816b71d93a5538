package ensemble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/messenger"
	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/topology"
)

func testConfig() Config {
	return Config{
		ScanInterval:     30 * time.Millisecond,
		StaleTimeout:     250 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	}
}

type member struct {
	id      uuid.UUID
	topo    *topology.Topology
	msgr    *messenger.Messenger
	manager *Manager
}

func newMember(t *testing.T, air *radio.Air, caps *capsule.Capsule, id uuid.UUID) *member {
	t.Helper()
	topo := topology.New()
	msgr := messenger.New(id, topo)
	mgr := NewManager(caps, id, air.NewDevice(), topo, msgr, WithConfig(testConfig()))
	t.Cleanup(func() {
		mgr.Stop()
		msgr.Close()
	})
	return &member{id: id, topo: topo, msgr: msgr, manager: mgr}
}

func testCapsule(t *testing.T, ids ...uuid.UUID) *capsule.Capsule {
	t.Helper()
	caps, err := capsule.New("test", capsule.PieceRecord{
		DeviceID:     ids[0],
		Name:         "founder",
		Capabilities: capsule.Capabilities{HostCapable: true},
	})
	require.NoError(t, err)
	for _, id := range ids[1:] {
		require.NoError(t, caps.AddPiece(capsule.PieceRecord{
			DeviceID:     id,
			Name:         "member",
			Capabilities: capsule.Capabilities{RouteCapable: true},
		}))
	}
	return caps
}

func TestAdvertisementSealRoundTrip(t *testing.T) {
	bundle, err := identity.NewKeyBundle(uuid.New())
	require.NoError(t, err)

	payload := AdvPayload{
		PieceHint:       identity.PieceHint(uuid.New()),
		Seq:             7,
		TopologyHash:    0xDEADBEEF,
		KnownPieceHints: [][4]byte{{1, 2, 3, 4}},
	}
	frame, err := SealAdvertisement(bundle, payload)
	require.NoError(t, err)

	got, ours, err := OpenAdvertisement(bundle, frame)
	require.NoError(t, err)
	require.True(t, ours)
	assert.Equal(t, payload.Seq, got.Seq)
	assert.Equal(t, payload.TopologyHash, got.TopologyHash)
	assert.Equal(t, payload.PieceHint, got.PieceHint)
	assert.Equal(t, payload.KnownPieceHints, got.KnownPieceHints)
}

func TestAdvertisementForeignCapsuleFiltered(t *testing.T) {
	ours, err := identity.NewKeyBundle(uuid.New())
	require.NoError(t, err)
	theirs, err := identity.NewKeyBundle(uuid.New())
	require.NoError(t, err)

	frame, err := SealAdvertisement(theirs, AdvPayload{Seq: 1})
	require.NoError(t, err)

	_, mine, err := OpenAdvertisement(ours, frame)
	require.NoError(t, err, "foreign hint is a silent filter, not an error")
	assert.False(t, mine)

	_, mine, err = OpenAdvertisement(ours, []byte("not an advertisement"))
	require.NoError(t, err)
	assert.False(t, mine)
}

func TestTwoPieceDiscoveryAndConnection(t *testing.T) {
	air := radio.NewAir()
	idA, idB := uuid.New(), uuid.New()
	caps := testCapsule(t, idA, idB)

	a := newMember(t, air, caps, idA)
	b := newMember(t, air, caps, idB)

	require.NoError(t, a.manager.Start())
	require.NoError(t, b.manager.Start())

	require.Eventually(t, func() bool {
		return a.msgr.HasConnection(idB) && b.msgr.HasConnection(idA)
	}, 5*time.Second, 20*time.Millisecond, "members must discover and link up")

	// Presence upgraded to direct on both sides.
	pa, ok := b.topo.Piece(idA)
	require.True(t, ok)
	assert.Equal(t, topology.ReachabilityDirect, pa.Reachability)

	require.Eventually(t, func() bool {
		return a.topo.Hash() == b.topo.Hash()
	}, 5*time.Second, 20*time.Millisecond, "views converge to the same topology hash")
}

func TestThirdPieceLearnedThroughIntroduction(t *testing.T) {
	air := radio.NewAir()
	idA, idB, idC := uuid.New(), uuid.New(), uuid.New()
	caps := testCapsule(t, idA, idB, idC)

	a := newMember(t, air, caps, idA)
	b := newMember(t, air, caps, idB)
	c := newMember(t, air, caps, idC)

	require.NoError(t, a.manager.Start())
	require.NoError(t, b.manager.Start())
	require.NoError(t, c.manager.Start())

	require.Eventually(t, func() bool {
		return a.topo.PieceCount() == 3 && b.topo.PieceCount() == 3 && c.topo.PieceCount() == 3
	}, 5*time.Second, 20*time.Millisecond, "every piece learns the full roster")

	require.Eventually(t, func() bool {
		return a.msgr.IsReachable(idB) && a.msgr.IsReachable(idC) &&
			b.msgr.IsReachable(idA) && b.msgr.IsReachable(idC) &&
			c.msgr.IsReachable(idA) && c.msgr.IsReachable(idB)
	}, 5*time.Second, 20*time.Millisecond, "full mutual reachability")
}

func TestStalePieceAgedOut(t *testing.T) {
	air := radio.NewAir()
	idA, idB := uuid.New(), uuid.New()
	caps := testCapsule(t, idA, idB)

	a := newMember(t, air, caps, idA)
	b := newMember(t, air, caps, idB)

	require.NoError(t, a.manager.Start())
	require.NoError(t, b.manager.Start())
	require.Eventually(t, func() bool {
		return a.msgr.HasConnection(idB)
	}, 5*time.Second, 20*time.Millisecond)

	// b goes dark: no more advertisements, no more data.
	b.manager.Stop()
	b.msgr.Close()

	require.Eventually(t, func() bool {
		_, present := a.topo.Piece(idB)
		return !present
	}, 5*time.Second, 20*time.Millisecond, "silent piece must age out of the topology")
	assert.False(t, a.msgr.HasConnection(idB))
}
