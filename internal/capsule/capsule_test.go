package capsule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPiece(name string) PieceRecord {
	return PieceRecord{
		DeviceID:     uuid.New(),
		Name:         name,
		Capabilities: Capabilities{HostCapable: true, RouteCapable: true},
		JoinedAt:     time.Now().UTC(),
	}
}

func accessoryPiece(name string) PieceRecord {
	return PieceRecord{
		DeviceID:     uuid.New(),
		Name:         name,
		Capabilities: Capabilities{MemorizeCapable: true},
		JoinedAt:     time.Now().UTC(),
	}
}

func TestNewRequiresHostCapableFounder(t *testing.T) {
	_, err := New("family", accessoryPiece("watch"))
	assert.ErrorIs(t, err, ErrNoHost)

	c, err := New("family", hostPiece("mac"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, c.ID, c.Keys.CapsuleID)
	assert.Len(t, c.Pieces, 1)
}

func TestPieceRosterUniqueness(t *testing.T) {
	c, err := New("family", hostPiece("mac"))
	require.NoError(t, err)

	phone := hostPiece("phone")
	require.NoError(t, c.AddPiece(phone))
	assert.ErrorIs(t, c.AddPiece(phone), ErrDuplicatePiece)
	assert.Len(t, c.Pieces, 2)
}

func TestRemovePieceKeepsAHost(t *testing.T) {
	founder := hostPiece("mac")
	c, err := New("family", founder)
	require.NoError(t, err)
	watch := accessoryPiece("watch")
	require.NoError(t, c.AddPiece(watch))

	assert.ErrorIs(t, c.RemovePiece(founder.DeviceID), ErrNoHost,
		"the last host-capable piece cannot leave")
	require.NoError(t, c.RemovePiece(watch.DeviceID))
	assert.Len(t, c.Pieces, 1)
}

func TestAddFlowIdempotent(t *testing.T) {
	c, err := New("family", hostPiece("mac"))
	require.NoError(t, err)

	flow := FlowDescriptor{FlowID: uuid.New(), Schema: "inventory", Label: "garage"}
	c.AddFlow(flow)
	c.AddFlow(flow)
	assert.Len(t, c.Flows, 1)
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	c, err := New("family", hostPiece("mac"))
	require.NoError(t, err)
	c.AddFlow(FlowDescriptor{FlowID: uuid.New(), Schema: "album", Label: "summer"})
	require.NoError(t, store.Save(c))

	// Property 5: writing a capsule and re-reading yields an equal one.
	loaded, err := store.Load(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, loaded.ID)
	assert.Equal(t, c.Label, loaded.Label)
	assert.Equal(t, c.Keys.Key, loaded.Keys.Key)
	require.Len(t, loaded.Pieces, 1)
	assert.Equal(t, c.Pieces[0].DeviceID, loaded.Pieces[0].DeviceID)
	require.Len(t, loaded.Flows, 1)
	assert.Equal(t, "album", loaded.Flows[0].Schema)

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(c.ID))
	_, err = store.Load(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadUnknownCapsule(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Load(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
