package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBadBlocksOrderIndependent(t *testing.T) {
	a := HashBadBlocks([]uint64{5, 1, 9})
	b := HashBadBlocks([]uint64{9, 5, 1})
	assert.Equal(t, a, b, "signature must not depend on discovery order")

	c := HashBadBlocks([]uint64{5, 1, 9, 12})
	assert.NotEqual(t, a, c, "adding a bad block must change the signature")
}

func TestIsValidEvolution(t *testing.T) {
	base := New("sora-1", "hw-1", "fs-1", []uint64{1, 2}, 1000)

	tests := []struct {
		name    string
		current Fingerprint
		want    bool
	}{
		{
			name:    "identical reading is reflexive",
			current: New("sora-1", "hw-1", "fs-1", []uint64{1, 2}, 1000),
			want:    true,
		},
		{
			name:    "bad blocks may grow",
			current: New("sora-1", "hw-1", "fs-1", []uint64{1, 2, 7}, 1000),
			want:    true,
		},
		{
			name:    "bad blocks may not shrink",
			current: New("sora-1", "hw-1", "fs-1", []uint64{1}, 1000),
			want:    false,
		},
		{
			name:    "soradyne id change rejected",
			current: New("sora-2", "hw-1", "fs-1", []uint64{1, 2}, 1000),
			want:    false,
		},
		{
			name:    "hardware id change rejected",
			current: New("sora-1", "hw-2", "fs-1", []uint64{1, 2}, 1000),
			want:    false,
		},
		{
			name:    "filesystem uuid change rejected",
			current: New("sora-1", "hw-1", "fs-2", []uint64{1, 2}, 1000),
			want:    false,
		},
		{
			name:    "capacity change rejected",
			current: New("sora-1", "hw-1", "fs-1", []uint64{1, 2}, 2000),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.current.IsValidEvolution(base))
		})
	}
}

func TestEvolutionAllowsFirstUseStamping(t *testing.T) {
	unstamped := New("", "hw-1", "fs-1", nil, 1000)
	stamped := New("sora-1", "hw-1", "fs-1", nil, 1000)

	assert.True(t, stamped.IsValidEvolution(unstamped),
		"absent -> present is first-use stamping")
	assert.False(t, unstamped.IsValidEvolution(stamped),
		"present -> absent means the identity file vanished")
}

func TestEvolutionTransitiveOnBadBlocks(t *testing.T) {
	a := New("s", "h", "f", []uint64{1}, 10)
	b := New("s", "h", "f", []uint64{1, 2}, 10)
	c := New("s", "h", "f", []uint64{1, 2, 3}, 10)

	require.True(t, b.IsValidEvolution(a))
	require.True(t, c.IsValidEvolution(b))
	assert.True(t, c.IsValidEvolution(a), "evolution is transitive on the bad-block axis")
}

func TestBayesianIdentifierSameDevice(t *testing.T) {
	id := NewBayesianIdentifier()
	fp := New("sora-1", "hw-1", "fs-1", []uint64{1}, 1000)

	result := id.Identify(fp, fp)
	assert.True(t, result.SameDevice)
	assert.GreaterOrEqual(t, result.Confidence, 0.95)
}

func TestBayesianIdentifierDifferentDevice(t *testing.T) {
	id := NewBayesianIdentifier()
	a := New("sora-1", "hw-1", "fs-1", []uint64{1}, 1000)
	b := New("sora-2", "hw-2", "fs-2", []uint64{9}, 2000)

	result := id.Identify(a, b)
	assert.False(t, result.SameDevice)
	assert.Less(t, result.Confidence, 0.95)
}

func TestBayesianIdentifierMissingEvidenceStillPasses(t *testing.T) {
	// A platform with no hardware or filesystem probes should still be
	// able to confirm identity via the Soradyne ID alone.
	id := NewBayesianIdentifier()
	a := New("sora-1", "", "", nil, 1000)
	b := New("sora-1", "", "", nil, 1000)

	result := id.Identify(a, b)
	assert.True(t, result.SameDevice)
	assert.Contains(t, result.Evidence, "hardware_id unavailable")
}

func TestProberReadsStampedID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, StampDeviceID(root, "sora-device-42"))

	p := NewProber()
	fp, err := p.Probe(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, "sora-device-42", fp.SoradyneID)
}

func TestStampDeviceIDPinned(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, StampDeviceID(root, "first"))
	assert.NoError(t, StampDeviceID(root, "first"), "re-stamping same id is idempotent")
	assert.Error(t, StampDeviceID(root, "second"), "stamped id is pinned")
}

func TestProberUnprobeableRoot(t *testing.T) {
	p := NewProber()
	_, err := p.Probe(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestProberSubprobeTimeoutIsUnavailable(t *testing.T) {
	root := t.TempDir()
	slow := SubprobeFunc{
		ProbeName: "hardware_id",
		Fn: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	p := NewProber(WithHardwareProbe(slow), WithSubprobeTimeout(10*time.Millisecond))

	fp, err := p.Probe(context.Background(), root)
	require.NoError(t, err, "a timed-out subprobe is unavailable evidence, not a failure")
	assert.Empty(t, fp.HardwareID)
}

func TestProberCustomCapacity(t *testing.T) {
	root := t.TempDir()
	p := NewProber(WithCapacityProbe(func(string) (uint64, error) { return 4096, nil }))

	fp, err := p.Probe(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), fp.CapacityBytes)

	// Sanity: the identity file is genuinely absent until stamped.
	_, statErr := os.Stat(filepath.Join(root, DeviceIDFile))
	assert.True(t, os.IsNotExist(statErr))
}
