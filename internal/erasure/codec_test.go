package erasure

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testBlockID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func shardSubset(t *testing.T, shards []Shard, keep []int) map[int]Shard {
	t.Helper()
	subset := make(map[int]Shard, len(keep))
	for _, i := range keep {
		subset[i] = shards[i]
	}
	return subset
}

func TestNewCodecConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		k, n    int
		wantErr bool
	}{
		{name: "minimal", k: 1, n: 1},
		{name: "typical", k: 3, n: 5},
		{name: "no parity", k: 4, n: 4},
		{name: "max shards", k: 2, n: 255},
		{name: "zero threshold", k: 0, n: 5, wantErr: true},
		{name: "threshold above total", k: 6, n: 5, wantErr: true},
		{name: "over shamir limit", k: 2, n: 256, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodec(tt.k, tt.n)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRoundTripAnyK(t *testing.T) {
	codec, err := NewCodec(3, 5)
	require.NoError(t, err)

	payload := []byte("Hello, Shamir+RS")
	id := testBlockID(0xAB)

	shards, err := codec.Encode(payload, id)
	require.NoError(t, err)
	require.Len(t, shards, 5)

	// Scenario: shards 0 and 1 lost, recover from {2,3,4}.
	got, err := codec.Decode(shardSubset(t, shards, []int{2, 3, 4}), id, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Any other trio works too.
	got, err = codec.Decode(shardSubset(t, shards, []int{0, 2, 4}), id, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeUndercommitted(t *testing.T) {
	codec, err := NewCodec(3, 5)
	require.NoError(t, err)

	payload := []byte("Hello, Shamir+RS")
	id := testBlockID(0x01)
	shards, err := codec.Encode(payload, id)
	require.NoError(t, err)

	_, err = codec.Decode(shardSubset(t, shards, []int{3, 4}), id, len(payload))
	uc, ok := IsUndercommitted(err)
	require.True(t, ok, "expected UndercommittedError, got %v", err)
	assert.Equal(t, 2, uc.Have)
	assert.Equal(t, 3, uc.Need)
	assert.Equal(t, []int{0, 1, 2}, uc.Missing)
}

func TestDecodeCorruptStripe(t *testing.T) {
	codec, err := NewCodec(2, 4)
	require.NoError(t, err)

	id := testBlockID(0x02)
	shards, err := codec.Encode(bytes.Repeat([]byte{0x5a}, 300), id)
	require.NoError(t, err)

	subset := shardSubset(t, shards, []int{0, 1, 2})
	damaged := subset[1]
	damaged.Data = damaged.Data[:len(damaged.Data)-1]
	subset[1] = damaged

	_, err = codec.Decode(subset, id, 300)
	assert.ErrorIs(t, err, ErrCorruptStripe)
}

func TestDecodeTamper(t *testing.T) {
	codec, err := NewCodec(2, 2)
	require.NoError(t, err)

	id := testBlockID(0x03)
	payload := bytes.Repeat([]byte{0x42}, 100)
	shards, err := codec.Encode(payload, id)
	require.NoError(t, err)

	// Flip one ciphertext bit; with n == k there is no parity to heal
	// it, so the corruption must be caught by the AEAD tag.
	flipped := make([]byte, len(shards[0].Data))
	copy(flipped, shards[0].Data)
	flipped[20] ^= 0x01
	shards[0].Data = flipped

	_, err = codec.Decode(map[int]Shard{0: shards[0], 1: shards[1]}, id, len(payload))
	assert.ErrorIs(t, err, ErrTamper)
}

func TestEncodeFreshKeys(t *testing.T) {
	codec, err := NewCodec(2, 3)
	require.NoError(t, err)

	id := testBlockID(0x04)
	payload := []byte("same plaintext")

	first, err := codec.Encode(payload, id)
	require.NoError(t, err)
	second, err := codec.Encode(payload, id)
	require.NoError(t, err)

	assert.NotEqual(t, first[0].Data, second[0].Data,
		"per-block keys are fresh, equal plaintext must yield unequal shards")
}

func TestEmptyPlaintext(t *testing.T) {
	codec, err := NewCodec(2, 3)
	require.NoError(t, err)

	id := testBlockID(0x05)
	shards, err := codec.Encode(nil, id)
	require.NoError(t, err)
	require.Len(t, shards, 3)
	for _, s := range shards {
		assert.Empty(t, s.Data)
		assert.Len(t, s.KeyShare.Value, 32)
	}

	got, err := codec.Decode(shardSubset(t, shards, []int{0, 2}), id, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMultiChunkPayload(t *testing.T) {
	codec, err := NewCodec(3, 5)
	require.NoError(t, err)

	// Three full chunks plus a partial tail.
	payload := make([]byte, 3*ChunkSize+1234)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	id := testBlockID(0x06)
	shards, err := codec.Encode(payload, id)
	require.NoError(t, err)

	got, err := codec.Decode(shardSubset(t, shards, []int{1, 3, 4}), id, len(payload))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestStreamingPrefixStopsEarly(t *testing.T) {
	codec, err := NewCodec(2, 3)
	require.NoError(t, err)

	payload := make([]byte, 2*ChunkSize+99)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	id := testBlockID(0x07)
	shards, err := codec.Encode(payload, id)
	require.NoError(t, err)

	dec, err := codec.NewDecoder(shardSubset(t, shards, []int{0, 2}), id, len(payload))
	require.NoError(t, err)
	require.Equal(t, 3, dec.NumChunks())

	prefix, err := dec.ReadPrefix(64)
	require.NoError(t, err)
	assert.Equal(t, payload[:64], prefix)

	// The iterator still yields everything in order afterwards.
	all, err := dec.ReadAll()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, all))
}

func TestDecodeLegacy(t *testing.T) {
	codec, err := NewCodec(2, 4)
	require.NoError(t, err)

	// A version-0 block: RS straight over plaintext.
	payload := bytes.Repeat([]byte("legacy"), 50)
	rsShards, err := codec.encodeRS(payload)
	require.NoError(t, err)

	present := map[int][]byte{1: rsShards[1], 3: rsShards[3]}
	got, err := codec.DecodeLegacy(present, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = codec.DecodeLegacy(map[int][]byte{0: rsShards[0]}, len(payload))
	_, ok := IsUndercommitted(err)
	assert.True(t, ok)
}

func TestShamirSplitCombine(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}

	shares, err := splitSecret(&secret, 3, 6)
	require.NoError(t, err)
	require.Len(t, shares, 6)
	for i, s := range shares {
		assert.Equal(t, byte(i+1), s.Index, "share i carries index i+1")
	}

	recovered, err := combineSecret([]KeyShare{shares[5], shares[0], shares[3]}, 3)
	require.NoError(t, err)
	assert.Equal(t, secret, *recovered)

	_, err = combineSecret(shares[:2], 3)
	assert.Error(t, err)

	_, err = combineSecret([]KeyShare{shares[0], shares[0], shares[1]}, 3)
	assert.Error(t, err, "duplicate share indices must be rejected")
}

// Property 1: for all payloads and all (k, n) with 1 <= k <= n <= 16,
// decoding any k of the encoded shards returns the original bytes.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "n")
		k := rapid.IntRange(1, n).Draw(t, "k")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")

		codec, err := NewCodec(k, n)
		require.NoError(t, err)

		var id [32]byte
		copy(id[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "id"))

		shards, err := codec.Encode(payload, id)
		require.NoError(t, err)
		require.Len(t, shards, n)

		keep := rapid.Permutation(indexRange(n)).Draw(t, "keep")[:k]
		subset := make(map[int]Shard, k)
		for _, i := range keep {
			subset[i] = shards[i]
		}

		got, err := codec.Decode(subset, id, len(payload))
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, got))
	})
}

func indexRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
