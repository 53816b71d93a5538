package erasure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

const (
	// ChunkSize is the plaintext slice encrypted under one derived key.
	ChunkSize = 64 * 1024

	// TagSize is the AES-GCM authentication tag prepended to each
	// chunk's ciphertext.
	TagSize = 16

	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// MaxShards is the Shamir share-index ceiling.
	MaxShards = 255
)

// Domain-separation tags for the key schedule. Stable across versions;
// changing either breaks every block already on disk.
var (
	nonceDomain    = []byte("SORADYNE_NONCE_V1")
	chunkKeyDomain = []byte("SORADYNE_CHUNK_KEY_V1")
)

// Shard pairs one Reed–Solomon shard of a block's ciphertext with the
// Shamir share that travels alongside it. Shard i carries key share
// index i+1.
type Shard struct {
	Data     []byte
	KeyShare KeyShare
}

// Codec encodes blocks into k-of-n recoverable shard sets and back.
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	k  int
	n  int
	rs reedsolomon.Encoder // nil when n == k (no parity shards)
}

// NewCodec builds a codec for threshold k of n total shards.
// Returns ErrConfiguration unless 1 <= k <= n <= 255.
func NewCodec(k, n int) (*Codec, error) {
	if k < 1 || n < 1 || k > n {
		return nil, errors.Wrapf(ErrConfiguration, "threshold %d of %d shards", k, n)
	}
	if n > MaxShards {
		return nil, errors.Wrapf(ErrConfiguration, "%d shards exceeds the Shamir limit of %d", n, MaxShards)
	}

	var rs reedsolomon.Encoder
	if n > k {
		var err error
		rs, err = reedsolomon.New(k, n-k)
		if err != nil {
			return nil, errors.Wrap(err, "create reed-solomon encoder")
		}
	}
	return &Codec{k: k, n: n, rs: rs}, nil
}

// Threshold returns k, the number of shards required for recovery.
func (c *Codec) Threshold() int { return c.k }

// TotalShards returns n.
func (c *Codec) TotalShards() int { return c.n }

// FaultTolerance returns how many shards may be lost while the block
// remains recoverable.
func (c *Codec) FaultTolerance() int { return c.n - c.k }

// StorageOverhead returns the on-disk expansion factor n/k.
func (c *Codec) StorageOverhead() float64 { return float64(c.n) / float64(c.k) }

// DeriveNonce derives the single AES-GCM nonce used for every chunk of
// a block. Chunk keys are unique per chunk, so the shared nonce never
// repeats under the same key.
func DeriveNonce(blockID [32]byte) [NonceSize]byte {
	h := sha256.New()
	h.Write(nonceDomain)
	h.Write(blockID[:])
	var nonce [NonceSize]byte
	copy(nonce[:], h.Sum(nil)[:NonceSize])
	return nonce
}

// deriveChunkKey derives the AES-256 key for one chunk from the block's
// master key, the chunk index and the block ID.
func deriveChunkKey(master *[32]byte, chunkIndex uint64, blockID [32]byte) [32]byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], chunkIndex)

	h := sha256.New()
	h.Write(chunkKeyDomain)
	h.Write(master[:])
	h.Write(le[:])
	h.Write(blockID[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// CiphertextLen returns the byte length of the chunked AEAD ciphertext
// for a plaintext of the given size.
func CiphertextLen(plaintextSize int) int {
	if plaintextSize == 0 {
		return 0
	}
	numChunks := (plaintextSize + ChunkSize - 1) / ChunkSize
	return plaintextSize + numChunks*TagSize
}

// Encode dissolves plaintext into n shard/key-share pairs, any k of
// which recover it. A fresh master key is sampled per call, so equal
// plaintexts never yield equal shards.
//
// Empty plaintext encodes to n empty shards.
func (c *Codec) Encode(plaintext []byte, blockID [32]byte) ([]Shard, error) {
	var master [32]byte
	if _, err := rand.Read(master[:]); err != nil {
		return nil, errors.Wrap(err, "sample master key")
	}

	keyShares, err := splitSecret(&master, c.k, c.n)
	if err != nil {
		return nil, err
	}

	ciphertext, err := encryptChunked(plaintext, &master, blockID)
	if err != nil {
		return nil, err
	}

	rsShards, err := c.encodeRS(ciphertext)
	if err != nil {
		return nil, err
	}

	shards := make([]Shard, c.n)
	for i := range shards {
		shards[i] = Shard{Data: rsShards[i], KeyShare: keyShares[i]}
	}
	return shards, nil
}

// Decode reconstructs a block's plaintext from any k shard/key-share
// pairs, keyed by shard index. size is the plaintext length recorded in
// the block's metadata.
func (c *Codec) Decode(shards map[int]Shard, blockID [32]byte, size int) ([]byte, error) {
	dec, err := c.NewDecoder(shards, blockID, size)
	if err != nil {
		return nil, err
	}
	return dec.ReadAll()
}

// DecodeLegacy reconstructs a version-0 block: Reed–Solomon over the
// plaintext itself, no encryption and no key shares.
func (c *Codec) DecodeLegacy(shards map[int][]byte, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if len(shards) < c.k {
		return nil, c.undercommitted(shardIndices(shards))
	}
	data, err := c.reconstructRS(shards)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, errors.Wrapf(ErrCorruptStripe, "reconstructed %d bytes, metadata says %d", len(data), size)
	}
	return data[:size], nil
}

// encodeRS splits data into k contiguous shards of ceil(len/k) bytes
// (zero padded) and extends them with n-k parity shards. Empty data
// yields n empty shards.
func (c *Codec) encodeRS(data []byte) ([][]byte, error) {
	shards := make([][]byte, c.n)
	if len(data) == 0 {
		for i := range shards {
			shards[i] = []byte{}
		}
		return shards, nil
	}

	shardSize := (len(data) + c.k - 1) / c.k
	padded := make([]byte, shardSize*c.k)
	copy(padded, data)

	for i := 0; i < c.k; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := c.k; i < c.n; i++ {
		shards[i] = make([]byte, shardSize)
	}
	if c.rs != nil {
		if err := c.rs.Encode(shards); err != nil {
			return nil, errors.Wrap(err, "reed-solomon encode")
		}
	}
	return shards, nil
}

// reconstructRS rebuilds the concatenated data from any k shards. The
// result retains the stripe's zero padding; callers truncate.
func (c *Codec) reconstructRS(present map[int][]byte) ([]byte, error) {
	shardSize := -1
	for index, data := range present {
		if index < 0 || index >= c.n {
			return nil, errors.Wrapf(ErrCorruptStripe, "shard index %d out of range [0,%d)", index, c.n)
		}
		if shardSize == -1 {
			shardSize = len(data)
		} else if len(data) != shardSize {
			return nil, errors.Wrapf(ErrCorruptStripe,
				"shard %d is %d bytes, stripe is %d", index, len(data), shardSize)
		}
	}

	full := make([][]byte, c.n)
	for index, data := range present {
		full[index] = data
	}

	if c.rs != nil {
		if err := c.rs.ReconstructData(full); err != nil {
			return nil, errors.Wrap(ErrCorruptStripe, err.Error())
		}
	} else {
		// No parity: all k shards must already be present.
		for i := 0; i < c.k; i++ {
			if full[i] == nil {
				return nil, c.undercommitted(shardIndices(present))
			}
		}
	}

	data := make([]byte, 0, shardSize*c.k)
	for i := 0; i < c.k; i++ {
		if full[i] == nil {
			return nil, errors.Wrapf(ErrCorruptStripe, "data shard %d not reconstructed", i)
		}
		data = append(data, full[i]...)
	}
	return data, nil
}

// undercommitted builds the failure for a read with too few shards.
func (c *Codec) undercommitted(have []int) *UndercommittedError {
	present := make(map[int]bool, len(have))
	for _, i := range have {
		present[i] = true
	}
	missing := make([]int, 0, c.n-len(have))
	for i := 0; i < c.n; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return &UndercommittedError{Have: len(have), Need: c.k, Missing: missing}
}

func shardIndices[V any](m map[int]V) []int {
	indices := make([]int, 0, len(m))
	for i := range m {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// encryptChunked AEAD-encrypts plaintext chunk by chunk, prepending
// each chunk's 16-byte tag to its ciphertext.
func encryptChunked(plaintext []byte, master *[32]byte, blockID [32]byte) ([]byte, error) {
	nonce := DeriveNonce(blockID)
	out := make([]byte, 0, CiphertextLen(len(plaintext)))

	for chunkIndex := 0; chunkIndex*ChunkSize < len(plaintext); chunkIndex++ {
		start := chunkIndex * ChunkSize
		end := start + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}

		gcm, err := chunkCipher(master, uint64(chunkIndex), blockID)
		if err != nil {
			return nil, err
		}
		sealed := gcm.Seal(nil, nonce[:], plaintext[start:end], nil)
		// Seal appends the tag; the on-disk layout leads with it.
		ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]
		out = append(out, tag...)
		out = append(out, ct...)
	}
	return out, nil
}

// decryptChunk authenticates and decrypts one chunk segment
// (tag || ciphertext) of a block.
func decryptChunk(segment []byte, master *[32]byte, chunkIndex uint64, blockID [32]byte) ([]byte, error) {
	if len(segment) < TagSize {
		return nil, errors.Wrapf(ErrCorruptStripe, "chunk %d truncated to %d bytes", chunkIndex, len(segment))
	}
	gcm, err := chunkCipher(master, chunkIndex, blockID)
	if err != nil {
		return nil, err
	}

	nonce := DeriveNonce(blockID)
	tag, ct := segment[:TagSize], segment[TagSize:]
	sealed := make([]byte, 0, len(segment))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrTamper, "chunk %d", chunkIndex)
	}
	return plaintext, nil
}

func chunkCipher(master *[32]byte, chunkIndex uint64, blockID [32]byte) (cipher.AEAD, error) {
	key := deriveChunkKey(master, chunkIndex, blockID)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "init chunk cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return gcm, nil
}
