package erasure

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// chunkCacheSize bounds how many decrypted chunks a Decoder retains for
// re-reads. Eight chunks cover half a megabyte of recently-touched
// plaintext per in-flight read.
const chunkCacheSize = 8

// Decoder yields a block's plaintext as an in-order sequence of
// decrypted chunks. Reed–Solomon reconstruction happens once, up
// front, over whole stripes; decryption is lazy per chunk so a reader
// that only needs a prefix (indirect-pointer extraction) stops early
// and never pays for the rest.
//
// A Decoder is single-reader; it is not safe for concurrent use.
type Decoder struct {
	ciphertext []byte
	master     [32]byte
	blockID    [32]byte
	size       int
	next       int
	cache      *lru.Cache[int, []byte]
}

// NewDecoder validates the supplied shard set, reconstructs the
// ciphertext and recovers the master key, returning a chunk iterator.
//
// Fails with UndercommittedError when fewer than k pairs are supplied,
// ErrCorruptStripe on inconsistent shard lengths. Authentication
// failures surface later, from the chunk reads themselves.
func (c *Codec) NewDecoder(shards map[int]Shard, blockID [32]byte, size int) (*Decoder, error) {
	if len(shards) < c.k {
		return nil, c.undercommitted(shardIndices(shards))
	}

	keyShares := make([]KeyShare, 0, len(shards))
	rsShards := make(map[int][]byte, len(shards))
	for index, shard := range shards {
		keyShares = append(keyShares, shard.KeyShare)
		rsShards[index] = shard.Data
	}

	master, err := combineSecret(keyShares, c.k)
	if err != nil {
		return nil, err
	}

	var ciphertext []byte
	if size > 0 {
		data, err := c.reconstructRS(rsShards)
		if err != nil {
			return nil, err
		}
		want := CiphertextLen(size)
		if len(data) < want {
			return nil, errors.Wrapf(ErrCorruptStripe,
				"reconstructed %d ciphertext bytes, need %d", len(data), want)
		}
		ciphertext = data[:want]
	}

	cache, err := lru.New[int, []byte](chunkCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "init chunk cache")
	}
	return &Decoder{
		ciphertext: ciphertext,
		master:     *master,
		blockID:    blockID,
		size:       size,
		cache:      cache,
	}, nil
}

// NumChunks returns how many chunks the stream will yield.
func (d *Decoder) NumChunks() int {
	if d.size == 0 {
		return 0
	}
	return (d.size + ChunkSize - 1) / ChunkSize
}

// Size returns the plaintext length of the block.
func (d *Decoder) Size() int { return d.size }

// Next decrypts and returns the next chunk in order, or (nil, nil)
// after the final chunk. A chunk failing authentication returns
// ErrTamper and poisons no other chunk.
func (d *Decoder) Next() ([]byte, error) {
	if d.next >= d.NumChunks() {
		return nil, nil
	}
	chunk, err := d.Chunk(d.next)
	if err != nil {
		return nil, err
	}
	d.next++
	return chunk, nil
}

// Chunk decrypts the chunk at the given index without moving the
// iterator. Recently decrypted chunks are served from the cache.
func (d *Decoder) Chunk(index int) ([]byte, error) {
	if index < 0 || index >= d.NumChunks() {
		return nil, errors.Errorf("chunk %d out of range [0,%d)", index, d.NumChunks())
	}
	if cached, ok := d.cache.Get(index); ok {
		return cached, nil
	}

	// Chunk i occupies [i*(ChunkSize+TagSize), ...) of the ciphertext;
	// the final chunk is whatever remains after truncation to size.
	start := index * (ChunkSize + TagSize)
	end := start + ChunkSize + TagSize
	if end > len(d.ciphertext) {
		end = len(d.ciphertext)
	}

	plaintext, err := decryptChunk(d.ciphertext[start:end], &d.master, uint64(index), d.blockID)
	if err != nil {
		return nil, err
	}
	d.cache.Add(index, plaintext)
	return plaintext, nil
}

// ReadPrefix returns the first n plaintext bytes, decrypting only the
// chunks that cover them.
func (d *Decoder) ReadPrefix(n int) ([]byte, error) {
	if n > d.size {
		n = d.size
	}
	out := make([]byte, 0, n)
	for i := 0; len(out) < n; i++ {
		chunk, err := d.Chunk(i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out[:n], nil
}

// ReadAll drains the remaining chunks and returns them concatenated.
// On a fresh Decoder this is the whole plaintext.
func (d *Decoder) ReadAll() ([]byte, error) {
	out := make([]byte, 0, d.size)
	for {
		chunk, err := d.Next()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
