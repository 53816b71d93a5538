// Package erasure implements the dissolution codec: the transformation
// between a block's plaintext and the n shard/key-share pairs that are
// scattered across volumes, any k of which recover the original bytes.
//
// # Pipeline
//
// Encoding a block runs three independent mechanisms in sequence:
//
//  1. A fresh 32-byte master key is sampled per block. The plaintext is
//     split into fixed-size chunks and each chunk is encrypted with
//     AES-256-GCM under a chunk key derived from the master key, the
//     chunk index and the block ID. The 16-byte GCM tag is prepended to
//     each chunk's ciphertext. The nonce is derived from the block ID
//     alone; because every chunk key is unique, nonce reuse across
//     chunks is safe.
//  2. The concatenated ciphertext is Reed–Solomon encoded over GF(256)
//     into n shards of ceil(|ciphertext|/k) bytes each (zero padded),
//     any k of which reconstruct the ciphertext.
//  3. The master key is Shamir-split with threshold k into n shares
//     over GF(256). Share i+1 travels with shard i.
//
// Decoding reverses the pipeline from any k (shard, key share) pairs:
// Lagrange interpolation at x=0 recovers the master key, Reed–Solomon
// reconstruction recovers the ciphertext, and chunk-by-chunk AEAD
// decryption recovers and authenticates the plaintext.
//
// # Failure semantics
//
//   - Fewer than k pairs: UndercommittedError, listing missing indices.
//   - Shard lengths disagreeing within a stripe: ErrCorruptStripe.
//   - Any chunk failing GCM authentication: ErrTamper.
//
// # Streaming
//
// The Decoder returned by Codec.NewDecoder exposes reconstruction as an
// in-order chunk iterator (Next), and ReadPrefix decrypts only the
// chunks covering a requested prefix, so a reader can stop after the
// bytes it needs. The block store's reads go through Decode, which
// decrypts the whole payload. Decoded chunks are kept in a small LRU so a rewinding reader does not
// pay for decryption twice.
//
// # Legacy blocks
//
// Version-0 blocks predate the Shamir scheme: Reed–Solomon applied to
// the plaintext directly, with no key shares. DecodeLegacy handles them.
//
// The Reed–Solomon arithmetic is provided by
// github.com/klauspost/reedsolomon; the Shamir arithmetic uses full
// GF(256) log/exp tables over the AES polynomial rather than ad hoc
// integer math.
package erasure
