// Package blockstore implements the dissolution storage engine: a local
// content-addressed block store whose every block is erasure-coded into
// n shards and scattered across removable volumes, recoverable from any
// k of them.
//
// # Architecture
//
//	            ┌──────────────────────────┐
//	            │          Store           │
//	            │                          │
//	            │  - metadata store (JSON) │
//	            │  - erasure codec (k/n)   │
//	            │  - fingerprint prober    │
//	            └───────────┬──────────────┘
//	                        │ shard i → volume i mod v
//	      ┌─────────────────┼─────────────────┐
//	┌─────▼─────┐     ┌─────▼─────┐     ┌─────▼─────┐
//	│ volume 0  │     │ volume 1  │     │ volume 2  │
//	│ *.shard   │     │ *.shard   │     │ *.shard   │
//	│ *.keyshare│     │ *.keyshare│     │ *.keyshare│
//	└───────────┘     └───────────┘     └───────────┘
//
// Blocks are immutable once written. A block is either direct (payload
// is raw bytes, at most BlockMax) or indirect (payload is a
// concatenation of 32-byte direct-block IDs); the Block File layer in
// package blockfile composes the two into arbitrary byte sequences.
//
// Block IDs are random, never content-derived: the per-block encryption
// key is fresh on every write, so identical plaintexts produce entirely
// unrelated shard sets, and a content hash would leak exactly the
// equality relation the encryption hides.
//
// # On-volume layout
//
// Each volume root carries soradyne_device_id.txt plus a fan-out tree:
//
//	<root>/<hex[0:2]>/<hex[2:4]>/<full_hex>.<i>.shard
//	<root>/<hex[0:2]>/<hex[2:4]>/<full_hex>.<i>.keyshare
//
// A shard whose key share is missing (or vice versa) counts as missing;
// neither half is useful alone.
//
// # Device continuity
//
// Volumes are identified by fingerprint (package fingerprint). The
// store records a baseline per volume at initialization; VerifyContinuity
// re-probes each volume and fails with ErrDeviceIdentityMismatch when a
// reading is not a valid evolution of its baseline or the Bayesian
// posterior falls below threshold. A continuity failure freezes writes
// until the operator confirms the volume set.
//
// # Concurrency Model
//
//   - The metadata store is an exclusive writer with any number of
//     readers; every mutation persists atomically (write-then-rename)
//     under an OS file lock.
//   - Shard files are written in parallel (one goroutine per shard,
//     errgroup) and never modified after creation.
//   - Store methods are safe for concurrent use.
package blockstore
