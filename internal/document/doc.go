// Package document implements the convergent per-media document: an
// operation-based CRDT whose replicas converge to identical state after
// exchanging their operation sets, in any order and across partitions.
//
// # Model
//
// A document is an author-keyed log of operations. Every operation
// carries a unique ID, the author replica that produced it, that
// author's sequence number, a Lamport logical time, a kind, and a CBOR
// payload. Inside a document, operations are totally ordered by
// (logical time, author, operation ID); the materialized state is a
// pure fold of the schema's reducer over the ordered set, so two
// replicas holding the same operations materialize byte-identical
// state regardless of how the operations arrived.
//
// Horizons — per-author maximum sequence seen — drive delta sync: a
// peer advertises its horizon and receives exactly the operations it
// has not covered.
//
// # Schemas
//
// The reducer is pluggable through the Schema interface. Two schemas
// ship with the core:
//
//   - Album: media references, comments, crop/rotate (last writer
//     wins), markup, tombstoning deletes, and share permissions merged
//     on a lattice.
//   - Inventory: items with last-writer-wins fields.
//
// Schema reducers must be commutative in the CRDT sense: for any
// arrival order that preserves per-author order, the fold over the
// resulting total order yields the same state. The total ordering makes
// this hold by construction; schema authors only need their reducer to
// be a deterministic function of the ordered operation list. The
// property tests in this package exercise exactly that obligation.
//
// # Concurrency Model
//
// Document guards its log with a RWMutex. All methods are synchronous
// and hold the lock only for in-memory work; callers must not invoke
// blocking operations while iterating a returned snapshot (snapshots
// are copies, so there is rarely a reason to).
package document
