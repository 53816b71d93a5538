// Package flow is the drip-hosted synchronization controller: one Flow
// instance per synchronized document, one document per flow, the same
// flow ID on every piece of the capsule.
//
// # Host election
//
// Each flow elects a drip host — the piece currently authoritative for
// coordination — under a pluggable selection strategy (first eligible,
// best connected, preferred, or scored). Claims carry a monotonic
// epoch; an announcement with a strictly higher epoch supersedes any
// earlier claim, equal epochs are ignored, and an accepted claim never
// moves the epoch backward. Election is therefore safe to run
// concurrently on both sides of a partition: when the partition heals,
// the higher epoch wins everywhere.
//
// # Edits and failover
//
// ApplyEdit routes through the failover policy. Under the default
// offline-merge policy every piece accepts edits locally and
// broadcasts them; replicas converge through the CRDT whenever
// connectivity returns. Under wait-for-host, while no host is
// reachable, a non-host edit applies to the local document at once and
// is queued for broadcast; the caller sees ErrHostUnavailable
// immediately, and the queue is broadcast when this piece becomes host
// or a host announcement arrives.
// Immediate and graceful failover differ only in how quickly a silent
// host triggers re-election.
//
// # Sync protocol
//
// Three CBOR messages ride inside FlowSync envelopes: HorizonExchange
// solicits the operations the sender is missing, OperationBatch
// carries envelopes the peer may not have, and HostAnnouncement claims
// the host role. Operation broadcasts are not causally ordered; the
// CRDT's total order makes receipt order irrelevant, and duplicate
// deliveries are absorbed by operation-ID dedup.
//
// The accessory memorizer caches forwarded operations (bounded, FIFO)
// so even a non-hosting piece can re-serve a reconnecting peer's
// missing tail.
package flow
