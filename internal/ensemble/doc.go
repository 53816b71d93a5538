// Package ensemble runs the capsule's discovery and membership loop.
//
// # Overview
//
// Every piece periodically re-advertises an encrypted payload keyed by
// its capsule's symmetric bundle. The clear four-byte capsule hint
// lets foreign capsules drop the frame unread; members decrypt and
// learn the advertiser's piece hint, sequence number, topology hash,
// and known-piece hints. Receipt of a member advertisement upserts the
// peer into the shared topology with advertisement-only reachability
// and its RSSI.
//
// # Connection initiation
//
// When two unconnected members hear each other, both could dial at
// once. A deterministic tiebreaker — lexicographic comparison of
// device IDs — picks the initiator, so exactly one side dials. The
// initiator's first frame is a capsule-sealed hello naming itself; the
// acceptor replies in kind, both register the link with the messenger,
// and each sends its full topology view plus peer introductions. A
// freshly joined piece thereby learns every existing peer through its
// first neighbour.
//
// # Aging
//
// A periodic tick sweeps presence: a piece whose last advertisement
// and last data exchange both exceed the stale timeout is removed from
// the topology (cascading its edges) and its connection dropped.
//
// # Lifecycle
//
// Start launches the advertise, scan, accept, and message loops; every
// loop owns a subscription to the manager's shutdown context and exits
// on Stop. The manager is the only advertisement-path mutator of the
// shared topology; the messenger mutates only connection edges.
package ensemble
