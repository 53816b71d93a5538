// Package topology maintains the directed multigraph of online pieces:
// who is present, which directed radio links exist between them, and
// what is reachable from where.
//
// Radio links are asymmetric, so edges are directed; two pieces in
// mutual range contribute two edges. The graph is in-memory only and
// rebuilt from discovery; it is shared between the ensemble manager
// and the messenger behind a reader/writer lock, and all mutators go
// through those two components.
//
// The topology hash is a stable 32-bit digest of the piece and edge
// sets: identical graphs hash identically regardless of construction
// order, which lets advertisement receivers detect divergent views
// with four bytes.
package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Transport identifies the link technology of an edge.
type Transport string

const (
	// TransportRadio is the short-range radio link.
	TransportRadio Transport = "radio"

	// TransportSimulated marks links created by the in-process air.
	TransportSimulated Transport = "simulated"
)

// Reachability classifies how a piece can currently be reached.
type Reachability int

const (
	// ReachabilityNone: no known path.
	ReachabilityNone Reachability = iota

	// ReachabilityAdvertisementOnly: seen on the air, no data link yet.
	ReachabilityAdvertisementOnly

	// ReachabilityDirect: an edge from us straight to the piece.
	ReachabilityDirect

	// ReachabilityIndirect: reachable through at least one forwarder.
	ReachabilityIndirect
)

// Route is the result of a reachability computation.
type Route struct {
	// Kind is Direct, Indirect, or None.
	Kind Reachability

	// NextHop is the neighbour to forward through. Meaningful for
	// Direct (the destination itself) and Indirect.
	NextHop uuid.UUID

	// Hops is the path length; 1 for direct.
	Hops int
}

// Presence is what the graph knows about one online piece.
type Presence struct {
	// DeviceID identifies the piece.
	DeviceID uuid.UUID

	// Reachability is the piece's current classification.
	Reachability Reachability

	// RSSI is the last observed signal strength, 0 when unknown.
	RSSI int

	// LastAdvertisement is when the piece last advertised.
	LastAdvertisement time.Time

	// LastExchange is when data last flowed with the piece.
	LastExchange time.Time
}

// Edge is one directed link in the multigraph.
type Edge struct {
	From      uuid.UUID
	To        uuid.UUID
	Transport Transport

	// Quality is a link-health score in [0,1]; the messenger degrades
	// it on backpressure.
	Quality float64
}

// Topology is the shared directed multigraph. All methods are
// safe for concurrent use; reads take the read lock only.
type Topology struct {
	mu     sync.RWMutex
	pieces map[uuid.UUID]Presence
	edges  []Edge
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{pieces: make(map[uuid.UUID]Presence)}
}

// UpsertPiece inserts or updates a piece's presence. Returns true when
// the piece was new.
func (t *Topology) UpsertPiece(p Presence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.pieces[p.DeviceID]
	t.pieces[p.DeviceID] = p
	return !existed
}

// UpdatePiece applies fn to a piece's presence if it exists.
func (t *Topology) UpdatePiece(id uuid.UUID, fn func(*Presence)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pieces[id]
	if !ok {
		return false
	}
	fn(&p)
	t.pieces[id] = p
	return true
}

// RemovePiece removes a piece and cascades away every edge touching
// it. Returns true when the piece existed.
func (t *Topology) RemovePiece(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pieces[id]; !ok {
		return false
	}
	delete(t.pieces, id)
	kept := t.edges[:0]
	for _, e := range t.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	t.edges = kept
	return true
}

// Piece returns a piece's presence.
func (t *Topology) Piece(id uuid.UUID) (Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pieces[id]
	return p, ok
}

// Pieces returns all presences, unordered.
func (t *Topology) Pieces() []Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Presence, 0, len(t.pieces))
	for _, p := range t.pieces {
		out = append(out, p)
	}
	return out
}

// AddEdge inserts a directed edge. Parallel edges over different
// transports are permitted; an edge equal in (from, to, transport) to
// an existing one replaces it.
func (t *Topology) AddEdge(edge Edge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.edges {
		if e.From == edge.From && e.To == edge.To && e.Transport == edge.Transport {
			t.edges[i] = edge
			return
		}
	}
	t.edges = append(t.edges, edge)
}

// RemoveEdgesBetween removes every edge from one piece to another
// (one direction only) and returns how many were removed.
func (t *Topology) RemoveEdgesBetween(from, to uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.edges[:0]
	removed := 0
	for _, e := range t.edges {
		if e.From == from && e.To == to {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.edges = kept
	return removed
}

// EdgesFrom returns the edges leaving a piece.
func (t *Topology) EdgesFrom(id uuid.UUID) []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Edge
	for _, e := range t.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns the edges arriving at a piece.
func (t *Topology) EdgesTo(id uuid.UUID) []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Edge
	for _, e := range t.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Degree returns a piece's combined in+out edge count.
func (t *Topology) Degree(id uuid.UUID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.edges {
		if e.From == id || e.To == id {
			n++
		}
	}
	return n
}

// IsReachable reports whether a directed path exists from src to dst.
func (t *Topology) IsReachable(src, dst uuid.UUID) bool {
	return t.ComputeReachability(src, dst).Kind != ReachabilityNone
}

// ComputeReachability BFSes from src along outgoing edges and
// classifies dst as Direct, Indirect (with the next hop to use), or
// None. A piece trivially reaches itself with zero hops.
func (t *Topology) ComputeReachability(src, dst uuid.UUID) Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if src == dst {
		return Route{Kind: ReachabilityDirect, NextHop: dst, Hops: 0}
	}

	adjacency := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range t.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	// BFS tracking the first hop each frontier node was reached via.
	type visit struct {
		node     uuid.UUID
		firstHop uuid.UUID
		hops     int
	}
	visited := mapset.NewThreadUnsafeSet[uuid.UUID]()
	visited.Add(src)
	queue := make([]visit, 0, len(adjacency[src]))
	for _, next := range adjacency[src] {
		if next == dst {
			return Route{Kind: ReachabilityDirect, NextHop: dst, Hops: 1}
		}
		if visited.Add(next) {
			queue = append(queue, visit{node: next, firstHop: next, hops: 1})
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur.node] {
			if next == dst {
				return Route{Kind: ReachabilityIndirect, NextHop: cur.firstHop, Hops: cur.hops + 1}
			}
			if visited.Add(next) {
				queue = append(queue, visit{node: next, firstHop: cur.firstHop, hops: cur.hops + 1})
			}
		}
	}
	return Route{Kind: ReachabilityNone}
}

// Hash digests the piece and edge sets into 32 bits. Stable ordering
// is mandatory: identical graphs yield identical hashes regardless of
// insertion order.
func (t *Topology) Hash() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pieceIDs := make([]string, 0, len(t.pieces))
	for id := range t.pieces {
		pieceIDs = append(pieceIDs, id.String())
	}
	sort.Strings(pieceIDs)

	edgeKeys := make([]string, 0, len(t.edges))
	for _, e := range t.edges {
		edgeKeys = append(edgeKeys, fmt.Sprintf("%s|%s|%s", e.From, e.To, e.Transport))
	}
	sort.Strings(edgeKeys)

	h := sha256.New()
	for _, id := range pieceIDs {
		h.Write([]byte(id))
	}
	for _, key := range edgeKeys {
		h.Write([]byte(key))
	}
	return binary.BigEndian.Uint32(h.Sum(nil)[:4])
}

// PieceCount returns how many pieces are present.
func (t *Topology) PieceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pieces)
}

// EdgeCount returns how many directed edges exist.
func (t *Topology) EdgeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.edges)
}
