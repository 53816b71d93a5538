// Package document implements the convergent per-media CRDT document.
// See doc.go for complete package documentation.
package document

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/soradyne/internal/wire"
)

// Horizon maps an author replica ID to the highest sequence number
// seen from it. Horizons only ever move forward.
type Horizon map[uuid.UUID]uint64

// Covers reports whether the horizon includes seq from author.
func (h Horizon) Covers(author uuid.UUID, seq uint64) bool {
	return h[author] >= seq
}

// Merge folds other into h, keeping the per-author maximum.
func (h Horizon) Merge(other Horizon) {
	for author, seq := range other {
		if seq > h[author] {
			h[author] = seq
		}
	}
}

// Clone returns an independent copy.
func (h Horizon) Clone() Horizon {
	out := make(Horizon, len(h))
	for author, seq := range h {
		out[author] = seq
	}
	return out
}

// OpEnvelope is one operation as it travels between replicas and sits
// in the log.
type OpEnvelope struct {
	// OpID is globally unique; replicas deduplicate on it.
	OpID uuid.UUID `codec:"op_id"`

	// Author is the replica that created the operation.
	Author uuid.UUID `codec:"author"`

	// Seq is the author's own sequence number, dense from 1.
	Seq uint64 `codec:"seq"`

	// LogicalTime is a Lamport timestamp; with Author and OpID it
	// totally orders operations inside a document.
	LogicalTime uint64 `codec:"logical_time"`

	// Kind names the schema operation, e.g. "add_media".
	Kind string `codec:"kind"`

	// Payload is the CBOR-encoded operation body.
	Payload []byte `codec:"payload"`

	// Horizon is the author's horizon at creation time, carrying the
	// happens-before relation for receivers that want it.
	Horizon Horizon `codec:"horizon"`
}

// Less orders envelopes by (logical time, author, op id).
func (e OpEnvelope) Less(other OpEnvelope) bool {
	if e.LogicalTime != other.LogicalTime {
		return e.LogicalTime < other.LogicalTime
	}
	if e.Author != other.Author {
		return lessUUID(e.Author, other.Author)
	}
	return lessUUID(e.OpID, other.OpID)
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// DecodePayload unmarshals the envelope body into v.
func (e OpEnvelope) DecodePayload(v any) error {
	return wire.Unmarshal(e.Payload, v)
}

// Schema is the pluggable reducer a document materializes through.
// Reducers are pure: Empty creates a fresh state and Apply folds one
// operation into it. Apply is always called in the document's total
// order.
type Schema interface {
	// Name identifies the schema on the wire, e.g. "album".
	Name() string

	// Empty returns a fresh state to fold into.
	Empty() any

	// Apply folds one operation into state. Unknown kinds are an
	// error; a malformed payload for a known kind is too.
	Apply(state any, env OpEnvelope) error
}

// Document is one replica's view of a convergent document.
type Document struct {
	mu      sync.RWMutex
	schema  Schema
	author  uuid.UUID
	logical uint64
	ops     map[uuid.UUID]OpEnvelope
	horizon Horizon
}

// New creates an empty document for the given local author replica.
func New(schema Schema, author uuid.UUID) *Document {
	return &Document{
		schema:  schema,
		author:  author,
		ops:     make(map[uuid.UUID]OpEnvelope),
		horizon: make(Horizon),
	}
}

// Author returns the local replica ID.
func (d *Document) Author() uuid.UUID { return d.author }

// Schema returns the document's schema.
func (d *Document) Schema() Schema { return d.schema }

// ApplyLocal appends a locally-authored operation, assigning the next
// sequence number for this author and advancing the Lamport clock. The
// returned envelope is ready to broadcast.
func (d *Document) ApplyLocal(kind string, payload any) (OpEnvelope, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return OpEnvelope{}, errors.Wrapf(err, "encode %s payload", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.logical++
	env := OpEnvelope{
		OpID:        uuid.New(),
		Author:      d.author,
		Seq:         d.horizon[d.author] + 1,
		LogicalTime: d.logical,
		Kind:        kind,
		Payload:     body,
		Horizon:     d.horizon.Clone(),
	}
	d.ops[env.OpID] = env
	d.horizon[d.author] = env.Seq
	return env, nil
}

// ApplyRemote incorporates an operation from another replica. Returns
// false when the operation was already known (dedup by operation ID);
// applying the same envelope twice is a no-op after the first.
func (d *Document) ApplyRemote(env OpEnvelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.ops[env.OpID]; seen {
		return false
	}
	d.ops[env.OpID] = env
	if env.Seq > d.horizon[env.Author] {
		d.horizon[env.Author] = env.Seq
	}
	if env.LogicalTime > d.logical {
		d.logical = env.LogicalTime
	}
	return true
}

// Materialize folds the schema reducer over the totally ordered
// operation set and returns the resulting state.
func (d *Document) Materialize() (any, error) {
	ops := d.Ops()
	state := d.schema.Empty()
	for _, env := range ops {
		if err := d.schema.Apply(state, env); err != nil {
			return nil, errors.Wrapf(err, "apply %s (op %s)", env.Kind, env.OpID)
		}
	}
	return state, nil
}

// Horizon returns a copy of the per-author maximum sequence seen.
func (d *Document) Horizon() Horizon {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.horizon.Clone()
}

// Ops returns every operation in the document's total order.
func (d *Document) Ops() []OpEnvelope {
	d.mu.RLock()
	out := make([]OpEnvelope, 0, len(d.ops))
	for _, env := range d.ops {
		out = append(out, env)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// OpsSince returns, in total order, the operations not covered by the
// given horizon. This is the delta a syncing peer is missing.
func (d *Document) OpsSince(h Horizon) []OpEnvelope {
	all := d.Ops()
	out := make([]OpEnvelope, 0, len(all))
	for _, env := range all {
		if !h.Covers(env.Author, env.Seq) {
			out = append(out, env)
		}
	}
	return out
}

// Len returns the number of operations in the log.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ops)
}
