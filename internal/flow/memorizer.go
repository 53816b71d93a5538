package flow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/soradyne/internal/document"
)

// DefaultMemorizerCapacity bounds the accessory memorizer.
const DefaultMemorizerCapacity = 1024

// Memorizer is the accessory cache of forwarded operation envelopes.
//
// Low-power pieces that cannot host still memorize the operations that
// pass through them and re-serve the tail to a reconnecting peer via
// OperationsSince. The cache is bounded with FIFO eviction and keyed
// by operation ID, so caching is idempotent: a duplicate never evicts
// anything or changes order.
type Memorizer struct {
	mu    sync.RWMutex
	max   int
	order []uuid.UUID
	byID  map[uuid.UUID]document.OpEnvelope
}

// NewMemorizer creates a cache bounded to max envelopes.
func NewMemorizer(max int) *Memorizer {
	if max <= 0 {
		max = DefaultMemorizerCapacity
	}
	return &Memorizer{
		max:  max,
		byID: make(map[uuid.UUID]document.OpEnvelope),
	}
}

// Cache stores one envelope, evicting the oldest when full. Duplicate
// operation IDs are ignored.
func (m *Memorizer) Cache(env document.OpEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.byID[env.OpID]; seen {
		return
	}
	if len(m.order) >= m.max {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.byID, oldest)
	}
	m.order = append(m.order, env.OpID)
	m.byID[env.OpID] = env
}

// OperationsSince returns, in cache order, the envelopes not covered
// by the given horizon.
func (m *Memorizer) OperationsSince(h document.Horizon) []document.OpEnvelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []document.OpEnvelope
	for _, id := range m.order {
		env := m.byID[id]
		if !h.Covers(env.Author, env.Seq) {
			out = append(out, env)
		}
	}
	return out
}

// Horizon summarizes the cache's per-author coverage.
func (m *Memorizer) Horizon() document.Horizon {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := make(document.Horizon)
	for _, env := range m.byID {
		if env.Seq > h[env.Author] {
			h[env.Author] = env.Seq
		}
	}
	return h
}

// Len returns how many envelopes are cached.
func (m *Memorizer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
