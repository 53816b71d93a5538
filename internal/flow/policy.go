// Package flow synchronizes one convergent document across a capsule:
// host election with monotonic epochs, horizon-driven delta sync,
// offline-merge convergence, and the accessory memorizer that re-serves
// operations to reconnecting peers. See doc.go for the full picture.
package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SelectionKind enumerates the host election strategies.
type SelectionKind int

const (
	// FirstEligible picks the first host-capable piece in roster order.
	FirstEligible SelectionKind = iota

	// BestConnected picks the eligible piece with the highest in+out
	// edge count in the topology.
	BestConnected

	// Preferred picks the named piece when eligible and online, else
	// falls back to BestConnected.
	Preferred

	// Scored ranks eligible pieces by a weighted linear combination of
	// connectivity, storage, battery awareness, and UI presence.
	Scored
)

// ScoreWeights weights the Scored strategy's inputs.
type ScoreWeights struct {
	Connectivity float64 `yaml:"connectivity"`
	Storage      float64 `yaml:"storage"`
	Battery      float64 `yaml:"battery"`
	UI           float64 `yaml:"ui"`
}

// DefaultScoreWeights favors connectivity, then storage.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Connectivity: 1.0, Storage: 0.5, Battery: 0.25, UI: 0.25}
}

// FailoverKind enumerates what happens when the host drops out, and
// how non-host edits behave.
type FailoverKind int

const (
	// OfflineMerge is the default: every piece accepts edits locally
	// and convergence happens through the CRDT when links return.
	OfflineMerge FailoverKind = iota

	// ImmediateFailover clears the host on dropout and re-elects.
	ImmediateFailover

	// GracefulFailover tolerates host absence for a grace period
	// before re-electing.
	GracefulFailover

	// WaitForHost: while no host is reachable, a non-host edit applies
	// to the local document at once and is queued for broadcast; the
	// caller sees ErrHostUnavailable immediately and the queue is
	// broadcast when this piece becomes host or a host returns.
	WaitForHost
)

// Policy is a flow's complete host policy.
type Policy struct {
	Selection   SelectionKind `yaml:"selection"`
	PreferredID uuid.UUID     `yaml:"preferred_id"`
	Weights     ScoreWeights  `yaml:"weights"`

	Failover FailoverKind  `yaml:"failover"`
	Grace    time.Duration `yaml:"grace"`

	// HostTimeout is how long without any sign of the host before it
	// counts as dropped out.
	HostTimeout time.Duration `yaml:"host_timeout"`
}

// DefaultPolicy returns the production default: best-connected
// election with offline-merge failover.
func DefaultPolicy() Policy {
	return Policy{
		Selection:   BestConnected,
		Weights:     DefaultScoreWeights(),
		Failover:    OfflineMerge,
		Grace:       5 * time.Second,
		HostTimeout: 10 * time.Second,
	}
}

// HostAssignment tracks the current host claim for one flow.
//
// Claims are ordered by epoch alone: an announcement with a strictly
// higher epoch supersedes any earlier one, equal-epoch announcements
// are ignored whatever host they name, and no accepted claim ever
// decreases the epoch.
type HostAssignment struct {
	mu       sync.RWMutex
	hostID   uuid.UUID
	epoch    uint64
	lastSeen time.Time
}

// Current returns the host, its epoch, and whether a host is set.
func (a *HostAssignment) Current() (uuid.UUID, uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hostID, a.epoch, a.hostID != uuid.Nil
}

// Accept applies an announcement, returning true when it superseded
// the current claim (strictly higher epoch only).
func (a *HostAssignment) Accept(hostID uuid.UUID, epoch uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch <= a.epoch {
		return false
	}
	a.hostID = hostID
	a.epoch = epoch
	a.lastSeen = time.Now()
	return true
}

// Touch records a sign of life from the current host.
func (a *HostAssignment) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = time.Now()
}

// Clear removes the host claim but keeps the epoch: the next election
// must supersede it.
func (a *HostAssignment) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hostID = uuid.Nil
}

// TimedOut reports whether the host has been silent past d.
func (a *HostAssignment) TimedOut(d time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.hostID == uuid.Nil {
		return false
	}
	return time.Since(a.lastSeen) > d
}
