// Package fingerprint provides stable physical identity for storage volumes.
// See doc.go for complete package documentation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
)

// ErrInvalidEvolution names the condition IsValidEvolution rejects: a
// current fingerprint reading that changes a pinned component of the
// stored fingerprint, or shows a bad-block set that shrank.
// IsValidEvolution reports it as false; no function in this package
// returns this error. Callers must treat the volume as a
// different device until an operator confirms continuity.
var ErrInvalidEvolution = errors.New("fingerprint is not a valid evolution of the stored one")

// Fingerprint is a point-in-time identity reading of a storage volume.
//
// The zero value is a reading with every optional evidence absent. All
// fields are immutable once the reading is taken; evolution and
// identification never mutate a Fingerprint.
//
// Optional components use empty string for "unavailable" so that a
// fingerprint round-trips cleanly through CBOR and JSON.
type Fingerprint struct {
	// SoradyneID is the identifier this system wrote into the volume
	// root on first use. Empty until the volume is initialized.
	// Pinned: must never change for the same device.
	SoradyneID string `json:"soradyne_id,omitempty" codec:"soradyne_id"`

	// HardwareID combines vendor, model and serial when the platform
	// exposes them. Empty when unavailable. Pinned.
	HardwareID string `json:"hardware_id,omitempty" codec:"hardware_id"`

	// FilesystemUUID is the UUID of the filesystem on the volume.
	// Empty when the platform cannot read it. Pinned.
	FilesystemUUID string `json:"filesystem_uuid,omitempty" codec:"filesystem_uuid"`

	// BadBlockSignature is a hash over the sorted bad-block positions.
	// The underlying set is monotonic: blocks go bad, they do not heal.
	BadBlockSignature uint64 `json:"bad_block_signature" codec:"bad_block_signature"`

	// CapacityBytes is the exact capacity of the volume. Pinned.
	CapacityBytes uint64 `json:"capacity_bytes" codec:"capacity_bytes"`

	// badBlocks retains the raw positions behind BadBlockSignature when
	// the reading came from a live probe. Needed for the monotonicity
	// check; empty for fingerprints loaded from disk.
	badBlocks []uint64
}

// New assembles a fingerprint from raw probe evidence. Optional
// components are passed as empty strings when unavailable.
func New(soradyneID, hardwareID, fsUUID string, badBlocks []uint64, capacityBytes uint64) Fingerprint {
	return Fingerprint{
		SoradyneID:        soradyneID,
		HardwareID:        hardwareID,
		FilesystemUUID:    fsUUID,
		BadBlockSignature: HashBadBlocks(badBlocks),
		CapacityBytes:     capacityBytes,
		badBlocks:         append([]uint64(nil), badBlocks...),
	}
}

// HashBadBlocks reduces a set of bad-block positions to a stable 64-bit
// signature. Positions are sorted first so the signature is independent
// of discovery order.
func HashBadBlocks(badBlocks []uint64) uint64 {
	sorted := append([]uint64(nil), badBlocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := sha256.New()
	var buf [8]byte
	for _, b := range sorted {
		binary.LittleEndian.PutUint64(buf[:], b)
		h.Write(buf[:])
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// BadBlocks returns the raw bad-block positions this reading was taken
// from, or nil for fingerprints that were loaded rather than probed.
func (f Fingerprint) BadBlocks() []uint64 {
	return append([]uint64(nil), f.badBlocks...)
}

// IsValidEvolution reports whether f is a plausible later reading of the
// same physical device that produced previous.
//
// Rules, in order:
//   - Every pinned component (Soradyne ID, hardware ID, filesystem UUID,
//     capacity) must be byte-identical between the readings. An optional
//     component that was present before and is present now must match;
//     present-vs-absent transitions on the Soradyne ID are allowed only
//     in the absent→present direction (first-use stamping).
//   - The bad-block set may only grow. When both readings carry raw
//     positions the subset relation is checked exactly; otherwise only
//     signature equality or inequality is observable and any change is
//     accepted on this axis (the Bayesian layer scores it).
//
// The relation is reflexive (every reading evolves to itself) and, on
// the bad-block axis, transitive. It is deliberately not symmetric.
func (f Fingerprint) IsValidEvolution(previous Fingerprint) bool {
	// Absent→present is first-use stamping; present→anything-else is not.
	if previous.SoradyneID != "" && f.SoradyneID != previous.SoradyneID {
		return false
	}
	if f.HardwareID != previous.HardwareID {
		return false
	}
	if f.FilesystemUUID != previous.FilesystemUUID {
		return false
	}
	if f.CapacityBytes != previous.CapacityBytes {
		return false
	}
	if len(f.badBlocks) > 0 && len(previous.badBlocks) > 0 {
		return isSuperset(f.badBlocks, previous.badBlocks)
	}
	return true
}

// isSuperset reports whether every position in old appears in current.
func isSuperset(current, old []uint64) bool {
	have := make(map[uint64]struct{}, len(current))
	for _, b := range current {
		have[b] = struct{}{}
	}
	for _, b := range old {
		if _, ok := have[b]; !ok {
			return false
		}
	}
	return true
}
