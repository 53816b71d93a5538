// Package ensemble runs the discovery loop that assembles the capsule
// mesh: encrypted advertisements, deterministic connection initiation,
// topology-view exchange, peer-introduction propagation, and stale
// piece aging. See doc.go for complete package documentation.
package ensemble

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/wire"
)

// advVersion is the one-byte advertisement format version prefix.
const advVersion = 0x01

// AdvPayload is the advertisement body of an ensemble piece.
//
// The capsule hint rides in the clear so foreign capsules discard the
// frame without attempting decryption; everything after it is sealed
// under the capsule key.
type AdvPayload struct {
	// PieceHint identifies the advertiser inside the capsule.
	PieceHint [4]byte `codec:"piece_hint"`

	// Seq increments on every re-advertisement.
	Seq uint32 `codec:"seq"`

	// TopologyHash is the advertiser's current view digest; a receiver
	// with a different hash knows the views diverged.
	TopologyHash uint32 `codec:"topology_hash"`

	// KnownPieceHints lists the piece hints the advertiser currently
	// sees online, letting receivers estimate the mesh without a link.
	KnownPieceHints [][4]byte `codec:"known_piece_hints"`
}

// SealAdvertisement encodes and encrypts a payload for the air:
// version byte, clear capsule hint, sealed CBOR body.
func SealAdvertisement(bundle identity.KeyBundle, payload AdvPayload) ([]byte, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sealed, err := bundle.Seal(body)
	if err != nil {
		return nil, err
	}
	hint := bundle.CapsuleHint()

	out := make([]byte, 0, 1+len(hint)+len(sealed))
	out = append(out, advVersion)
	out = append(out, hint[:]...)
	out = append(out, sealed...)
	return out, nil
}

// OpenAdvertisement tries to decode an advertisement for our capsule.
// The second return is false for frames of other capsules, other
// versions, or non-ensemble advertisers; an error means the frame
// claimed our capsule but failed authentication.
func OpenAdvertisement(bundle identity.KeyBundle, data []byte) (AdvPayload, bool, error) {
	if len(data) < 5 || data[0] != advVersion {
		return AdvPayload{}, false, nil
	}
	hint := bundle.CapsuleHint()
	if !bytes.Equal(data[1:5], hint[:]) {
		return AdvPayload{}, false, nil
	}
	body, err := bundle.Open(data[5:])
	if err != nil {
		return AdvPayload{}, false, errors.Wrap(err, "advertisement claimed our capsule")
	}
	var payload AdvPayload
	if err := wire.Unmarshal(body, &payload); err != nil {
		return AdvPayload{}, false, err
	}
	return payload, true, nil
}
