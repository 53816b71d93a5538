package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Domain-separation tags for hint derivation. The hints are public
// four-byte filters; the tags keep them from colliding with any other
// use of the same key material.
var (
	capsuleHintDomain = []byte("SORADYNE_CAP_HINT_V1")
	pieceHintDomain   = []byte("SORADYNE_PIECE_HINT_V1")
)

// ErrDecrypt is returned when AEAD authentication fails on a sealed
// payload: wrong key, wrong capsule, or tampered bytes.
var ErrDecrypt = errors.New("payload failed authentication")

// KeyBundle is the symmetric secret shared by every piece of a capsule.
// It seals advertisement payloads and derives the capsule hint.
// Immutable value; safe to copy and share.
type KeyBundle struct {
	CapsuleID uuid.UUID `codec:"capsule_id"`
	Key       [32]byte  `codec:"key"`
}

// NewKeyBundle samples a fresh capsule key.
func NewKeyBundle(capsuleID uuid.UUID) (KeyBundle, error) {
	var b KeyBundle
	b.CapsuleID = capsuleID
	if _, err := rand.Read(b.Key[:]); err != nil {
		return b, errors.Wrap(err, "sample capsule key")
	}
	return b, nil
}

// CapsuleHint derives the public four-byte filter other pieces use to
// recognize this capsule's advertisements without decrypting them.
func (b KeyBundle) CapsuleHint() [4]byte {
	h := sha256.New()
	h.Write(capsuleHintDomain)
	h.Write(b.Key[:])
	var hint [4]byte
	copy(hint[:], h.Sum(nil)[:4])
	return hint
}

// Seal encrypts plaintext under the capsule key with AES-256-GCM,
// prepending the random 12-byte nonce to the ciphertext.
func (b KeyBundle) Seal(plaintext []byte) ([]byte, error) {
	return Seal(b.Key, plaintext)
}

// Open reverses Seal.
func (b KeyBundle) Open(sealed []byte) ([]byte, error) {
	return Open(b.Key, sealed)
}

// PieceHint derives the public four-byte hint for a device ID, used in
// advertisement known-piece lists.
func PieceHint(deviceID uuid.UUID) [4]byte {
	h := sha256.New()
	h.Write(pieceHintDomain)
	h.Write(deviceID[:])
	var hint [4]byte
	copy(hint[:], h.Sum(nil)[:4])
	return hint
}

// Seal encrypts plaintext with AES-256-GCM under key, prepending a
// random 12-byte nonce. Shared by capsule advertisement sealing and the
// pairing transfer (which keys it with the ECDH shared secret).
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "sample nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal, returning ErrDecrypt on authentication failure.
func Open(key [32]byte, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.Wrap(ErrDecrypt, "sealed payload shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return gcm, nil
}
