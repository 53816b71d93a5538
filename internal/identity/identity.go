// Package identity manages device key material and capsule secrets.
// See doc.go for complete package documentation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"

	"github.com/dreamware/soradyne/internal/fingerprint"
	"github.com/dreamware/soradyne/internal/wire"
)

// Identity is a piece's long-lived cryptographic identity.
//
// The signing key authenticates the piece inside a capsule; the DH key
// performs the X25519 agreement that bootstraps pairing. Both are
// generated once and persisted; the DeviceID is derived at generation
// time and never changes.
type Identity struct {
	mu   sync.RWMutex
	path string

	record identityRecord
}

// identityRecord is the CBOR shape of the device-identity file.
type identityRecord struct {
	DeviceID   uuid.UUID `codec:"device_id"`
	DeviceName string    `codec:"device_name"`
	// SigningKey is the Ed25519 private key (64 bytes, seed || public).
	SigningKey []byte `codec:"signing_key"`
	// DHKey is the X25519 private scalar (32 bytes).
	DHKey []byte `codec:"dh_key"`
	// VolumeFingerprints maps a volume root to the baseline reading
	// taken when the volume was initialized.
	VolumeFingerprints map[string]fingerprint.Fingerprint `codec:"volume_fingerprints"`
}

// Generate creates a fresh identity with new key material. The identity
// is not persisted until Save is called.
func Generate(name string) (*Identity, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	dh := make([]byte, 32)
	if _, err := rand.Read(dh); err != nil {
		return nil, errors.Wrap(err, "generate dh key")
	}

	return &Identity{
		record: identityRecord{
			DeviceID:           uuid.New(),
			DeviceName:         name,
			SigningKey:         signing,
			DHKey:              dh,
			VolumeFingerprints: make(map[string]fingerprint.Fingerprint),
		},
	}, nil
}

// Load reads an identity from its CBOR file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read identity file")
	}
	var record identityRecord
	if err := wire.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrap(err, "parse identity file")
	}
	if record.VolumeFingerprints == nil {
		record.VolumeFingerprints = make(map[string]fingerprint.Fingerprint)
	}
	return &Identity{path: path, record: record}, nil
}

// LoadOrCreate loads the identity at path, generating and persisting a
// fresh one when the file does not exist yet.
func LoadOrCreate(path, name string) (*Identity, error) {
	id, err := Load(path)
	switch {
	case err == nil:
		return id, nil
	case os.IsNotExist(errors.Cause(err)):
		id, err = Generate(name)
		if err != nil {
			return nil, err
		}
		id.path = path
		if err := id.Save(); err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, err
	}
}

// Save atomically persists the identity to its file.
func (i *Identity) Save() error {
	i.mu.RLock()
	data, err := wire.Marshal(i.record)
	path := i.path
	i.mu.RUnlock()
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("identity has no backing file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create identity directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write identity file")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename identity file")
}

// DeviceID returns the stable device UUID.
func (i *Identity) DeviceID() uuid.UUID { return i.record.DeviceID }

// DeviceName returns the human-readable device name.
func (i *Identity) DeviceName() string { return i.record.DeviceName }

// VerifyingKey returns the Ed25519 public key as a fixed 32-byte array.
func (i *Identity) VerifyingKey() [32]byte {
	var out [32]byte
	pub := ed25519.PrivateKey(i.record.SigningKey).Public().(ed25519.PublicKey)
	copy(out[:], pub)
	return out
}

// Sign signs data with the device's Ed25519 key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(i.record.SigningKey), data)
}

// DHPublicKey returns the X25519 public key of this device.
func (i *Identity) DHPublicKey() ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(i.record.DHKey, curve25519.Basepoint)
	if err != nil {
		return out, errors.Wrap(err, "derive dh public key")
	}
	copy(out[:], pub)
	return out, nil
}

// SharedSecret performs X25519 with a peer's public key, yielding the
// 32-byte secret that pairing derives its PIN and transfer key from.
func (i *Identity) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(i.record.DHKey, peerPublic[:])
	if err != nil {
		return out, errors.Wrap(err, "compute shared secret")
	}
	copy(out[:], secret)
	return out, nil
}

// VolumeBaseline returns the stored fingerprint baseline for a volume
// root, if one was recorded.
func (i *Identity) VolumeBaseline(root string) (fingerprint.Fingerprint, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	fp, ok := i.record.VolumeFingerprints[root]
	return fp, ok
}

// SetVolumeBaseline records a fingerprint baseline for a volume root
// and persists the identity when it is file-backed.
func (i *Identity) SetVolumeBaseline(root string, fp fingerprint.Fingerprint) error {
	i.mu.Lock()
	i.record.VolumeFingerprints[root] = fp
	persisted := i.path != ""
	i.mu.Unlock()
	if persisted {
		return i.Save()
	}
	return nil
}
