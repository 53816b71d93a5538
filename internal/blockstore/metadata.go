package blockstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/soradyne/internal/erasure"
)

// BlockMax is the largest payload a single direct block may hold.
const BlockMax = 32 * 1024 * 1024

// BlockID is the 32-byte address of a block. IDs are random, chosen at
// write time, and deliberately not derived from content.
type BlockID [32]byte

// Hex returns the lowercase hex encoding of the ID.
func (id BlockID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer with a short prefix for logs.
func (id BlockID) String() string { return id.Hex()[:12] }

// ParseBlockID decodes a 64-character hex string.
func ParseBlockID(s string) (BlockID, error) {
	var id BlockID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "parse block id")
	}
	if len(raw) != len(id) {
		return id, errors.Errorf("block id is %d bytes, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// NewBlockID generates a fresh random block address: SHA-256 over a
// random UUID and a monotonic nanosecond timestamp.
func NewBlockID() BlockID {
	u := uuid.New()
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))

	h := sha256.New()
	h.Write(u[:])
	h.Write(ts[:])
	var id BlockID
	copy(id[:], h.Sum(nil))
	return id
}

// ShardLocation records where one shard of a block lives.
//
// The rimsd path is the volume root the shard was placed on; the
// relative path locates the shard file beneath it. KeySharePath is nil
// for legacy (version-0) blocks, which carry no key shares.
type ShardLocation struct {
	ShardIndex   uint8     `json:"shard_index"`
	DeviceID     uuid.UUID `json:"device_id"`
	RimsdPath    string    `json:"rimsd_path"`
	RelativePath string    `json:"relative_path"`
	KeySharePath *string   `json:"key_share_path"`
}

// BlockMetadata is everything the store records about one block.
// Shards are immutable after creation; only verification results touch
// ModifiedAt.
type BlockMetadata struct {
	ID             BlockID         `json:"id"`
	Directness     uint32          `json:"directness"`
	Size           int             `json:"size"`
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     time.Time       `json:"modified_at"`
	ShardLocations []ShardLocation `json:"shard_locations"`
	// EncryptionVersion selects the decode path: 0 is the legacy
	// plaintext-RS format, 1 is Shamir+AES-GCM+RS.
	EncryptionVersion uint32                   `json:"encryption_version"`
	Nonce             [erasure.NonceSize]byte `json:"nonce"`
}

// IsDirect reports whether the block's payload is raw bytes rather
// than a list of block IDs.
func (m BlockMetadata) IsDirect() bool { return m.Directness == 0 }

// metadataFile is the JSON shape of the on-disk metadata store: a
// hex-keyed map under a top-level "blocks" field.
type metadataFile struct {
	Blocks map[string]BlockMetadata `json:"blocks"`
}

// MetadataStore owns the block-metadata file. One exclusive writer,
// any number of readers; every mutation persists atomically via
// write-then-rename, serialized against other processes with an OS
// file lock.
type MetadataStore struct {
	mu     sync.RWMutex
	path   string
	lock   *flock.Flock
	blocks map[BlockID]BlockMetadata
}

// OpenMetadataStore loads the store at path, creating an empty one if
// the file does not exist.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	s := &MetadataStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		blocks: make(map[BlockID]BlockMetadata),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, errors.Wrap(err, "read block metadata")
	}

	var file metadataFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse block metadata")
	}
	for hexID, meta := range file.Blocks {
		id, err := ParseBlockID(hexID)
		if err != nil {
			return nil, errors.Wrapf(err, "metadata key %q", hexID)
		}
		s.blocks[id] = meta
	}
	return s, nil
}

// Add records a block and persists the store.
func (s *MetadataStore) Add(meta BlockMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[meta.ID] = meta
	return s.save()
}

// Get returns the metadata for a block, or ErrNotFound.
func (s *MetadataStore) Get(id BlockID) (BlockMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.blocks[id]
	if !ok {
		return BlockMetadata{}, errors.Wrapf(ErrNotFound, "block %s", id)
	}
	return meta, nil
}

// Touch updates a block's ModifiedAt, recording a verification pass.
func (s *MetadataStore) Touch(id BlockID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.blocks[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "block %s", id)
	}
	meta.ModifiedAt = at
	s.blocks[id] = meta
	return s.save()
}

// List returns all block metadata ordered by hex ID.
func (s *MetadataStore) List() []BlockMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlockMetadata, 0, len(s.blocks))
	for _, meta := range s.blocks {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

// Len returns the number of recorded blocks.
func (s *MetadataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// save persists the store under the file lock. Caller holds s.mu.
func (s *MetadataStore) save() error {
	file := metadataFile{Blocks: make(map[string]BlockMetadata, len(s.blocks))}
	for id, meta := range s.blocks {
		file.Blocks[id.Hex()] = meta
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode block metadata")
	}

	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "lock block metadata")
	}
	defer s.lock.Unlock() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create metadata directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write block metadata")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "rename block metadata")
}
