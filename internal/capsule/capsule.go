// Package capsule models the logical group of paired devices — the
// capsule — and persists it: a shared symmetric key bundle, the piece
// roster with per-piece keys and capabilities, and the flow descriptors
// the group synchronizes.
//
// Capsules persist one CBOR file per capsule inside a capsule
// directory; the Store owns that directory. Piece rosters are unique
// by device ID and every capsule keeps at least one host-capable
// piece, enforced at mutation time.
package capsule

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/wire"
)

var (
	// ErrNotFound is returned for unknown capsule IDs.
	ErrNotFound = errors.New("capsule not found")

	// ErrDuplicatePiece is returned when adding a piece whose device
	// ID is already in the roster.
	ErrDuplicatePiece = errors.New("piece already in capsule")

	// ErrNoHost is returned when a capsule would be left without any
	// host-capable piece.
	ErrNoHost = errors.New("capsule requires at least one host-capable piece")
)

// Capabilities describes what a piece can do for the capsule.
type Capabilities struct {
	HostCapable     bool   `codec:"host_capable" json:"host_capable"`
	MemorizeCapable bool   `codec:"memorize_capable" json:"memorize_capable"`
	RouteCapable    bool   `codec:"route_capable" json:"route_capable"`
	HasUI           bool   `codec:"has_ui" json:"has_ui"`
	BatteryAware    bool   `codec:"battery_aware" json:"battery_aware"`
	StorageBytes    uint64 `codec:"storage_bytes" json:"storage_bytes"`
}

// PieceRecord is one device's membership in a capsule.
type PieceRecord struct {
	DeviceID      uuid.UUID    `codec:"device_id" json:"device_id"`
	Name          string       `codec:"name" json:"name"`
	SigningKey    [32]byte     `codec:"signing_key" json:"signing_key"`
	EncryptionKey [32]byte     `codec:"encryption_key" json:"encryption_key"`
	Capabilities  Capabilities `codec:"capabilities" json:"capabilities"`
	JoinedAt      time.Time    `codec:"joined_at" json:"joined_at"`
}

// FlowDescriptor names one synchronized document of the capsule.
type FlowDescriptor struct {
	FlowID uuid.UUID `codec:"flow_id" json:"flow_id"`
	// Schema is the document schema name, e.g. "album" or "inventory".
	Schema string `codec:"schema" json:"schema"`
	Label  string `codec:"label" json:"label"`
}

// Capsule is the persisted group state shared by its pieces.
type Capsule struct {
	ID     uuid.UUID          `codec:"id" json:"id"`
	Label  string             `codec:"label" json:"label"`
	Keys   identity.KeyBundle `codec:"keys" json:"-"`
	Pieces []PieceRecord      `codec:"pieces" json:"pieces"`
	Flows  []FlowDescriptor   `codec:"flows" json:"flows"`
}

// New creates a capsule with a fresh key bundle and the creating piece
// as its first (necessarily host-capable) member.
func New(label string, founder PieceRecord) (*Capsule, error) {
	if !founder.Capabilities.HostCapable {
		return nil, ErrNoHost
	}
	id := uuid.New()
	keys, err := identity.NewKeyBundle(id)
	if err != nil {
		return nil, err
	}
	return &Capsule{
		ID:     id,
		Label:  label,
		Keys:   keys,
		Pieces: []PieceRecord{founder},
	}, nil
}

// Piece returns the record for a device ID.
func (c *Capsule) Piece(deviceID uuid.UUID) (PieceRecord, bool) {
	for _, p := range c.Pieces {
		if p.DeviceID == deviceID {
			return p, true
		}
	}
	return PieceRecord{}, false
}

// AddPiece appends a piece to the roster. Device IDs are unique.
func (c *Capsule) AddPiece(piece PieceRecord) error {
	if _, exists := c.Piece(piece.DeviceID); exists {
		return errors.Wrapf(ErrDuplicatePiece, "device %s", piece.DeviceID)
	}
	c.Pieces = append(c.Pieces, piece)
	return nil
}

// RemovePiece drops a piece from the roster, refusing to remove the
// last host-capable one.
func (c *Capsule) RemovePiece(deviceID uuid.UUID) error {
	hostCapable := 0
	index := -1
	for i, p := range c.Pieces {
		if p.Capabilities.HostCapable {
			hostCapable++
		}
		if p.DeviceID == deviceID {
			index = i
		}
	}
	if index == -1 {
		return errors.Wrapf(ErrNotFound, "device %s", deviceID)
	}
	if c.Pieces[index].Capabilities.HostCapable && hostCapable == 1 {
		return ErrNoHost
	}
	c.Pieces = append(c.Pieces[:index], c.Pieces[index+1:]...)
	return nil
}

// AddFlow registers a flow descriptor, idempotent on flow ID.
func (c *Capsule) AddFlow(flow FlowDescriptor) {
	for _, f := range c.Flows {
		if f.FlowID == flow.FlowID {
			return
		}
	}
	c.Flows = append(c.Flows, flow)
}

// DeviceIDs returns the roster's device IDs.
func (c *Capsule) DeviceIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(c.Pieces))
	for i, p := range c.Pieces {
		out[i] = p.DeviceID
	}
	return out
}

// Store persists capsules, one CBOR file per capsule, under a single
// directory. Safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// NewStore opens (creating if needed) a capsule directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create capsule directory")
	}
	return &Store{dir: dir}, nil
}

// Save writes a capsule atomically.
func (s *Store) Save(c *Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := wire.Marshal(c)
	if err != nil {
		return err
	}
	path := s.path(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write capsule")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename capsule")
}

// Load reads one capsule by ID.
func (s *Store) Load(id uuid.UUID) (*Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "capsule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read capsule")
	}
	var c Capsule
	if err := wire.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse capsule")
	}
	return &c, nil
}

// List loads every capsule in the directory.
func (s *Store) List() ([]*Capsule, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrap(err, "read capsule directory")
	}

	var out []*Capsule
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".capsule") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".capsule"))
		if err != nil {
			continue
		}
		c, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete removes a capsule file.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNotFound, "capsule %s", id)
	}
	return errors.Wrap(err, "delete capsule")
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".capsule")
}
