// Package blockstore implements the dissolution storage engine.
// See doc.go for complete package documentation.
package blockstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/soradyne/internal/erasure"
	"github.com/dreamware/soradyne/internal/fingerprint"
	"github.com/dreamware/soradyne/internal/identity"
)

// Config describes a store: the participating volume roots, the
// erasure parameters, and where the metadata file lives.
type Config struct {
	// Volumes are the mounted volume roots shards are scattered over.
	Volumes []string `yaml:"volumes"`

	// Threshold is k: the number of shards required for recovery.
	Threshold int `yaml:"threshold"`

	// TotalShards is n: how many shards each block dissolves into.
	TotalShards int `yaml:"total_shards"`

	// MetadataPath is the block-metadata JSON file.
	MetadataPath string `yaml:"metadata_path"`

	// AllowColocatedShards permits fewer volumes than shards. Multiple
	// shards then share a volume, which weakens fault tolerance; the
	// default refuses such configurations.
	AllowColocatedShards bool `yaml:"allow_colocated_shards"`
}

// Store is the dissolution storage engine. See the package
// documentation for the architecture.
type Store struct {
	volumes    []string
	codec      *erasure.Codec
	meta       *MetadataStore
	ident      *identity.Identity
	prober     *fingerprint.Prober
	identifier *fingerprint.BayesianIdentifier
	log        *zap.Logger

	mu     sync.Mutex
	frozen bool
}

// StoreOption configures optional collaborators.
type StoreOption func(*Store)

// WithProber overrides the fingerprint prober (tests inject probes).
func WithProber(p *fingerprint.Prober) StoreOption {
	return func(s *Store) { s.prober = p }
}

// WithStoreLogger installs a logger; the default discards.
func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// New opens a store over the configured volumes.
//
// Fails with ErrConfiguration when no volumes are given or when there
// are fewer volumes than shards and colocation was not explicitly
// permitted.
func New(cfg Config, ident *identity.Identity, opts ...StoreOption) (*Store, error) {
	if len(cfg.Volumes) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "no volumes configured")
	}
	if len(cfg.Volumes) < cfg.TotalShards && !cfg.AllowColocatedShards {
		return nil, errors.Wrapf(ErrConfiguration,
			"%d volumes cannot hold %d shards one-per-volume; set allow_colocated_shards to override",
			len(cfg.Volumes), cfg.TotalShards)
	}

	codec, err := erasure.NewCodec(cfg.Threshold, cfg.TotalShards)
	if err != nil {
		return nil, err
	}
	meta, err := OpenMetadataStore(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		volumes:    append([]string(nil), cfg.Volumes...),
		codec:      codec,
		meta:       meta,
		ident:      ident,
		prober:     fingerprint.NewProber(),
		identifier: fingerprint.NewBayesianIdentifier(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Metadata exposes the metadata store for read-side collaborators.
func (s *Store) Metadata() *MetadataStore { return s.meta }

// Codec exposes the erasure parameters.
func (s *Store) Codec() *erasure.Codec { return s.codec }

// Volumes returns the configured volume roots.
func (s *Store) Volumes() []string { return append([]string(nil), s.volumes...) }

// InitializeVolumes stamps the Soradyne ID file on any volume that
// lacks one and records each volume's fingerprint baseline in the
// device identity.
func (s *Store) InitializeVolumes(ctx context.Context) error {
	for i, root := range s.volumes {
		if _, err := fingerprint.ReadDeviceID(root); err != nil {
			stamp := fmt.Sprintf("%s-vol%d", s.ident.DeviceID(), i)
			if err := fingerprint.StampDeviceID(root, stamp); err != nil {
				return err
			}
			s.log.Info("stamped volume",
				zap.String("root", root), zap.String("soradyne_id", stamp))
		}

		fp, err := s.prober.Probe(ctx, root)
		if err != nil {
			return err
		}
		if err := s.ident.SetVolumeBaseline(root, fp); err != nil {
			return err
		}
	}
	return nil
}

// VerifyContinuity re-probes every volume and checks each reading
// against its stored baseline: first the hard evolution gate, then the
// Bayesian posterior. Any failure freezes writes and returns
// ErrDeviceIdentityMismatch naming the volume.
//
// Volumes without a baseline (never initialized) are skipped.
func (s *Store) VerifyContinuity(ctx context.Context) error {
	for _, root := range s.volumes {
		baseline, ok := s.ident.VolumeBaseline(root)
		if !ok {
			continue
		}
		current, err := s.prober.Probe(ctx, root)
		if err != nil {
			return err
		}
		if !current.IsValidEvolution(baseline) {
			s.freeze()
			s.log.Error("volume failed evolution check", zap.String("root", root))
			return errors.Wrapf(ErrDeviceIdentityMismatch, "volume %s: pinned component changed", root)
		}
		result := s.identifier.Identify(current, baseline)
		if !result.SameDevice {
			s.freeze()
			s.log.Error("volume failed identity threshold",
				zap.String("root", root),
				zap.Float64("confidence", result.Confidence),
				zap.Strings("evidence", result.Evidence))
			return errors.Wrapf(ErrDeviceIdentityMismatch,
				"volume %s: posterior %.3f below threshold", root, result.Confidence)
		}
	}
	return nil
}

// ConfirmContinuity records the operator's confirmation that the
// attached volumes are legitimate, unfreezing writes and re-baselining
// every volume.
func (s *Store) ConfirmContinuity(ctx context.Context) error {
	for _, root := range s.volumes {
		fp, err := s.prober.Probe(ctx, root)
		if err != nil {
			return err
		}
		if err := s.ident.SetVolumeBaseline(root, fp); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.frozen = false
	s.mu.Unlock()
	return nil
}

func (s *Store) freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *Store) writesAllowed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrWritesFrozen
	}
	return nil
}

// WriteDirect dissolves data into shards and scatters them across the
// volumes, returning the new block's ID.
//
// Fails with ErrOversize beyond BlockMax; larger payloads go through
// package blockfile.
func (s *Store) WriteDirect(ctx context.Context, data []byte) (BlockID, error) {
	return s.write(ctx, data, 0)
}

// WriteIndirect writes an indirect block whose payload is the
// concatenation of the given direct-block IDs.
func (s *Store) WriteIndirect(ctx context.Context, ids []BlockID) (BlockID, error) {
	payload := make([]byte, 0, len(ids)*len(BlockID{}))
	for _, id := range ids {
		payload = append(payload, id[:]...)
	}
	return s.write(ctx, payload, 1)
}

func (s *Store) write(ctx context.Context, data []byte, directness uint32) (BlockID, error) {
	if err := s.writesAllowed(); err != nil {
		return BlockID{}, err
	}
	if len(data) > BlockMax {
		return BlockID{}, errors.Wrapf(ErrOversize, "%d bytes exceed the %d-byte block limit", len(data), BlockMax)
	}

	id := NewBlockID()
	shards, err := s.codec.Encode(data, id)
	if err != nil {
		return BlockID{}, err
	}

	locations := make([]ShardLocation, len(shards))
	g, ctx := errgroup.WithContext(ctx)
	for i := range shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root := s.volumes[i%len(s.volumes)]
			shardRel := shardRelPath(id, i)
			keyRel := keyShareRelPath(id, i)

			if err := writeFileTree(filepath.Join(root, shardRel), shards[i].Data); err != nil {
				return errors.Wrapf(err, "write shard %d", i)
			}
			keyData, err := json.Marshal(shards[i].KeyShare)
			if err != nil {
				return errors.Wrapf(err, "encode key share %d", i)
			}
			if err := writeFileTree(filepath.Join(root, keyRel), keyData); err != nil {
				return errors.Wrapf(err, "write key share %d", i)
			}

			locations[i] = ShardLocation{
				ShardIndex:   uint8(i),
				DeviceID:     s.ident.DeviceID(),
				RimsdPath:    root,
				RelativePath: shardRel,
				KeySharePath: &keyRel,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BlockID{}, err
	}

	now := time.Now().UTC()
	meta := BlockMetadata{
		ID:                id,
		Directness:        directness,
		Size:              len(data),
		CreatedAt:         now,
		ModifiedAt:        now,
		ShardLocations:    locations,
		EncryptionVersion: 1,
		Nonce:             erasure.DeriveNonce(id),
	}
	if err := s.meta.Add(meta); err != nil {
		return BlockID{}, err
	}

	s.log.Debug("block written",
		zap.Stringer("block", id),
		zap.Int("size", len(data)),
		zap.Uint32("directness", directness))
	return id, nil
}

// Read reconstructs a block's payload. Direct blocks reconstruct from
// any k shards; indirect blocks resolve to the concatenation of their
// referenced blocks, read recursively.
func (s *Store) Read(ctx context.Context, id BlockID) ([]byte, error) {
	meta, err := s.meta.Get(id)
	if err != nil {
		return nil, err
	}
	if meta.IsDirect() {
		return s.readDirect(meta)
	}
	return s.readIndirect(ctx, meta)
}

// readDirect collects available shard/key-share pairs and reconstructs.
func (s *Store) readDirect(meta BlockMetadata) ([]byte, error) {
	if meta.EncryptionVersion == 0 {
		return s.readLegacy(meta)
	}

	available := make(map[int]erasure.Shard, len(meta.ShardLocations))
	for _, loc := range meta.ShardLocations {
		if loc.KeySharePath == nil {
			continue
		}
		shardData, err := os.ReadFile(filepath.Join(loc.RimsdPath, loc.RelativePath))
		if err != nil {
			continue
		}
		keyData, err := os.ReadFile(filepath.Join(loc.RimsdPath, *loc.KeySharePath))
		if err != nil {
			// A shard without its key share counts as missing.
			continue
		}
		var share erasure.KeyShare
		if err := json.Unmarshal(keyData, &share); err != nil {
			continue
		}
		available[int(loc.ShardIndex)] = erasure.Shard{Data: shardData, KeyShare: share}
	}

	data, err := s.codec.Decode(available, meta.ID, meta.Size)
	if err != nil {
		if uc, ok := erasure.IsUndercommitted(err); ok {
			s.log.Warn("block undercommitted",
				zap.Stringer("block", meta.ID),
				zap.Int("have", uc.Have),
				zap.Int("need", uc.Need),
				zap.Ints("missing", uc.Missing))
		}
		return nil, err
	}
	return data, nil
}

// readLegacy decodes a version-0 block: RS over plaintext, no shares.
func (s *Store) readLegacy(meta BlockMetadata) ([]byte, error) {
	available := make(map[int][]byte, len(meta.ShardLocations))
	for _, loc := range meta.ShardLocations {
		data, err := os.ReadFile(filepath.Join(loc.RimsdPath, loc.RelativePath))
		if err != nil {
			continue
		}
		available[int(loc.ShardIndex)] = data
	}
	return s.codec.DecodeLegacy(available, meta.Size)
}

// readIndirect parses the payload as 32-byte IDs and reads each.
func (s *Store) readIndirect(ctx context.Context, meta BlockMetadata) ([]byte, error) {
	payload, err := s.readDirect(meta)
	if err != nil {
		return nil, err
	}
	ids, err := ParseAddressList(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "indirect block %s", meta.ID)
	}

	var out []byte
	for _, child := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.Read(ctx, child)
		if err != nil {
			return nil, errors.Wrapf(err, "indirect child %s", child)
		}
		out = append(out, data...)
	}
	return out, nil
}

// ParseAddressList splits an indirect payload into block IDs.
func ParseAddressList(payload []byte) ([]BlockID, error) {
	if len(payload)%len(BlockID{}) != 0 {
		return nil, errors.Errorf("address list length %d is not a multiple of 32", len(payload))
	}
	ids := make([]BlockID, 0, len(payload)/len(BlockID{}))
	for off := 0; off < len(payload); off += len(BlockID{}) {
		var id BlockID
		copy(id[:], payload[off:])
		ids = append(ids, id)
	}
	return ids, nil
}

// shardRelPath lays shards out under a two-level hex fan-out so no
// directory grows unboundedly.
func shardRelPath(id BlockID, index int) string {
	h := id.Hex()
	return filepath.Join(h[0:2], h[2:4], fmt.Sprintf("%s.%d.shard", h, index))
}

func keyShareRelPath(id BlockID, index int) string {
	h := id.Hex()
	return filepath.Join(h[0:2], h[2:4], fmt.Sprintf("%s.%d.keyshare", h, index))
}

func writeFileTree(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create shard directory")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write file")
}
