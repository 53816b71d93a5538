// Package app exposes the application service behind the C ABI.
// See doc.go for complete package documentation.
package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/blockfile"
	"github.com/dreamware/soradyne/internal/blockstore"
	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/document"
	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/wire"
)

// ErrMediaNotFound is returned for unknown album or media IDs.
var ErrMediaNotFound = errors.New("media not found")

// RenderLevel selects a media rendition quality.
type RenderLevel int

const (
	RenderThumbnail RenderLevel = iota
	RenderMedium
	RenderHigh
)

// Renderer turns stored media bytes into a rendition. The real
// implementation lives outside the core with the image and video
// codecs; the core only consumes this interface.
type Renderer interface {
	Render(data []byte, mediaType string, level RenderLevel) ([]byte, error)
}

// PassthroughRenderer returns the stored bytes unchanged at every
// level.
type PassthroughRenderer struct{}

// Render implements Renderer.
func (PassthroughRenderer) Render(data []byte, _ string, _ RenderLevel) ([]byte, error) {
	return data, nil
}

// Config locates the service's persistent state.
type Config struct {
	// DataDir holds the identity file, capsule directory, album
	// operation logs, and the block metadata file.
	DataDir string `yaml:"data_dir"`

	// DeviceName names this piece on first run.
	DeviceName string `yaml:"device_name"`

	// Store configures the dissolution block store. When
	// MetadataPath is empty it defaults into DataDir.
	Store blockstore.Config `yaml:"store"`
}

// Service is the application core behind the external interface.
type Service struct {
	ident    *identity.Identity
	store    *blockstore.Store
	capsules *capsule.Store
	renderer Renderer
	log      *zap.Logger
	dataDir  string

	mu       sync.Mutex
	registry *document.Document
	albums   map[uuid.UUID]*document.Document
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithRenderer overrides the passthrough renderer.
func WithRenderer(r Renderer) ServiceOption {
	return func(s *Service) { s.renderer = r }
}

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// Open initializes the service: identity, block store (with volume
// initialization), capsule store, and the persisted album documents.
func Open(ctx context.Context, cfg Config, opts ...ServiceOption) (*Service, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	name := cfg.DeviceName
	if name == "" {
		name = "soradyne-piece"
	}
	ident, err := identity.LoadOrCreate(filepath.Join(cfg.DataDir, "identity.cbor"), name)
	if err != nil {
		return nil, err
	}

	storeCfg := cfg.Store
	if storeCfg.MetadataPath == "" {
		storeCfg.MetadataPath = filepath.Join(cfg.DataDir, "blocks.json")
	}
	store, err := blockstore.New(storeCfg, ident)
	if err != nil {
		return nil, err
	}
	if err := store.InitializeVolumes(ctx); err != nil {
		return nil, err
	}

	capsules, err := capsule.NewStore(filepath.Join(cfg.DataDir, "capsules"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		ident:    ident,
		store:    store,
		capsules: capsules,
		renderer: PassthroughRenderer{},
		log:      zap.NewNop(),
		dataDir:  cfg.DataDir,
		albums:   make(map[uuid.UUID]*document.Document),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry, err = s.loadDocument(document.InventorySchema{}, s.registryPath())
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close persists every dirty document.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveDocumentLocked(s.registry, s.registryPath()); err != nil {
		return err
	}
	for id, doc := range s.albums {
		if err := s.saveDocumentLocked(doc, s.albumPath(id)); err != nil {
			return err
		}
	}
	return nil
}

// Identity returns the device identity.
func (s *Service) Identity() *identity.Identity { return s.ident }

// BlockStore returns the dissolution store.
func (s *Service) BlockStore() *blockstore.Store { return s.store }

// Capsules returns the capsule store.
func (s *Service) Capsules() *capsule.Store { return s.capsules }

// AlbumSummary is one album in the JSON listing.
type AlbumSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ItemCount int    `json:"item_count"`
}

// MediaItem is one media entry in the JSON listing.
type MediaItem struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Size      int    `json:"size"`
	MediaType string `json:"media_type"`
}

// Albums lists the albums as JSON-ready summaries.
func (s *Service) Albums() ([]AlbumSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.registry.Materialize()
	if err != nil {
		return nil, err
	}
	inventory := state.(*document.InventoryState)

	out := make([]AlbumSummary, 0, len(inventory.Items))
	for _, item := range inventory.Items {
		albumID, err := uuid.Parse(item.ID)
		if err != nil {
			continue
		}
		summary := AlbumSummary{ID: item.ID, Name: item.Fields["name"]}
		if doc, err := s.albumDocLocked(albumID); err == nil {
			if albumState, err := doc.Materialize(); err == nil {
				summary.ItemCount = len(albumState.(*document.AlbumState).Media)
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// CreateAlbum registers a new album and returns its ID.
func (s *Service) CreateAlbum(name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	albumID := uuid.New()
	if _, err := s.registry.ApplyLocal(document.OpAddItem, document.AddItemPayload{
		ID:   albumID.String(),
		Kind: "Album",
	}); err != nil {
		return uuid.Nil, err
	}
	if _, err := s.registry.ApplyLocal(document.OpSetField, document.SetFieldPayload{
		ID:    albumID.String(),
		Field: "name",
		Value: name,
	}); err != nil {
		return uuid.Nil, err
	}
	if err := s.saveDocumentLocked(s.registry, s.registryPath()); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("album created", zap.Stringer("album", albumID), zap.String("name", name))
	return albumID, nil
}

// AlbumItems lists an album's media entries.
func (s *Service) AlbumItems(albumID uuid.UUID) ([]MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.albumDocLocked(albumID)
	if err != nil {
		return nil, err
	}
	state, err := doc.Materialize()
	if err != nil {
		return nil, err
	}
	album := state.(*document.AlbumState)

	out := make([]MediaItem, 0, len(album.Media))
	for _, media := range album.Media {
		out = append(out, MediaItem{
			ID:        media.OpID.String(),
			Filename:  media.Filename,
			Size:      media.Size,
			MediaType: media.MediaType,
		})
	}
	return out, nil
}

// UploadMedia dissolves a file into the block store and records its
// reference in the album.
func (s *Service) UploadMedia(ctx context.Context, albumID uuid.UUID, path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "read media file")
	}

	file := blockfile.New(s.store)
	if err := file.Write(ctx, data); err != nil {
		return uuid.Nil, err
	}
	handle, _ := file.Handle()

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.albumDocLocked(albumID)
	if err != nil {
		return uuid.Nil, err
	}
	env, err := doc.ApplyLocal(document.OpAddMedia, document.AddMediaPayload{
		Filename:  filepath.Base(path),
		BlockID:   handle.Root,
		Size:      handle.Size,
		MediaType: mediaTypeFor(path),
	})
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.saveDocumentLocked(doc, s.albumPath(albumID)); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("media uploaded",
		zap.Stringer("album", albumID),
		zap.Stringer("media", env.OpID),
		zap.Int("size", handle.Size))
	return env.OpID, nil
}

// MediaData reconstructs a media payload and renders it at the
// requested level.
func (s *Service) MediaData(ctx context.Context, albumID, mediaID uuid.UUID, level RenderLevel) ([]byte, error) {
	s.mu.Lock()
	doc, err := s.albumDocLocked(albumID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	state, err := doc.Materialize()
	if err != nil {
		return nil, err
	}

	for _, media := range state.(*document.AlbumState).Media {
		if media.OpID != mediaID {
			continue
		}
		file := blockfile.Open(s.store, blockfile.Handle{
			Root: blockstore.BlockID(media.BlockID),
			Size: media.Size,
		})
		data, err := file.Read(ctx)
		if err != nil {
			return nil, err
		}
		return s.renderer.Render(data, media.MediaType, level)
	}
	return nil, errors.Wrapf(ErrMediaNotFound, "media %s in album %s", mediaID, albumID)
}

// StorageStatus reports the block store's shape as JSON.
func (s *Service) StorageStatus(ctx context.Context) ([]byte, error) {
	info := s.store.StorageInfo(ctx)
	return json.Marshal(info)
}

// albumDocLocked loads (or creates) an album document. Caller holds
// s.mu.
func (s *Service) albumDocLocked(albumID uuid.UUID) (*document.Document, error) {
	if doc, ok := s.albums[albumID]; ok {
		return doc, nil
	}
	doc, err := s.loadDocument(document.AlbumSchema{}, s.albumPath(albumID))
	if err != nil {
		return nil, err
	}
	s.albums[albumID] = doc
	return doc, nil
}

// loadDocument opens a persisted operation log, or an empty document
// when none exists.
func (s *Service) loadDocument(schema document.Schema, path string) (*document.Document, error) {
	doc := document.New(schema, s.ident.DeviceID())
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read document log")
	}
	var ops []document.OpEnvelope
	if err := wire.Unmarshal(data, &ops); err != nil {
		return nil, errors.Wrap(err, "parse document log")
	}
	for _, env := range ops {
		doc.ApplyRemote(env)
	}
	return doc, nil
}

// saveDocumentLocked persists a document's operation log atomically.
func (s *Service) saveDocumentLocked(doc *document.Document, path string) error {
	data, err := wire.Marshal(doc.Ops())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create document directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write document log")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename document log")
}

func (s *Service) registryPath() string {
	return filepath.Join(s.dataDir, "albums", "registry.ops")
}

func (s *Service) albumPath(id uuid.UUID) string {
	return filepath.Join(s.dataDir, "albums", id.String()+".ops")
}

// mediaTypeFor guesses a media type from the file extension. The
// rendering layer does real sniffing; this only labels the reference.
func mediaTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}
