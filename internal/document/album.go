package document

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Album operation kinds.
const (
	OpAddMedia   = "add_media"
	OpAddComment = "add_comment"
	OpSetCrop    = "set_crop"
	OpRotate     = "rotate"
	OpAddMarkup  = "add_markup"
	OpDelete     = "delete"
	OpShareWith  = "share_with"
)

// Permission is a share level. Levels form a total order and merge by
// maximum, so concurrent grants converge to the strongest one.
type Permission uint8

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionOwner
)

// String implements fmt.Stringer.
func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionOwner:
		return "owner"
	default:
		return "none"
	}
}

// Album operation payloads.
type (
	// AddMediaPayload references a media payload stored in the block
	// layer. BlockID is the block-file root; Size its logical length.
	AddMediaPayload struct {
		Filename  string   `codec:"filename" json:"filename"`
		BlockID   [32]byte `codec:"block_id" json:"block_id"`
		Size      int      `codec:"size" json:"size"`
		MediaType string   `codec:"media_type" json:"media_type"`
	}

	AddCommentPayload struct {
		Text string `codec:"text" json:"text"`
	}

	SetCropPayload struct {
		Left   float64 `codec:"l" json:"l"`
		Top    float64 `codec:"t" json:"t"`
		Right  float64 `codec:"r" json:"r"`
		Bottom float64 `codec:"b" json:"b"`
	}

	RotatePayload struct {
		Degrees int `codec:"degrees" json:"degrees"`
	}

	AddMarkupPayload struct {
		Type string `codec:"type" json:"type"`
		Data []byte `codec:"data" json:"data"`
	}

	DeletePayload struct {
		TargetOpID uuid.UUID `codec:"target_op_id" json:"target_op_id"`
	}

	ShareWithPayload struct {
		UserID     string     `codec:"user_id" json:"user_id"`
		Permission Permission `codec:"permission" json:"permission"`
	}
)

// MediaEntry is one media reference in the materialized album.
type MediaEntry struct {
	OpID      uuid.UUID `json:"op_id"`
	Filename  string    `json:"filename"`
	BlockID   [32]byte  `json:"block_id"`
	Size      int       `json:"size"`
	MediaType string    `json:"media_type"`
}

// CommentEntry is one comment, tombstoned or not.
type CommentEntry struct {
	OpID   uuid.UUID `json:"op_id"`
	Author uuid.UUID `json:"author"`
	Text   string    `json:"text"`
}

// MarkupEntry is one markup annotation.
type MarkupEntry struct {
	OpID uuid.UUID `json:"op_id"`
	Type string    `json:"type"`
	Data []byte    `json:"data"`
}

// AlbumState is the materialized album. It is a pure function of the
// document's ordered operation set.
type AlbumState struct {
	Media    []MediaEntry `json:"media"`
	comments []CommentEntry
	markups  []MarkupEntry

	// Crop and RotateDegrees are last-writer-wins: the fold applies
	// operations in total order, so the last applied is the winner.
	Crop          *SetCropPayload `json:"crop,omitempty"`
	RotateDegrees int             `json:"rotate_degrees"`

	// Shares merges concurrent grants per user on the permission
	// lattice (maximum wins, independent of order).
	Shares map[string]Permission `json:"shares"`

	tombstones map[uuid.UUID]bool
}

// Comments returns the comments that have not been tombstoned, in
// operation order.
func (s *AlbumState) Comments() []CommentEntry {
	out := make([]CommentEntry, 0, len(s.comments))
	for _, c := range s.comments {
		if !s.tombstones[c.OpID] {
			out = append(out, c)
		}
	}
	return out
}

// Markups returns the markups that have not been tombstoned.
func (s *AlbumState) Markups() []MarkupEntry {
	out := make([]MarkupEntry, 0, len(s.markups))
	for _, m := range s.markups {
		if !s.tombstones[m.OpID] {
			out = append(out, m)
		}
	}
	return out
}

// AlbumSchema reduces album operations. Stateless; one instance serves
// any number of documents.
type AlbumSchema struct{}

// Name implements Schema.
func (AlbumSchema) Name() string { return "album" }

// Empty implements Schema.
func (AlbumSchema) Empty() any {
	return &AlbumState{
		Shares:     make(map[string]Permission),
		tombstones: make(map[uuid.UUID]bool),
	}
}

// Apply implements Schema.
func (AlbumSchema) Apply(state any, env OpEnvelope) error {
	album, ok := state.(*AlbumState)
	if !ok {
		return errors.Errorf("album schema applied to %T", state)
	}

	switch env.Kind {
	case OpAddMedia:
		var p AddMediaPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.Media = append(album.Media, MediaEntry{
			OpID:      env.OpID,
			Filename:  p.Filename,
			BlockID:   p.BlockID,
			Size:      p.Size,
			MediaType: p.MediaType,
		})

	case OpAddComment:
		var p AddCommentPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.comments = append(album.comments, CommentEntry{
			OpID:   env.OpID,
			Author: env.Author,
			Text:   p.Text,
		})

	case OpSetCrop:
		var p SetCropPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.Crop = &p

	case OpRotate:
		var p RotatePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.RotateDegrees = p.Degrees

	case OpAddMarkup:
		var p AddMarkupPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.markups = append(album.markups, MarkupEntry{
			OpID: env.OpID,
			Type: p.Type,
			Data: p.Data,
		})

	case OpDelete:
		var p DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		album.tombstones[p.TargetOpID] = true

	case OpShareWith:
		var p ShareWithPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.Permission > album.Shares[p.UserID] {
			album.Shares[p.UserID] = p.Permission
		}

	default:
		return errors.Errorf("unknown album operation %q", env.Kind)
	}
	return nil
}
