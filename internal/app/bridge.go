package app

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/pairing"
	"github.com/dreamware/soradyne/internal/radio"
)

// ErrUnknownSession is returned for stale or invalid pairing handles.
var ErrUnknownSession = errors.New("unknown pairing session")

// DeviceFactory supplies the radio endpoint a pairing session runs
// over. The concrete transport (real stack or simulator) is chosen at
// composition time.
type DeviceFactory func() radio.Device

// PairingBridge drives pairing sessions through integer handles, the
// shape the C ABI needs: opaque ints in, JSON state out, no owned
// pointers crossing the boundary.
type PairingBridge struct {
	ident    *identity.Identity
	capsules *capsule.Store
	devices  DeviceFactory
	log      *zap.Logger

	mu       sync.Mutex
	next     int
	sessions map[int]*pairingSession
}

type pairingSession struct {
	engine *pairing.Engine
	done   chan struct{}
	result *pairing.Result
	err    error
}

// NewPairingBridge assembles a bridge over the identity and capsule
// store.
func NewPairingBridge(ident *identity.Identity, capsules *capsule.Store, devices DeviceFactory, log *zap.Logger) *PairingBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &PairingBridge{
		ident:    ident,
		capsules: capsules,
		devices:  devices,
		log:      log,
		sessions: make(map[int]*pairingSession),
	}
}

// CreateCapsule creates and persists a capsule with this device as its
// host-capable founder.
func (b *PairingBridge) CreateCapsule(label string) (uuid.UUID, error) {
	founder := capsule.PieceRecord{
		DeviceID:     b.ident.DeviceID(),
		Name:         b.ident.DeviceName(),
		SigningKey:   b.ident.VerifyingKey(),
		Capabilities: capsule.Capabilities{HostCapable: true, RouteCapable: true, HasUI: true},
		JoinedAt:     time.Now().UTC(),
	}
	if pub, err := b.ident.DHPublicKey(); err == nil {
		founder.EncryptionKey = pub
	}

	caps, err := capsule.New(label, founder)
	if err != nil {
		return uuid.Nil, err
	}
	if err := b.capsules.Save(caps); err != nil {
		return uuid.Nil, err
	}
	b.log.Info("capsule created", zap.Stringer("capsule", caps.ID), zap.String("label", label))
	return caps.ID, nil
}

// capsuleSummary is the JSON listing shape.
type capsuleSummary struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Pieces int    `json:"pieces"`
}

// ListCapsules returns the persisted capsules as JSON.
func (b *PairingBridge) ListCapsules() ([]byte, error) {
	all, err := b.capsules.List()
	if err != nil {
		return nil, err
	}
	out := make([]capsuleSummary, 0, len(all))
	for _, c := range all {
		out = append(out, capsuleSummary{ID: c.ID.String(), Label: c.Label, Pieces: len(c.Pieces)})
	}
	return json.Marshal(out)
}

// StartInvite begins an inviter session for a capsule and returns its
// handle. The session runs until completion, rejection, or Cancel.
func (b *PairingBridge) StartInvite(capsuleID uuid.UUID) (int, error) {
	session := &pairingSession{
		engine: pairing.NewEngine(b.ident, b.capsules),
		done:   make(chan struct{}),
	}
	handle := b.register(session)

	go func() {
		defer close(session.done)
		session.result, session.err = session.engine.Invite(context.Background(), b.devices(), capsuleID)
		if session.err != nil {
			b.log.Warn("invite session failed", zap.Int("handle", handle), zap.Error(session.err))
		}
	}()
	return handle, nil
}

// StartJoin begins a joiner session and returns its handle.
func (b *PairingBridge) StartJoin(pieceName string, caps capsule.Capabilities) (int, error) {
	session := &pairingSession{
		engine: pairing.NewEngine(b.ident, b.capsules),
		done:   make(chan struct{}),
	}
	handle := b.register(session)

	go func() {
		defer close(session.done)
		session.result, session.err = session.engine.Join(context.Background(), b.devices(), pieceName, caps)
		if session.err != nil {
			b.log.Warn("join session failed", zap.Int("handle", handle), zap.Error(session.err))
		}
	}()
	return handle, nil
}

// State returns a session's observable status as JSON.
func (b *PairingBridge) State(handle int) ([]byte, error) {
	session, err := b.lookup(handle)
	if err != nil {
		return nil, err
	}
	status := session.engine.Status()
	return json.Marshal(struct {
		State        string `json:"state"`
		PIN          string `json:"pin,omitempty"`
		CapsuleID    string `json:"capsule_id,omitempty"`
		PeerDeviceID string `json:"peer_device_id,omitempty"`
		Reason       string `json:"reason,omitempty"`
	}{
		State:        status.Kind.String(),
		PIN:          status.PIN,
		CapsuleID:    uuidOrEmpty(status.CapsuleID),
		PeerDeviceID: uuidOrEmpty(status.PeerDeviceID),
		Reason:       status.Reason,
	})
}

// ConfirmPIN forwards the inviter-side confirmation.
func (b *PairingBridge) ConfirmPIN(handle int) error {
	session, err := b.lookup(handle)
	if err != nil {
		return err
	}
	return session.engine.ConfirmPIN()
}

// SubmitPIN forwards the joiner-side PIN entry.
func (b *PairingBridge) SubmitPIN(handle int, pin string) error {
	session, err := b.lookup(handle)
	if err != nil {
		return err
	}
	return session.engine.SubmitPIN(pin)
}

// CancelSession aborts a session.
func (b *PairingBridge) CancelSession(handle int) error {
	session, err := b.lookup(handle)
	if err != nil {
		return err
	}
	session.engine.Cancel()
	return nil
}

// Wait blocks until a session terminates and returns its outcome.
func (b *PairingBridge) Wait(handle int) (*pairing.Result, error) {
	session, err := b.lookup(handle)
	if err != nil {
		return nil, err
	}
	<-session.done
	return session.result, session.err
}

// Cleanup cancels every active session and clears the handle table.
func (b *PairingBridge) Cleanup() {
	b.mu.Lock()
	sessions := make([]*pairingSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[int]*pairingSession)
	b.mu.Unlock()

	for _, s := range sessions {
		s.engine.Cancel()
	}
}

func (b *PairingBridge) register(session *pairingSession) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.sessions[b.next] = session
	return b.next
}

func (b *PairingBridge) lookup(handle int) (*pairingSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[handle]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSession, "handle %d", handle)
	}
	return session, nil
}

func uuidOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
