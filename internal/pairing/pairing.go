// Package pairing implements mutually-authenticated capsule enrolment.
// See doc.go for complete package documentation.
package pairing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/soradyne/internal/capsule"
	"github.com/dreamware/soradyne/internal/identity"
	"github.com/dreamware/soradyne/internal/radio"
	"github.com/dreamware/soradyne/internal/wire"
)

// AdvMarker is the literal 16-byte prefix of a pairing advertisement.
// Only the inviter advertises it.
const AdvMarker = "SORADYNE-PAIR-V1"

// Default session timeouts.
const (
	// DefaultAdvTimeout bounds how long an inviter advertises.
	DefaultAdvTimeout = 120 * time.Second

	// DefaultPINTimeout bounds the wait for the user's PIN action.
	DefaultPINTimeout = 60 * time.Second
)

var (
	// ErrInvalidState is returned when an operation does not fit the
	// engine's current state (e.g. a second concurrent session).
	ErrInvalidState = errors.New("operation not valid in current pairing state")

	// ErrRejected is returned when the peer (or the local user)
	// rejected the session.
	ErrRejected = errors.New("pairing rejected")

	// ErrPINMismatch is the joiner-side rejection for a wrong PIN.
	ErrPINMismatch = errors.New("PIN mismatch")

	// ErrTimeout is returned when a bounded wait expired.
	ErrTimeout = errors.New("pairing timed out")
)

// Message types on the pairing wire.
const (
	msgKeyExchange     = "key_exchange"
	msgPinConfirmed    = "pin_confirmed"
	msgCapsuleTransfer = "capsule_transfer"
	msgJoinerPieceInfo = "joiner_piece_info"
	msgPairingComplete = "pairing_complete"
	msgRejected        = "rejected"
)

// KeyExchange is the first message either side sends.
type KeyExchange struct {
	DeviceID     uuid.UUID `codec:"device_id"`
	DHPublicKey  [32]byte  `codec:"dh_public"`
	VerifyingKey [32]byte  `codec:"verifying_key"`
}

// Message is the CBOR union carried over the pairing connection.
type Message struct {
	Type        string       `codec:"type"`
	KeyExchange *KeyExchange `codec:"key_exchange,omitempty"`
	// Encrypted carries the sealed capsule or piece record for the
	// transfer message types.
	Encrypted []byte `codec:"encrypted,omitempty"`
	// Reason accompanies a rejection.
	Reason string `codec:"reason,omitempty"`
}

// StateKind enumerates the observable pairing states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateAwaitingVerification
	StateTransferring
	StateComplete
	StateFailed
)

// String implements fmt.Stringer.
func (k StateKind) String() string {
	switch k {
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Status is the engine's observable state, polled by the UI bridge.
type Status struct {
	Kind StateKind `json:"state"`
	// PIN is the derived verification code while awaiting the user.
	PIN string `json:"pin,omitempty"`
	// CapsuleID and PeerDeviceID are set on completion.
	CapsuleID    uuid.UUID `json:"capsule_id,omitempty"`
	PeerDeviceID uuid.UUID `json:"peer_device_id,omitempty"`
	// Reason explains a failure.
	Reason string `json:"reason,omitempty"`
}

// Result is a successful enrolment.
type Result struct {
	CapsuleID    uuid.UUID
	PeerDeviceID uuid.UUID
}

// Verifier derives the human verification code from the ECDH secret.
// A trait boundary so tests can inject deterministic codes.
type Verifier interface {
	DerivePIN(sharedSecret [32]byte) string
}

// NumericVerifier is the production verifier: SHA-256 of the secret
// and a domain tag, first four bytes as a little-endian u32, modulo
// one million, zero-padded to six digits.
type NumericVerifier struct{}

// DerivePIN implements Verifier.
func (NumericVerifier) DerivePIN(sharedSecret [32]byte) string {
	h := sha256.New()
	h.Write(sharedSecret[:])
	h.Write([]byte("soradyne-pin-v1"))
	raw := binary.LittleEndian.Uint32(h.Sum(nil)[:4])
	return fmt.Sprintf("%06d", raw%1_000_000)
}

// Engine runs pairing sessions for one device. One session at a time.
type Engine struct {
	ident    *identity.Identity
	store    *capsule.Store
	verifier Verifier
	log      *zap.Logger

	advTimeout time.Duration
	pinTimeout time.Duration

	mu      sync.Mutex
	status  Status
	active  bool
	userOK  chan bool   // inviter: user confirmed the displayed PIN
	userPIN chan string // joiner: user-entered PIN
	cancel  context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier overrides the PIN verifier.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithLogger installs a logger; the default discards.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTimeouts overrides the advertisement and PIN timeouts.
func WithTimeouts(adv, pin time.Duration) Option {
	return func(e *Engine) {
		e.advTimeout = adv
		e.pinTimeout = pin
	}
}

// NewEngine creates a pairing engine over the device identity and
// capsule store.
func NewEngine(ident *identity.Identity, store *capsule.Store, opts ...Option) *Engine {
	e := &Engine{
		ident:      ident,
		store:      store,
		verifier:   NumericVerifier{},
		log:        zap.NewNop(),
		advTimeout: DefaultAdvTimeout,
		pinTimeout: DefaultPINTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the engine's observable state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ConfirmPIN records the inviter-side user confirming the displayed
// PIN matches the joiner's screen.
func (e *Engine) ConfirmPIN() error {
	e.mu.Lock()
	ch := e.userOK
	kind := e.status.Kind
	e.mu.Unlock()
	if ch == nil || kind != StateAwaitingVerification {
		return ErrInvalidState
	}
	select {
	case ch <- true:
		return nil
	default:
		return ErrInvalidState
	}
}

// SubmitPIN records the joiner-side user's typed PIN.
func (e *Engine) SubmitPIN(pin string) error {
	e.mu.Lock()
	ch := e.userPIN
	kind := e.status.Kind
	e.mu.Unlock()
	if ch == nil || kind != StateAwaitingVerification {
		return ErrInvalidState
	}
	select {
	case ch <- pin:
		return nil
	default:
		return ErrInvalidState
	}
}

// Cancel aborts the active session, if any.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// begin claims the engine for one session.
func (e *Engine) begin(cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return ErrInvalidState
	}
	e.active = true
	e.cancel = cancel
	e.userOK = make(chan bool, 1)
	e.userPIN = make(chan string, 1)
	e.status = Status{Kind: StateIdle}
	return nil
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// finish releases the engine and records the terminal state.
func (e *Engine) finish(result *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
	e.cancel = nil
	e.userOK = nil
	e.userPIN = nil
	if err != nil {
		e.status = Status{Kind: StateFailed, Reason: failureReason(err)}
	} else if result != nil {
		e.status = Status{
			Kind:         StateComplete,
			CapsuleID:    result.CapsuleID,
			PeerDeviceID: result.PeerDeviceID,
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Cancelled by user"
	case errors.Is(err, ErrPINMismatch):
		return "PIN mismatch"
	default:
		return err.Error()
	}
}

// Invite runs the inviter side: advertise, accept, verify, transfer
// the named capsule, and record the joiner's piece.
func (e *Engine) Invite(ctx context.Context, device radio.Device, capsuleID uuid.UUID) (*Result, error) {
	caps, err := e.store.Load(capsuleID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.advTimeout)
	defer cancel()
	if err := e.begin(cancel); err != nil {
		return nil, err
	}

	result, err := e.runInvite(ctx, device, caps)
	e.finish(result, err)
	return result, err
}

func (e *Engine) runInvite(ctx context.Context, device radio.Device, caps *capsule.Capsule) (*Result, error) {
	if err := device.StartAdvertising([]byte(AdvMarker)); err != nil {
		return nil, errors.Wrap(err, "advertise pairing marker")
	}
	defer device.StopAdvertising()

	conn, err := device.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept pairing connection")
	}
	defer conn.Disconnect()

	// Inviter sends its key material first; joiner mirrors.
	if err := e.sendKeyExchange(ctx, conn); err != nil {
		return nil, err
	}
	peer, err := recvExpect(ctx, conn, msgKeyExchange)
	if err != nil {
		return nil, err
	}
	secret, pin, err := e.deriveSecret(peer.KeyExchange)
	if err != nil {
		return nil, err
	}

	e.setStatus(Status{Kind: StateAwaitingVerification, PIN: pin})
	if err := e.awaitUserConfirm(ctx); err != nil {
		_ = sendMessage(ctx, conn, Message{Type: msgRejected, Reason: failureReason(err)})
		return nil, err
	}
	// The joiner's confirmation (or rejection) of the typed PIN.
	if _, err := recvExpect(ctx, conn, msgPinConfirmed); err != nil {
		return nil, err
	}

	e.setStatus(Status{Kind: StateTransferring})
	capsuleBytes, err := wire.Marshal(caps)
	if err != nil {
		return nil, err
	}
	sealed, err := identity.Seal(secret, capsuleBytes)
	if err != nil {
		return nil, err
	}
	if err := sendMessage(ctx, conn, Message{Type: msgCapsuleTransfer, Encrypted: sealed}); err != nil {
		return nil, err
	}

	pieceMsg, err := recvExpect(ctx, conn, msgJoinerPieceInfo)
	if err != nil {
		return nil, err
	}
	pieceBytes, err := identity.Open(secret, pieceMsg.Encrypted)
	if err != nil {
		return nil, errors.Wrap(err, "open joiner piece info")
	}
	var piece capsule.PieceRecord
	if err := wire.Unmarshal(pieceBytes, &piece); err != nil {
		return nil, err
	}
	if err := caps.AddPiece(piece); err != nil && !errors.Is(err, capsule.ErrDuplicatePiece) {
		return nil, err
	}
	if err := e.store.Save(caps); err != nil {
		return nil, err
	}

	if err := sendMessage(ctx, conn, Message{Type: msgPairingComplete}); err != nil {
		return nil, err
	}
	if _, err := recvExpect(ctx, conn, msgPairingComplete); err != nil {
		return nil, err
	}

	e.log.Info("pairing complete",
		zap.Stringer("capsule", caps.ID), zap.Stringer("peer", piece.DeviceID))
	return &Result{CapsuleID: caps.ID, PeerDeviceID: piece.DeviceID}, nil
}

// Join runs the joiner side: scan for the marker, connect, verify the
// typed PIN, receive the capsule, and contribute our piece record.
func (e *Engine) Join(ctx context.Context, device radio.Device, name string, pieceCaps capsule.Capabilities) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.advTimeout)
	defer cancel()
	if err := e.begin(cancel); err != nil {
		return nil, err
	}

	result, err := e.runJoin(ctx, device, name, pieceCaps)
	e.finish(result, err)
	return result, err
}

func (e *Engine) runJoin(ctx context.Context, device radio.Device, name string, pieceCaps capsule.Capabilities) (*Result, error) {
	// Subscribe before scanning so the marker cannot slip past.
	sub := device.Advertisements()
	defer sub.Cancel()
	if err := device.StartScan(); err != nil {
		return nil, errors.Wrap(err, "start pairing scan")
	}
	defer device.StopScan()

	var inviterAddr radio.Address
scan:
	for {
		select {
		case adv := <-sub.C:
			if bytes.HasPrefix(adv.Data, []byte(AdvMarker)) {
				inviterAddr = adv.Address
				break scan
			}
		case <-ctx.Done():
			return nil, errors.Wrap(ErrTimeout, "no pairing advertisement found")
		}
	}

	conn, err := device.Connect(ctx, inviterAddr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to inviter")
	}
	defer conn.Disconnect()

	// Mirror of the inviter: receive first, then send.
	peer, err := recvExpect(ctx, conn, msgKeyExchange)
	if err != nil {
		return nil, err
	}
	if err := e.sendKeyExchange(ctx, conn); err != nil {
		return nil, err
	}
	secret, pin, err := e.deriveSecret(peer.KeyExchange)
	if err != nil {
		return nil, err
	}

	e.setStatus(Status{Kind: StateAwaitingVerification, PIN: pin})
	entered, err := e.awaitUserPIN(ctx)
	if err != nil {
		_ = sendMessage(ctx, conn, Message{Type: msgRejected, Reason: failureReason(err)})
		return nil, err
	}
	if entered != pin {
		_ = sendMessage(ctx, conn, Message{Type: msgRejected, Reason: "PIN mismatch"})
		return nil, ErrPINMismatch
	}
	if err := sendMessage(ctx, conn, Message{Type: msgPinConfirmed}); err != nil {
		return nil, err
	}

	e.setStatus(Status{Kind: StateTransferring})
	transfer, err := recvExpect(ctx, conn, msgCapsuleTransfer)
	if err != nil {
		return nil, err
	}
	capsuleBytes, err := identity.Open(secret, transfer.Encrypted)
	if err != nil {
		return nil, errors.Wrap(err, "open capsule transfer")
	}
	var caps capsule.Capsule
	if err := wire.Unmarshal(capsuleBytes, &caps); err != nil {
		return nil, err
	}

	piece := capsule.PieceRecord{
		DeviceID:     e.ident.DeviceID(),
		Name:         name,
		SigningKey:   e.ident.VerifyingKey(),
		Capabilities: pieceCaps,
		JoinedAt:     time.Now().UTC(),
	}
	if pub, err := e.ident.DHPublicKey(); err == nil {
		piece.EncryptionKey = pub
	}
	if err := caps.AddPiece(piece); err != nil && !errors.Is(err, capsule.ErrDuplicatePiece) {
		return nil, err
	}
	if err := e.store.Save(&caps); err != nil {
		return nil, err
	}

	pieceBytes, err := wire.Marshal(piece)
	if err != nil {
		return nil, err
	}
	sealed, err := identity.Seal(secret, pieceBytes)
	if err != nil {
		return nil, err
	}
	if err := sendMessage(ctx, conn, Message{Type: msgJoinerPieceInfo, Encrypted: sealed}); err != nil {
		return nil, err
	}

	if _, err := recvExpect(ctx, conn, msgPairingComplete); err != nil {
		return nil, err
	}
	if err := sendMessage(ctx, conn, Message{Type: msgPairingComplete}); err != nil {
		return nil, err
	}

	e.log.Info("joined capsule", zap.Stringer("capsule", caps.ID))
	return &Result{CapsuleID: caps.ID, PeerDeviceID: peer.KeyExchange.DeviceID}, nil
}

func (e *Engine) sendKeyExchange(ctx context.Context, conn radio.Connection) error {
	dhPub, err := e.ident.DHPublicKey()
	if err != nil {
		return err
	}
	return sendMessage(ctx, conn, Message{
		Type: msgKeyExchange,
		KeyExchange: &KeyExchange{
			DeviceID:     e.ident.DeviceID(),
			DHPublicKey:  dhPub,
			VerifyingKey: e.ident.VerifyingKey(),
		},
	})
}

func (e *Engine) deriveSecret(peer *KeyExchange) ([32]byte, string, error) {
	if peer == nil {
		return [32]byte{}, "", errors.New("key exchange missing key material")
	}
	secret, err := e.ident.SharedSecret(peer.DHPublicKey)
	if err != nil {
		return [32]byte{}, "", err
	}
	return secret, e.verifier.DerivePIN(secret), nil
}

// awaitUserConfirm waits for the inviter-side ConfirmPIN.
func (e *Engine) awaitUserConfirm(ctx context.Context) error {
	e.mu.Lock()
	ch := e.userOK
	e.mu.Unlock()
	timer := time.NewTimer(e.pinTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errors.Wrap(ErrTimeout, "PIN confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitUserPIN waits for the joiner-side SubmitPIN.
func (e *Engine) awaitUserPIN(ctx context.Context) (string, error) {
	e.mu.Lock()
	ch := e.userPIN
	e.mu.Unlock()
	timer := time.NewTimer(e.pinTimeout)
	defer timer.Stop()
	select {
	case pin := <-ch:
		return pin, nil
	case <-timer.C:
		return "", errors.Wrap(ErrTimeout, "PIN entry")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func sendMessage(ctx context.Context, conn radio.Connection, msg Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}

// recvExpect receives the next message and requires the given type.
// A rejection from the peer surfaces as ErrRejected with its reason.
func recvExpect(ctx context.Context, conn radio.Connection, want string) (Message, error) {
	frame, err := conn.Recv(ctx)
	if err != nil {
		return Message{}, errors.Wrap(err, "receive pairing message")
	}
	var msg Message
	if err := wire.Unmarshal(frame, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == msgRejected {
		return Message{}, errors.Wrap(ErrRejected, msg.Reason)
	}
	if msg.Type != want {
		return Message{}, errors.Wrapf(ErrInvalidState, "expected %s, got %s", want, msg.Type)
	}
	return msg, nil
}
