// Package pairing implements the protocol that enrolls a new piece
// into an existing capsule over the radio transport.
//
// # Protocol
//
// Pairing is a two-sided state machine with a human in the loop:
//
//	Idle → AwaitingVerification{pin} → Transferring → Complete
//	                                        ↘ Failed{reason}
//
// The inviter advertises the 16-byte pairing marker and accepts a
// connection; both sides exchange X25519 public keys and derive the
// shared secret. A six-digit PIN is derived from the secret; the
// inviter displays it, the joiner's user types it, and the joiner
// compares byte-for-byte. A MITM who completed ECDH with each side
// separately holds two different secrets and therefore shows two
// different PINs — the human comparison is what closes that hole. PIN
// entropy is just under 20 bits, enough for a one-shot interactive
// check that aborts on first mismatch.
//
// After PIN confirmation the inviter seals the capsule (CBOR, then
// AEAD under the shared secret) and transfers it; the joiner persists
// it and answers with its own sealed piece record, which the inviter
// adds to the capsule roster. Both sides finish with PairingComplete.
//
// Either side may reject at any point; rejection and every transport
// error end the session, leaving the engine in Failed until the next
// session starts.
//
// # Driving the engine
//
// Invite and Join block for the whole session and are driven from the
// outside through ConfirmPIN (inviter), SubmitPIN (joiner), and Cancel.
// Status is observable at any time via Status; the application bridge
// polls it for UI display.
package pairing
