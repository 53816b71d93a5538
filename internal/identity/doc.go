// Package identity manages the cryptographic identity of a piece and the
// symmetric key material of the capsules it belongs to.
//
// # Device identity
//
// Each device carries one Identity: a stable UUID, a human-readable
// name, an Ed25519 signing key, an X25519 key-agreement key, and the
// fingerprint baselines of the volumes this device has initialized.
// The identity persists as a single CBOR file; private keys never leave
// it except through the operations exposed here (signing, ECDH).
//
// # Capsule key bundles
//
// A KeyBundle is the symmetric secret shared by all pieces of one
// capsule. It authenticates and encrypts ensemble advertisements and
// derives the four-byte capsule hint that lets pieces discard foreign
// advertisements without attempting decryption.
//
// # Concurrency
//
// Identity guards its mutable state (volume fingerprint baselines) with
// a RWMutex; everything else is immutable after load. KeyBundle is an
// immutable value.
package identity
