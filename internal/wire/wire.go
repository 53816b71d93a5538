// Package wire provides the CBOR encoding shared by every on-air and
// on-disk message format in the capsule runtime: routed envelopes,
// topology sync, pairing, flow sync, advertisement payloads, and the
// persisted capsule and device-identity files.
//
// The encoding is self-describing CBOR via github.com/ugorji/go/codec.
// Canonical field ordering is not required by any consumer, so the
// handle is left in its default configuration, which encodes structs
// as maps keyed by their codec tags and keeps formats stable when
// fields are added.
package wire

import (
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// cborHandle is the process-wide CBOR configuration. Shared rather than
// per-call so that every format agrees on one encoding and the handle's
// internal type cache is reused.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = false
	return h
}()

// Marshal encodes v as CBOR.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "cbor encode")
	}
	return buf, nil
}

// Unmarshal decodes CBOR bytes into v, which must be a pointer.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, cborHandle)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "cbor decode")
	}
	return nil
}
