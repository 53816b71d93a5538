// Package app is the application service the external interface (C
// ABI) and the command-line tool drive: album management backed by
// convergent documents, media ingest through the block-file layer,
// storage status, and the pairing bridge.
//
// The service owns the device identity, the block store, the capsule
// store, and the album documents. Album state lives in two document
// layers: a single registry document (inventory schema) listing the
// albums, and one album-schema document per album holding its media
// references, comments and edits. Both persist their operation logs
// under the data directory, so the documents an eventual flow layer
// synchronizes are exactly the documents the UI edits locally.
//
// Media payloads never enter a document: upload dissolves the file
// into the block store via a block file and records only the root
// handle in an add_media operation.
//
// Rendering is out of scope for the core; the Renderer interface is
// the seam where the external image/video pipeline plugs in, and the
// default passthrough renderer returns the stored bytes unchanged at
// every quality level.
package app
