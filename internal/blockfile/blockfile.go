// Package blockfile presents a logical byte sequence on top of the
// block store. Payloads up to a single block ride in one direct block;
// anything larger is chunked into block-sized fragments whose ID list
// becomes an indirect root block.
//
// The external handle for a block file is (root ID, size): the two
// together are sufficient to reopen and read it from any device holding
// enough shards. Reads of a large file trim the final fragment's zero
// padding back to the recorded size.
package blockfile

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/soradyne/internal/blockstore"
)

// Handle is the persistable reference to a written block file.
type Handle struct {
	Root blockstore.BlockID `json:"root" codec:"root"`
	Size int                `json:"size" codec:"size"`
}

// File is an append-once logical byte sequence.
//
// A File is created empty (New) or reopened from a handle (Open).
// Write dissolves the payload into the store and fixes the handle;
// a File that has been written is immutable.
type File struct {
	store    *blockstore.Store
	fragment int

	mu     sync.RWMutex
	handle Handle
	exists bool
}

// Option configures a File.
type Option func(*File)

// WithFragmentSize overrides the fragment threshold, normally
// blockstore.BlockMax. Smaller fragments suit constrained volumes (and
// make indirect layouts observable in tests); the value may not exceed
// what the store accepts for a direct block.
func WithFragmentSize(n int) Option {
	return func(f *File) {
		if n > 0 && n <= blockstore.BlockMax {
			f.fragment = n
		}
	}
}

// New creates an empty, unwritten file over the store.
func New(store *blockstore.Store, opts ...Option) *File {
	f := &File{store: store, fragment: blockstore.BlockMax}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open reopens a previously written file from its handle.
func Open(store *blockstore.Store, handle Handle, opts ...Option) *File {
	f := New(store, opts...)
	f.handle = handle
	f.exists = true
	return f
}

// Write dissolves data into the store and records the root handle.
//
// Payloads within the fragment size (BlockMax unless overridden by
// WithFragmentSize) become one direct block. Larger payloads are split
// into fragment-sized pieces, each written as a direct block, with the
// fragment ID list written as the indirect root.
func (f *File) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists {
		return errors.New("block file already written")
	}

	if len(data) <= f.fragment {
		root, err := f.store.WriteDirect(ctx, data)
		if err != nil {
			return err
		}
		f.handle = Handle{Root: root, Size: len(data)}
		f.exists = true
		return nil
	}

	var fragments []blockstore.BlockID
	for start := 0; start < len(data); start += f.fragment {
		end := start + f.fragment
		if end > len(data) {
			end = len(data)
		}
		id, err := f.store.WriteDirect(ctx, data[start:end])
		if err != nil {
			return err
		}
		fragments = append(fragments, id)
	}

	root, err := f.store.WriteIndirect(ctx, fragments)
	if err != nil {
		return err
	}
	f.handle = Handle{Root: root, Size: len(data)}
	f.exists = true
	return nil
}

// Read reconstructs the file's full contents, truncated to the
// recorded size.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	f.mu.RLock()
	handle, exists := f.handle, f.exists
	f.mu.RUnlock()
	if !exists {
		return []byte{}, nil
	}

	data, err := f.store.Read(ctx, handle.Root)
	if err != nil {
		return nil, err
	}
	if len(data) < handle.Size {
		return nil, errors.Errorf("block file %s reconstructed %d of %d bytes",
			handle.Root, len(data), handle.Size)
	}
	return data[:handle.Size], nil
}

// Handle returns the file's persistable reference. The second return
// is false until the file has been written.
func (f *File) Handle() (Handle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handle, f.exists
}

// Size returns the logical size in bytes.
func (f *File) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handle.Size
}
