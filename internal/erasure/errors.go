package erasure

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for impossible codec parameters:
	// k < 1, k > n, or n > 255 (the Shamir share-index limit).
	ErrConfiguration = errors.New("invalid erasure configuration")

	// ErrCorruptStripe is returned when the supplied shards cannot form
	// a consistent stripe: lengths disagree, indices are out of range,
	// or Reed–Solomon reconstruction rejects the data.
	ErrCorruptStripe = errors.New("corrupt stripe")

	// ErrTamper is returned when a chunk fails AEAD authentication.
	// The shard bytes were readable but are not the bytes we wrote.
	ErrTamper = errors.New("chunk failed authentication")
)

// UndercommittedError reports a reconstruction attempted with fewer
// than k shard/key-share pairs. Missing lists the absent shard indices
// so the operator can tell which volumes to reattach.
type UndercommittedError struct {
	Have    int
	Need    int
	Missing []int
}

// Error implements the error interface.
func (e *UndercommittedError) Error() string {
	return fmt.Sprintf("undercommitted: have %d of %d required shards (missing %v)",
		e.Have, e.Need, e.Missing)
}

// IsUndercommitted reports whether err is an UndercommittedError and
// returns it when so.
func IsUndercommitted(err error) (*UndercommittedError, bool) {
	var uc *UndercommittedError
	if errors.As(err, &uc) {
		return uc, true
	}
	return nil, false
}
