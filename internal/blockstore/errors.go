package blockstore

import "errors"

var (
	// ErrNotFound is returned when no block with the requested ID is
	// recorded in the metadata store.
	ErrNotFound = errors.New("block not found")

	// ErrOversize is returned when a direct write exceeds BlockMax.
	// Callers wanting larger payloads go through package blockfile.
	ErrOversize = errors.New("data exceeds direct block capacity")

	// ErrConfiguration is returned for store configurations that cannot
	// provide the promised fault tolerance: no volumes, or fewer
	// volumes than shards without the explicit colocation override.
	ErrConfiguration = errors.New("invalid store configuration")

	// ErrDeviceIdentityMismatch is returned when a volume fails the
	// fingerprint evolution check or the Bayesian identity threshold.
	ErrDeviceIdentityMismatch = errors.New("volume failed device identity check")

	// ErrWritesFrozen is returned for writes attempted after a
	// continuity failure, until the operator confirms the volume set.
	ErrWritesFrozen = errors.New("writes frozen pending device continuity confirmation")
)
