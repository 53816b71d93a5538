// Package fingerprint establishes and verifies the physical identity of
// removable storage volumes, protecting the block store against volume
// substitution and accidental misuse of a look-alike device.
//
// # Overview
//
// A volume's identity is captured as a Fingerprint: a tuple of evidences
// gathered from the volume itself and from platform probes. Some of the
// components are pinned (they must never change for the same physical
// device), one is monotonic (the bad-block signature may only grow), and
// several may simply be unavailable on a given platform.
//
// Two complementary checks are provided:
//
//   - Evolution: a hard gate. A current reading is a valid evolution of a
//     stored one only if every pinned component is unchanged. Any pinned
//     change is rejected outright, before probabilities enter the picture.
//   - Bayesian identification: a soft score. Each available evidence
//     contributes a weighted log-likelihood ratio; the posterior must
//     reach the confidence threshold (default 0.95) for the reading to be
//     accepted as the same device.
//
// # Components
//
//   - Soradyne-assigned ID: written into the volume root on first use.
//     Fully under our control, therefore the strongest evidence. Pinned.
//   - Hardware ID: vendor/model/serial when the platform exposes it. Pinned.
//   - Filesystem UUID: changes only on reformat, which is itself
//     suspicious. Pinned.
//   - Bad-block signature: hash over the sorted bad-block positions.
//     Physical decay only adds bad blocks, so the underlying set is
//     monotonic; a shrinking set is evidence of a different device.
//   - Capacity in bytes: pinned.
//
// # Probes
//
// Platform-specific evidence gathering hides behind the Subprobe
// interface, installed on a Prober, so tests (and platforms without a given probe) can substitute readings.
// A probe that times out reports its evidence as unavailable rather than
// failing the identification.
//
// # Concurrency Model
//
// Fingerprints are immutable values. The BayesianIdentifier is read-only
// after construction and safe for concurrent use. Probing is
// single-threaded per volume; callers serialize probes themselves.
package fingerprint
