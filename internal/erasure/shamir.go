package erasure

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// KeyShare is one Shamir share of a block's 32-byte master key.
// Index is the x coordinate the share polynomial was evaluated at;
// valid indices are 1..255 (x=0 would leak the secret itself).
type KeyShare struct {
	Index byte   `json:"index" codec:"index"`
	Value []byte `json:"value" codec:"value"`
}

// splitSecret Shamir-splits a 32-byte secret into n shares with
// threshold k, byte-wise over GF(256). Each secret byte becomes the
// constant term of an independent random polynomial of degree k-1;
// share i carries the polynomial evaluations at x=i+1.
func splitSecret(secret *[32]byte, k, n int) ([]KeyShare, error) {
	// One polynomial per secret byte; coefficients[c] holds the 32
	// degree-(c+1) coefficients.
	coefficients := make([]byte, (k-1)*32)
	if _, err := rand.Read(coefficients); err != nil {
		return nil, errors.Wrap(err, "sample share coefficients")
	}

	shares := make([]KeyShare, n)
	for i := 0; i < n; i++ {
		x := byte(i + 1)
		value := make([]byte, 32)
		for b := 0; b < 32; b++ {
			// Horner evaluation from the highest coefficient down.
			acc := byte(0)
			for c := k - 2; c >= 0; c-- {
				acc = gfMul(acc, x) ^ coefficients[c*32+b]
			}
			value[b] = gfMul(acc, x) ^ secret[b]
		}
		shares[i] = KeyShare{Index: x, Value: value}
	}
	return shares, nil
}

// combineSecret recovers the master key from at least k shares by
// byte-wise Lagrange interpolation at x=0.
func combineSecret(shares []KeyShare, k int) (*[32]byte, error) {
	if len(shares) < k {
		return nil, errors.Wrapf(ErrCorruptStripe, "need %d key shares, have %d", k, len(shares))
	}
	shares = shares[:k]

	for _, s := range shares {
		if s.Index == 0 {
			return nil, errors.Wrap(ErrCorruptStripe, "key share with index 0")
		}
		if len(s.Value) != 32 {
			return nil, errors.Wrapf(ErrCorruptStripe, "key share %d has %d bytes", s.Index, len(s.Value))
		}
	}
	for i := range shares {
		for j := i + 1; j < len(shares); j++ {
			if shares[i].Index == shares[j].Index {
				return nil, errors.Wrapf(ErrCorruptStripe, "duplicate key share index %d", shares[i].Index)
			}
		}
	}

	var secret [32]byte
	for b := 0; b < 32; b++ {
		var acc byte
		for i, si := range shares {
			// Lagrange basis l_i(0) = prod_{j!=i} x_j / (x_i ^ x_j).
			num, den := byte(1), byte(1)
			for j, sj := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, sj.Index)
				den = gfMul(den, si.Index^sj.Index)
			}
			acc ^= gfMul(si.Value[b], gfDiv(num, den))
		}
		secret[b] = acc
	}
	return &secret, nil
}
