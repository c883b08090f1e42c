package crypto

import (
	"errors"
	"fmt"
)

// Shares are computed byte-wise over GF(2^8) with the AES reduction polynomial.
// Each share is the evaluated bytes followed by a one-byte x coordinate.

// SplitRootKey splits key into n shares of which threshold reconstruct it.
func SplitRootKey(key []byte, n, threshold int) ([][]byte, error) {
	switch {
	case len(key) == 0:
		return nil, errors.New("cannot split an empty key")
	case threshold < 2:
		return nil, errors.New("threshold must be at least 2")
	case threshold > n:
		return nil, errors.New("threshold cannot exceed total shares")
	case n > 255:
		return nil, errors.New("at most 255 shares are supported")
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, len(key)+1)
		shares[i][len(key)] = byte(i + 1)
	}

	coeffs := make([]byte, threshold)
	for idx, secretByte := range key {
		rnd, err := RandomBytes(threshold - 1)
		if err != nil {
			return nil, fmt.Errorf("generating coefficients: %w", err)
		}
		coeffs[0] = secretByte
		copy(coeffs[1:], rnd)
		for i := range shares {
			shares[i][idx] = gfEval(coeffs, byte(i+1))
		}
		Zero(rnd)
	}
	Zero(coeffs)
	return shares, nil
}

// CombineShards reconstructs a key from at least threshold shares. Fewer shares
// produce an unrelated value rather than an error.
func CombineShards(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, errors.New("need at least 2 shares")
	}
	size := len(shares[0])
	if size < 2 {
		return nil, errors.New("share too short")
	}
	xs := make([]byte, len(shares))
	seen := make(map[byte]bool, len(shares))
	for i, s := range shares {
		if len(s) != size {
			return nil, errors.New("shares have mismatched lengths")
		}
		x := s[size-1]
		if x == 0 || seen[x] {
			return nil, fmt.Errorf("share %d has a duplicate or invalid index", i)
		}
		seen[x] = true
		xs[i] = x
	}

	key := make([]byte, size-1)
	for idx := range key {
		var acc byte
		for i, s := range shares {
			num, den := byte(1), byte(1)
			for j := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, xs[j])
				den = gfMul(den, xs[i]^xs[j])
			}
			acc ^= gfMul(s[idx], gfMul(num, gfInv(den)))
		}
		key[idx] = acc
	}
	return key, nil
}

func gfEval(coeffs []byte, x byte) byte {
	// Horner's method, highest degree first.
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ coeffs[i]
	}
	return y
}

func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfInv returns a^254, the multiplicative inverse of a non-zero a.
func gfInv(a byte) byte {
	result := byte(1)
	base := a
	for e := 254; e > 0; e >>= 1 {
		if e&1 != 0 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}
	return result
}
