// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Shamir secret sharing over GF(256) with the AES polynomial 0x11b.
// Shard layout: [x, y_0, y_1, ... y_n] where x is the evaluation point and
// y_i the share of secret byte i.

// shamirSplit evaluates a fresh random polynomial per secret byte.
func shamirSplit(secret []byte, threshold, total int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be >= 2")
	}
	if total < threshold {
		return nil, fmt.Errorf("total (%d) must be >= threshold (%d)", total, threshold)
	}
	if total > 255 {
		return nil, errors.New("total must be <= 255")
	}
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}

	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = make([]byte, len(secret)+1)
		shards[i][0] = byte(i + 1)
	}

	coeffs := make([]byte, threshold-1)
	for byteIdx, secretByte := range secret {
		if _, err := rand.Read(coeffs); err != nil {
			return nil, err
		}
		for _, shard := range shards {
			x := shard[0]
			// Horner evaluation of secretByte + c1*x + ... + ck*x^k.
			y := byte(0)
			for i := len(coeffs) - 1; i >= 0; i-- {
				y = gfAdd(gfMul(y, x), coeffs[i])
			}
			y = gfAdd(gfMul(y, x), secretByte)
			shard[byteIdx+1] = y
		}
	}
	return shards, nil
}

// shamirCombine interpolates the polynomial at zero.
func shamirCombine(shards [][]byte) ([]byte, error) {
	if len(shards) < 2 {
		return nil, ErrBadShards
	}
	length := len(shards[0])
	if length < 2 {
		return nil, ErrBadShards
	}
	seen := make(map[byte]bool, len(shards))
	for _, shard := range shards {
		if len(shard) != length {
			return nil, ErrBadShards
		}
		if shard[0] == 0 || seen[shard[0]] {
			return nil, ErrBadShards
		}
		seen[shard[0]] = true
	}

	secret := make([]byte, length-1)
	for byteIdx := range secret {
		var acc byte
		for i, shard := range shards {
			xi := shard[0]
			yi := shard[byteIdx+1]
			// Lagrange basis at x=0.
			num, den := byte(1), byte(1)
			for j, other := range shards {
				if i == j {
					continue
				}
				num = gfMul(num, other[0])
				den = gfMul(den, gfAdd(xi, other[0]))
			}
			acc = gfAdd(acc, gfMul(yi, gfMul(num, gfInv(den))))
		}
		secret[byteIdx] = acc
	}
	return secret, nil
}

// =============================================================================
// GF(256) ARITHMETIC
// =============================================================================

func gfAdd(a, b byte) byte { return a ^ b }

func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
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

// gfInv computes the multiplicative inverse by exponentiation: a^254.
func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	result := byte(1)
	base := a
	for exp := 254; exp > 0; exp >>= 1 {
		if exp&1 == 1 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}
	return result
}
