// Package delta implements block signatures and rsync-style deltas used to
// move only the changed parts of a file between a device and the server.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	// DefaultBlockSize is used when the caller does not ask for one.
	DefaultBlockSize = 32 * 1024
	// MaxBlockSize bounds the block size a client may request.
	MaxBlockSize = 4 << 20
)

// The weak checksum keeps two 16 bit halves, as in the rsync thesis.
const weakMod = 1 << 16

// WeakChecksum returns the Adler-style checksum of block. It depends on
// both byte values and their positions and can be rolled with [Rolling].
func WeakChecksum(block []byte) uint32 {
	var a, b uint32
	n := uint32(len(block))
	for i, c := range block {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return (a % weakMod) | (b%weakMod)<<16
}

// StrongChecksum returns the lowercase hex SHA-256 of data. Empty input
// yields the digest of the empty string.
func StrongChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rolling is a weak checksum over a fixed-size window that can slide one
// byte at a time in constant time.
type Rolling struct {
	a, b uint32
	n    uint32
}

// NewRolling primes the checksum with the initial window.
func NewRolling(window []byte) *Rolling {
	r := &Rolling{n: uint32(len(window))}
	for i, c := range window {
		r.a += uint32(c)
		r.b += (r.n - uint32(i)) * uint32(c)
	}
	return r
}

// Roll drops out from the front of the window and appends in at the back.
// Arithmetic wraps modulo 2^32, which is a multiple of the 2^16 modulus,
// so the reduced sums stay exact.
func (r *Rolling) Roll(out, in byte) {
	r.a = r.a - uint32(out) + uint32(in)
	r.b = r.b - r.n*uint32(out) + r.a
}

// Sum returns the checksum of the current window.
func (r *Rolling) Sum() uint32 {
	return (r.a % weakMod) | (r.b%weakMod)<<16
}
