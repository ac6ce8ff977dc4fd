// Package hash computes content digests for snapshot naming and change
// detection.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 implements crawler.Hasher with a lowercase hex SHA-256 digest.
type SHA256 struct{}

// NewSHA256 returns a SHA-256 hasher.
func NewSHA256() SHA256 {
	return SHA256{}
}

// Hash returns the hex digest of data.
func (SHA256) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Func adapts a plain function to crawler.Hasher.
type Func func(data []byte) (string, error)

// Hash calls f.
func (f Func) Hash(data []byte) (string, error) {
	return f(data)
}
