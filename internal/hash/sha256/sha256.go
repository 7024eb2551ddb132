// Package sha256 computes the content digests recorded for exported
// snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Prefix tags digests with their algorithm.
const Prefix = "sha256:"

// ErrMismatch is returned by Verify when data does not match the digest.
var ErrMismatch = errors.New("digest mismatch")

// Hasher implements snapshot.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the prefixed hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Verify checks data against a digest produced by Hash.
func (h Hasher) Verify(data []byte, digest string) error {
	if !strings.HasPrefix(digest, Prefix) {
		return fmt.Errorf("unsupported digest %q", digest)
	}
	got, _ := h.Hash(data)
	if got != digest {
		return fmt.Errorf("%w: have %s, want %s", ErrMismatch, got, digest)
	}
	return nil
}
