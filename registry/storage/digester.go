package storage

import (
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"hash"

	"github.com/opencontainers/go-digest"
)

// ResumableDigester computes a sha256 digest over a stream that may be split across several requests. Its state is
// serialisable so it can be stored between chunk uploads and restored later without re-reading written bytes.
type ResumableDigester struct {
	h hash.Hash
}

// NewDigester returns a digester with an empty state.
func NewDigester() *ResumableDigester {
	return &ResumableDigester{h: sha256.New()}
}

// RestoreDigester returns a digester continuing from a previously saved state. An empty state is equivalent to
// NewDigester.
func RestoreDigester(state []byte) (*ResumableDigester, error) {
	d := NewDigester()
	if len(state) == 0 {
		return d, nil
	}
	u, ok := d.h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.New("sha256 hash does not support state restoration")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("restoring digest state: %w", err)
	}
	return d, nil
}

// Write adds p to the running digest.
func (d *ResumableDigester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// State returns the serialised digest state.
func (d *ResumableDigester) State() ([]byte, error) {
	m, ok := d.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("sha256 hash does not support state serialisation")
	}
	return m.MarshalBinary()
}

// Digest returns the digest of all bytes written so far. It does not change the state.
func (d *ResumableDigester) Digest() digest.Digest {
	return digest.NewDigest(digest.SHA256, d.h)
}
