package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/quay-sub006/registry/storage"
)

// IsContextWithDeadline matches a context.Context whose deadline is exactly Deadline. Workers bound each database
// transaction with a timeout derived from the stubbed clock, so the deadline is predictable.
type IsContextWithDeadline struct {
	Deadline time.Time
}

// Matches implements gomock.Matcher.
func (m IsContextWithDeadline) Matches(x interface{}) bool {
	ctx, ok := x.(context.Context)
	if !ok {
		return false
	}
	d, ok := ctx.Deadline()
	return ok && d.Equal(m.Deadline)
}

// String implements gomock.Matcher.
func (m IsContextWithDeadline) String() string {
	return fmt.Sprintf("is context.Context with a deadline of %q", m.Deadline)
}

// IsBlobPath matches the content addressable storage path of Digest.
type IsBlobPath struct {
	Digest digest.Digest
}

// Matches implements gomock.Matcher.
func (m IsBlobPath) Matches(x interface{}) bool {
	p, ok := x.(string)
	if !ok {
		return false
	}
	want, err := storage.BlobPath(m.Digest)
	return err == nil && p == want
}

// String implements gomock.Matcher.
func (m IsBlobPath) String() string {
	return fmt.Sprintf("is the blob path of %s", m.Digest)
}
