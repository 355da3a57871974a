package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestIsContextWithDeadline(t *testing.T) {
	deadline := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	m := IsContextWithDeadline{Deadline: deadline}
	require.True(t, m.Matches(ctx))
	require.False(t, m.Matches(context.Background()))
	require.False(t, m.Matches("ctx"))
	require.False(t, IsContextWithDeadline{Deadline: deadline.Add(time.Second)}.Matches(ctx))
}

func TestIsBlobPath(t *testing.T) {
	d := digest.FromString("layer")
	hex := d.Encoded()

	m := IsBlobPath{Digest: d}
	require.True(t, m.Matches("/sha256/"+hex[:2]+"/"+hex))
	require.False(t, m.Matches("/sharedimages/0d5f8ee8/layer"))
	require.False(t, m.Matches(42))
	require.False(t, IsBlobPath{Digest: "sha256:invalid"}.Matches("/sha256/in/invalid"))
	require.Equal(t, "is the blob path of "+d.String(), m.String())
}
