package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

func TestStore_Transfer(t *testing.T) {
	s, east, west := newTestStore(t)
	ctx := context.Background()

	p := "/sha256/aa/aabb"
	require.NoError(t, east.PutContent(ctx, p, []byte("layer data")))

	_, err := west.GetContent(ctx, p)
	require.True(t, storagedriver.IsPathNotFound(err))

	require.NoError(t, s.Transfer(ctx, p, "east", "west"))

	b, err := west.GetContent(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "layer data", string(b))

	// the source is left untouched
	b, err = east.GetContent(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "layer data", string(b))
}

func TestStore_Transfer_MissingSource(t *testing.T) {
	s, _, west := newTestStore(t)
	ctx := context.Background()

	err := s.Transfer(ctx, "/sha256/cc/ccdd", "east", "west")

	var tErr TransferError
	require.True(t, errors.As(err, &tErr))
	require.Equal(t, "east", tErr.From)
	require.Equal(t, "west", tErr.To)
	require.False(t, tErr.Cleanup)
	require.True(t, storagedriver.IsPathNotFound(err))

	_, err = west.GetContent(ctx, "/sha256/cc/ccdd")
	require.True(t, storagedriver.IsPathNotFound(err))
}

func TestStore_Transfer_UnknownLocation(t *testing.T) {
	s, _, _ := newTestStore(t)

	err := s.Transfer(context.Background(), "/sha256/aa/aabb", "east", "north")
	require.True(t, errors.Is(err, ErrUnknownLocation))
}
