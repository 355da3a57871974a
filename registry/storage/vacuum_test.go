package storage

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

func TestVacuum_RemoveBlobs(t *testing.T) {
	s, east, west := newTestStore(t)
	ctx := context.Background()

	var blobs []BlobLocation
	for _, content := range []string{"a", "b", "c"} {
		dgst := digest.FromString(content)
		p, err := BlobPath(dgst)
		require.NoError(t, err)
		require.NoError(t, east.PutContent(ctx, p, []byte(content)))
		require.NoError(t, west.PutContent(ctx, p, []byte(content)))
		blobs = append(blobs, BlobLocation{Digest: dgst, Path: p, Locations: []string{"east", "west"}})
	}
	// a blob whose data is already gone
	gone := digest.FromString("gone")
	gonePath, err := BlobPath(gone)
	require.NoError(t, err)
	blobs = append(blobs, BlobLocation{Digest: gone, Path: gonePath, Locations: []string{"west"}})

	v := NewVacuum(s)
	require.NoError(t, v.RemoveBlobs(ctx, blobs))

	for _, b := range blobs {
		_, err := east.Stat(ctx, b.Path)
		require.True(t, storagedriver.IsPathNotFound(err))
		_, err = west.Stat(ctx, b.Path)
		require.True(t, storagedriver.IsPathNotFound(err))
	}

	require.NoError(t, v.RemoveBlobs(ctx, nil))
}
