package storage

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestBlobPath(t *testing.T) {
	dgst := digest.Digest("sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")

	p, err := BlobPath(dgst)
	require.NoError(t, err)
	require.Equal(t, "/sha256/a3/a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4", p)

	_, err = BlobPath("sha256:abc")
	require.Error(t, err)

	_, err = BlobPath(digest.SHA512.FromString("x"))
	require.Error(t, err)
}

func TestStoragePath(t *testing.T) {
	dgst := digest.FromString("layer")

	p, err := StoragePath(true, dgst, "ignored")
	require.NoError(t, err)
	want, _ := BlobPath(dgst)
	require.Equal(t, want, p)

	p, err = StoragePath(false, dgst, "1b0e5b0a-3e0d-4c6f-8f0a-1f0c6a7e2b11")
	require.NoError(t, err)
	require.Equal(t, "/sharedimages/1b0e5b0a-3e0d-4c6f-8f0a-1f0c6a7e2b11/layer", p)

	_, err = StoragePath(false, dgst, "")
	require.Error(t, err)
	_, err = StoragePath(false, dgst, "../escape")
	require.Error(t, err)
}

func TestUploadPaths(t *testing.T) {
	require.Equal(t, "/uploads/abc", UploadPath("abc"))
	require.Equal(t, "/uploads/abc/chunk-2", uploadChunkPath(UploadPath("abc"), 2))
}
