package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	blobsRoot       = "/sha256"
	legacyLayerRoot = "/sharedimages"
	uploadsRoot     = "/uploads"

	startedAtFile = "startedat"
	chunkPrefix   = "chunk-"
)

// BlobPath returns the content addressable path of a blob, `/sha256/<first two hex chars>/<hex>`.
func BlobPath(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}
	if dgst.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %q", dgst.Algorithm())
	}
	hex := dgst.Encoded()
	return path.Join(blobsRoot, hex[:2], hex), nil
}

// LegacyLayerPath returns the path of a blob stored under its storage uuid, used for blobs without a content
// addressable path.
func LegacyLayerPath(storageUUID string) string {
	return path.Join(legacyLayerRoot, storageUUID, "layer")
}

// UploadPath returns the directory holding the in-progress data of the upload identified by uploadUUID.
func UploadPath(uploadUUID string) string {
	return path.Join(uploadsRoot, uploadUUID)
}

func uploadChunkPath(uploadPath string, n int) string {
	return path.Join(uploadPath, fmt.Sprintf("%s%d", chunkPrefix, n))
}

// StoragePath returns the path of a blob given whether it is stored at its content addressable path.
func StoragePath(casPath bool, dgst digest.Digest, storageUUID string) (string, error) {
	if casPath {
		return BlobPath(dgst)
	}
	if storageUUID == "" || strings.Contains(storageUUID, "/") {
		return "", fmt.Errorf("invalid storage uuid %q", storageUUID)
	}
	return LegacyLayerPath(storageUUID), nil
}
