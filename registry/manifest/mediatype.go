package manifest

import (
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// MediaTypeSchema1 is the media type of unsigned schema 1 manifests.
	MediaTypeSchema1 = "application/vnd.docker.distribution.manifest.v1+json"
	// MediaTypeSchema1Signed is the media type of JWS signed schema 1 manifests.
	MediaTypeSchema1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	// MediaTypeSchema2 is the media type of docker image manifests.
	MediaTypeSchema2 = "application/vnd.docker.distribution.manifest.v2+json"
	// MediaTypeSchema2List is the media type of docker manifest lists.
	MediaTypeSchema2List = "application/vnd.docker.distribution.manifest.list.v2+json"
	// MediaTypeOCIManifest is the media type of OCI image manifests.
	MediaTypeOCIManifest = v1.MediaTypeImageManifest
	// MediaTypeOCIIndex is the media type of OCI image indexes.
	MediaTypeOCIIndex = v1.MediaTypeImageIndex

	// MediaTypeLegacyJSON is sent by old clients pushing schema 1 manifests.
	MediaTypeLegacyJSON = "application/json"

	// MediaTypeSchema2Config is the docker image config media type.
	MediaTypeSchema2Config = "application/vnd.docker.container.image.v1+json"
	// MediaTypeSchema2Layer is the docker gzipped layer media type.
	MediaTypeSchema2Layer = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	// MediaTypeSchema2ForeignLayer is the docker foreign (non distributable) layer media type.
	MediaTypeSchema2ForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// ManifestMediaTypes is the closed set of manifest media types accepted on push, in order of preference when
// serving a manifest to a client that accepts more than one of them.
var ManifestMediaTypes = []string{
	MediaTypeOCIIndex,
	MediaTypeOCIManifest,
	MediaTypeSchema2List,
	MediaTypeSchema2,
	MediaTypeSchema1Signed,
	MediaTypeSchema1,
}

// IsSupported reports whether mediaType is one of the manifest media types the registry stores.
func IsSupported(mediaType string) bool {
	for _, mt := range ManifestMediaTypes {
		if mt == mediaType {
			return true
		}
	}
	return false
}

// IsList reports whether mediaType refers to a manifest list or index.
func IsList(mediaType string) bool {
	return mediaType == MediaTypeSchema2List || mediaType == MediaTypeOCIIndex
}

// IsSchema1 reports whether mediaType refers to a schema 1 manifest.
func IsSchema1(mediaType string) bool {
	return mediaType == MediaTypeSchema1 || mediaType == MediaTypeSchema1Signed
}

// EmptyLayerDigest is the digest of a gzipped empty tar archive. Schema 1 manifests reference it for every
// history entry that produced no filesystem changes.
const EmptyLayerDigest = digest.Digest("sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")

// EmptyLayerBytes is the content of EmptyLayerDigest.
var EmptyLayerBytes = []byte{
	31, 139, 8, 0, 0, 0, 0, 0, 0, 255, 98, 24, 5, 163, 96, 20, 140, 88,
	0, 8, 0, 0, 255, 255, 46, 175, 181, 239, 0, 4, 0, 0,
}

// SpecialBlobs holds the digests of blobs shared registry-wide which are never garbage collected.
var SpecialBlobs = map[digest.Digest][]byte{
	EmptyLayerDigest: EmptyLayerBytes,
}

// IsSpecialBlob reports whether d is a registry-wide shared blob.
func IsSpecialBlob(d digest.Digest) bool {
	_, ok := SpecialBlobs[d]
	return ok
}
