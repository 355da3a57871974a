package handlers

import (
	"errors"

	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/blobs"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/manifests"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/tags"
)

// apiError maps an error returned by the services to the error code reported to clients.
func apiError(err error) errcode.Error {
	var (
		tooLarge    blobs.LayerTooLargeError
		rangeErr    blobs.RangeError
		invalid     manifests.InvalidError
		blobUnknown manifests.BlobUnknownError
		mediaType   manifest.UnsupportedMediaTypeError
		nameInvalid auth.NameInvalidError
	)

	switch {
	case errors.Is(err, blobs.ErrBlobUnknown):
		return v2.ErrorCodeBlobUnknown.WithDetail(err.Error())
	case errors.Is(err, blobs.ErrBlobUploadUnknown):
		return v2.ErrorCodeBlobUploadUnknown.WithDetail(err.Error())
	case errors.Is(err, blobs.ErrDigestInvalid):
		return v2.ErrorCodeDigestInvalid.WithDetail(err.Error())
	case errors.As(err, &tooLarge):
		return v2.ErrorCodeLayerTooLarge.WithDetail(map[string]int64{
			"uploaded":    tooLarge.Uploaded,
			"max_allowed": tooLarge.Max,
		})
	case errors.As(err, &rangeErr):
		return v2.ErrorCodeRangeInvalid.WithDetail(map[string]int64{"byte_count": rangeErr.ByteCount})
	case errors.Is(err, manifests.ErrManifestUnknown), errors.Is(err, tags.ErrTagUnknown):
		return v2.ErrorCodeManifestUnknown.WithDetail(err.Error())
	case errors.Is(err, tags.ErrTagExpired):
		return v2.ErrorCodeTagExpired.WithDetail(err.Error())
	case errors.Is(err, tags.ErrManifestTagMismatch):
		return v2.ErrorCodeTagInvalid.WithDetail(err.Error())
	case errors.Is(err, manifest.ErrUnverified):
		return v2.ErrorCodeManifestUnverified.WithDetail(err.Error())
	case errors.As(err, &blobUnknown):
		return v2.ErrorCodeManifestBlobUnknown.WithDetail(map[string]string{"digest": blobUnknown.Digest.String()})
	case errors.As(err, &mediaType):
		return v2.ErrorCodeManifestUnsupportedMediaType.WithDetail(map[string]string{"media_type": mediaType.MediaType})
	case errors.As(err, &invalid):
		return v2.ErrorCodeManifestInvalid.WithDetail(map[string]string{"message": invalid.Reason})
	case errors.As(err, &nameInvalid):
		return v2.ErrorCodeNameInvalid.WithDetail(nameInvalid.Error())
	case errors.Is(err, quota.ErrExceeded):
		return errcode.ErrorCodeDenied.WithMessage("Quota has been exceeded on namespace")
	case errors.Is(err, blobs.ErrRepositoryNotWritable),
		errors.Is(err, manifests.ErrRepositoryNotWritable),
		errors.Is(err, tags.ErrRepositoryNotWritable):
		return errcode.ErrorCodeDenied.WithMessage("repository is not writable")
	case datastore.IsReadOnly(err):
		return errcode.ErrorCodeDenied.WithMessage("registry is in read-only mode").
			WithDetail(map[string]interface{}{"is_readonly": true})
	case errors.Is(err, auth.ErrInvalidScope):
		return errcode.ErrorCodeInvalidRequest.WithMessage(err.Error())
	case errors.Is(err, auth.ErrNamespaceDisabled):
		return errcode.ErrorCodeDenied.WithMessage(err.Error())
	case errors.Is(err, auth.ErrRepositoryUnknown):
		return v2.ErrorCodeNameUnknown.WithDetail(err.Error())
	case errors.Is(err, auth.ErrUnsupportedRepositoryKind):
		return errcode.ErrorCodeUnsupported.WithMessage(err.Error())
	}

	return errcode.FromUnknownError(err)
}
