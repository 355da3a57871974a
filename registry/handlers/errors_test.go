package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/opencontainers/go-digest"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/blobs"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/manifests"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/tags"
	"github.com/stretchr/testify/require"
)

func TestAPIError(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("doing something: %w", err) }

	tests := []struct {
		name   string
		err    error
		code   errcode.ErrorCode
		status int
	}{
		{name: "blob unknown", err: wrap(blobs.ErrBlobUnknown), code: v2.ErrorCodeBlobUnknown, status: http.StatusNotFound},
		{name: "upload unknown", err: blobs.ErrBlobUploadUnknown, code: v2.ErrorCodeBlobUploadUnknown, status: http.StatusNotFound},
		{name: "digest mismatch", err: blobs.ErrDigestInvalid, code: v2.ErrorCodeDigestInvalid, status: http.StatusBadRequest},
		{name: "layer too large", err: wrap(blobs.LayerTooLargeError{Uploaded: 11, Max: 10}), code: v2.ErrorCodeLayerTooLarge},
		{name: "range", err: blobs.RangeError{ByteCount: 5}, code: v2.ErrorCodeRangeInvalid},
		{name: "manifest unknown", err: manifests.ErrManifestUnknown, code: v2.ErrorCodeManifestUnknown, status: http.StatusNotFound},
		{name: "tag unknown", err: wrap(tags.ErrTagUnknown), code: v2.ErrorCodeManifestUnknown, status: http.StatusNotFound},
		{name: "tag expired", err: tags.ErrTagExpired, code: v2.ErrorCodeTagExpired},
		{name: "tag mismatch", err: tags.ErrManifestTagMismatch, code: v2.ErrorCodeTagInvalid},
		{name: "unverified", err: manifest.ErrUnverified, code: v2.ErrorCodeManifestUnverified},
		{name: "manifest blob unknown", err: manifests.BlobUnknownError{Digest: digest.FromString("a")}, code: v2.ErrorCodeManifestBlobUnknown},
		{name: "media type", err: manifest.UnsupportedMediaTypeError{MediaType: "text/plain"}, code: v2.ErrorCodeManifestUnsupportedMediaType},
		{name: "manifest invalid", err: manifests.InvalidError{Reason: "bad"}, code: v2.ErrorCodeManifestInvalid, status: http.StatusBadRequest},
		{name: "name invalid", err: auth.NameInvalidError{Name: "a/b/c", Nested: true}, code: v2.ErrorCodeNameInvalid, status: http.StatusBadRequest},
		{name: "quota", err: wrap(quota.ErrExceeded), code: errcode.ErrorCodeDenied, status: http.StatusForbidden},
		{name: "blob repo not writable", err: blobs.ErrRepositoryNotWritable, code: errcode.ErrorCodeDenied},
		{name: "manifest repo not writable", err: manifests.ErrRepositoryNotWritable, code: errcode.ErrorCodeDenied},
		{name: "tag repo not writable", err: tags.ErrRepositoryNotWritable, code: errcode.ErrorCodeDenied},
		{name: "read only", err: wrap(datastore.ErrReadOnly), code: errcode.ErrorCodeDenied},
		{name: "read only transaction", err: &pgconn.PgError{Code: pgerrcode.ReadOnlySQLTransaction}, code: errcode.ErrorCodeDenied},
		{name: "invalid scope", err: wrap(auth.ErrInvalidScope), code: errcode.ErrorCodeInvalidRequest, status: http.StatusBadRequest},
		{name: "namespace disabled", err: auth.ErrNamespaceDisabled, code: errcode.ErrorCodeDenied},
		{name: "repository unknown", err: auth.ErrRepositoryUnknown, code: v2.ErrorCodeNameUnknown, status: http.StatusNotFound},
		{name: "unsupported kind", err: auth.ErrUnsupportedRepositoryKind, code: errcode.ErrorCodeUnsupported},
		{name: "other", err: errors.New("boom"), code: errcode.ErrorCodeUnknown, status: http.StatusInternalServerError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := apiError(test.err)
			require.Equal(t, test.code, got.Code)
			if test.status != 0 {
				require.Equal(t, test.status, got.Code.Descriptor().HTTPStatusCode)
			}
		})
	}
}

func TestAPIError_Details(t *testing.T) {
	e := apiError(blobs.LayerTooLargeError{Uploaded: 11, Max: 10})
	require.Equal(t, map[string]int64{"uploaded": 11, "max_allowed": 10}, e.Detail)

	e = apiError(datastore.ErrReadOnly)
	require.Equal(t, map[string]interface{}{"is_readonly": true}, e.Detail)

	e = apiError(manifests.BlobUnknownError{Digest: digest.FromString("a")})
	require.Equal(t, map[string]string{"digest": digest.FromString("a").String()}, e.Detail)
}
