package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/blobs"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// contentRangeRegexp matches the inclusive "start-end" ranges clients declare for chunks.
var contentRangeRegexp = regexp.MustCompile(`^(?:bytes[ =])?([0-9]+)-([0-9]+)$`)

// blobUploadDispatcher constructs and returns the blob upload handler for the
// given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	if buh.UUID == "" {
		return handlers.MethodHandler{
			"POST": http.HandlerFunc(buh.StartBlobUpload),
		}
	}

	return handlers.MethodHandler{
		"GET":    http.HandlerFunc(buh.GetUploadStatus),
		"HEAD":   http.HandlerFunc(buh.GetUploadStatus),
		"PATCH":  http.HandlerFunc(buh.PatchBlobData),
		"PUT":    http.HandlerFunc(buh.PutBlobUploadComplete),
		"DELETE": http.HandlerFunc(buh.CancelBlobUpload),
	}
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload session of the current request.
	UUID string
}

// parseContentRange reads the Content-Range header of a chunk. A nil range is returned when the header is absent.
func parseContentRange(h string) (*blobs.Range, error) {
	if h == "" {
		return nil, nil
	}
	m := contentRangeRegexp.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("invalid content range %q", h)
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return nil, err
	}
	if end < start-1 {
		return nil, fmt.Errorf("invalid content range %q", h)
	}
	return &blobs.Range{Start: start, End: end}, nil
}

// StartBlobUpload begins the blob upload process. The blob is mounted from another repository when requested and
// possible, uploaded in a single step when a digest is given, and otherwise a session for chunked uploads is opened.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if mount := q.Get("mount"); mount != "" {
		from := q.Get("from")
		if from == "" {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeInvalidRequest.WithMessage("Missing `from` repository argument"))
			return
		}
		if b := buh.mountBlob(mount, from); b != nil {
			buh.writeBlobCreatedHeaders(w, b.ContentChecksum)
			return
		}
	}

	if dgstStr := q.Get("digest"); dgstStr != "" {
		dgst, err := digest.Parse(dgstStr)
		if err != nil {
			buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
			return
		}
		rng, err := parseContentRange(r.Header.Get("Content-Range"))
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeInvalidRequest.WithMessage("Invalid range header"))
			return
		}

		b, err := buh.blobs.MonolithicUpload(buh, buh.AuthContext, buh.Repository, dgst, rng, r.Body)
		if err != nil {
			buh.Errors = append(buh.Errors, apiError(err))
			return
		}
		buh.writeBlobCreatedHeaders(w, b.ContentChecksum)
		return
	}

	u, err := buh.blobs.StartUpload(buh, buh.AuthContext, buh.Repository)
	if err != nil {
		buh.Errors = append(buh.Errors, apiError(err))
		return
	}
	buh.UUID = u.UUID

	if err := buh.blobUploadResponse(w, u); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// mountBlob attempts to mount a blob from another repository by its digest. A nil blob means the client has to
// upload it.
func (buh *blobUploadHandler) mountBlob(mount, from string) *models.ImageStorage {
	log := dcontext.GetLoggerWithFields(buh, map[interface{}]interface{}{"mount": mount, "from": from})

	dgst, err := digest.Parse(mount)
	if err != nil {
		log.WithError(err).Info("ignoring invalid mount digest")
		return nil
	}
	namespace, repository, err := buh.scopes.SplitName(from)
	if err != nil {
		log.WithError(err).Info("ignoring invalid mount source")
		return nil
	}
	return buh.blobs.Mount(buh, buh.AuthContext, buh.Repository, dgst, namespace, repository)
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	u, err := buh.blobs.GetUpload(buh, buh.AuthContext, buh.Repository, buh.UUID)
	if err != nil {
		buh.Errors = append(buh.Errors, apiError(err))
		return
	}

	if err := buh.blobUploadResponse(w, u); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData appends a chunk to an upload.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	rng, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeInvalidRequest.WithMessage("Invalid range header"))
		return
	}

	u, err := buh.blobs.AppendChunk(buh, buh.AuthContext, buh.Repository, buh.UUID, rng, r.Body)
	if err != nil {
		var rangeErr blobs.RangeError
		if errors.As(err, &rangeErr) {
			buh.rangeNotSatisfiable(w, rangeErr.ByteCount)
			return
		}
		buh.Errors = append(buh.Errors, apiError(err))
		return
	}

	if err := buh.blobUploadResponse(w, u); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data
// provided is received and verified. If successful, the blob is linked
// into the repository and 201 Created is returned with the canonical
// url of the blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	dgstStr := r.URL.Query().Get("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail(map[string]string{
			"reason": "Missing digest arg on monolithic upload",
		}))
		return
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	rng, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeInvalidRequest.WithMessage("Invalid range header"))
		return
	}

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}

	b, err := buh.blobs.CommitUpload(buh, buh.AuthContext, buh.Repository, buh.UUID, dgst, body, rng)
	if err != nil {
		var rangeErr blobs.RangeError
		if errors.As(err, &rangeErr) {
			buh.rangeNotSatisfiable(w, rangeErr.ByteCount)
			return
		}
		buh.Errors = append(buh.Errors, apiError(err))
		return
	}

	buh.writeBlobCreatedHeaders(w, b.ContentChecksum)
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	if err := buh.blobs.CancelUpload(buh, buh.AuthContext, buh.Repository, buh.UUID); err != nil {
		buh.Errors = append(buh.Errors, apiError(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

func (buh *blobUploadHandler) uploadURL() (string, error) {
	return buh.urlBuilder.BuildBlobUploadChunkURL(getName(buh.Context), buh.UUID)
}

// rangeNotSatisfiable reports the bytes received so far to a client that sent a chunk out of order.
func (buh *blobUploadHandler) rangeNotSatisfiable(w http.ResponseWriter, byteCount int64) {
	dcontext.GetLoggerWithField(buh, "byte_count", byteCount).Info("chunk range does not follow uploaded data")

	if u, err := buh.uploadURL(); err == nil {
		w.Header().Set("Location", u)
	}
	end := byteCount
	if end > 0 {
		end--
	}
	w.Header().Set("Range", fmt.Sprintf("0-%d", end))
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// blobUploadResponse provides a standard request for uploading blobs and
// chunk responses. This sets the correct headers but the response status is
// left to the caller.
func (buh *blobUploadHandler) blobUploadResponse(w http.ResponseWriter, u *models.BlobUpload) error {
	uploadURL, err := buh.uploadURL()
	if err != nil {
		dcontext.GetLogger(buh).WithError(err).Info("error building upload url")
		return err
	}

	endRange := u.ByteCount
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Docker-Upload-UUID", u.UUID)
	w.Header().Set("Location", uploadURL)

	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	return nil
}

// writeBlobCreatedHeaders writes the standard headers describing a newly
// created blob. A 201 Created is written as well as the canonical URL and
// blob digest.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, dgst digest.Digest) {
	blobURL, err := buh.urlBuilder.BuildBlobURL(getName(buh.Context), dgst)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}
