package handlers

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/handlers/internal/metrics"
)

const maxManifestBodySize = 4 << 20

var errManifestTooLarge = fmt.Errorf("manifest exceeds %d bytes", maxManifestBodySize)

// manifestDispatcher takes the request context and builds the
// appropriate handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{
		Context: ctx,
	}
	reference := getReference(ctx)
	dgst, err := digest.Parse(reference)
	if err != nil {
		// We just have a tag
		manifestHandler.Tag = reference
	} else {
		manifestHandler.Digest = dgst
	}

	return handlers.MethodHandler{
		"GET":    http.HandlerFunc(manifestHandler.GetManifest),
		"HEAD":   http.HandlerFunc(manifestHandler.GetManifest),
		"PUT":    http.HandlerFunc(manifestHandler.PutManifest),
		"DELETE": http.HandlerFunc(manifestHandler.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of tag or digest gets set, depending on what is present in context.
	Tag    string
	Digest digest.Digest
}

func (imh *manifestHandler) reference() string {
	if imh.Tag != "" {
		return imh.Tag
	}
	return imh.Digest.String()
}

// acceptedMediaTypes lists the media types of the Accept headers of r, in order. Quality values are ignored.
func acceptedMediaTypes(r *http.Request) []string {
	var accepted []string
	// r.Header[...] is a slice in case the request contains the same header more than once
	for _, acceptHeader := range r.Header["Accept"] {
		for _, mediaType := range strings.Split(acceptHeader, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(mediaType))
			if err != nil {
				continue
			}
			accepted = append(accepted, mt)
		}
	}
	return accepted
}

func etagMatch(r *http.Request, etag string) bool {
	for _, headerVal := range r.Header["If-None-Match"] {
		if headerVal == etag || headerVal == fmt.Sprintf(`"%s"`, etag) { // allow quoted or unquoted
			return true
		}
	}
	return false
}

// GetManifest fetches the manifest of a tag or digest. Manifests fetched by tag are converted for clients that do
// not accept their stored media type.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	by := "tag"
	if imh.Tag == "" {
		by = "manifest"
	}

	f, err := imh.manifests.Get(imh, imh.AuthContext, imh.Repository, imh.reference(), acceptedMediaTypes(r))
	if err != nil {
		e := apiError(err)
		metrics.ImagePull(by, e.Code.Descriptor().HTTPStatusCode)
		imh.Errors = append(imh.Errors, e)
		return
	}
	metrics.ImagePull(by, http.StatusOK)

	dcontext.GetLoggerWithFields(imh, map[interface{}]interface{}{
		"reference":  imh.reference(),
		"digest":     f.Digest,
		"media_type": f.MediaType,
		"converted":  f.Converted,
	}).Info("manifest pulled")

	etag := f.Digest.String()
	w.Header().Set("Docker-Content-Digest", etag)
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, etag))
	if etagMatch(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", f.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Bytes)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(f.Bytes)
}

// readManifestBody reads at most maxManifestBodySize bytes of the request body.
func readManifestBody(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r.Body, maxManifestBodySize+1))
	if err != nil {
		return nil, err
	}
	if n > maxManifestBodySize {
		return nil, errManifestTooLarge
	}
	return buf.Bytes(), nil
}

// PutManifest validates and stores a manifest in the registry.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	if imh.Tag != "" && !v2.IsValidTag(imh.Tag) {
		imh.Errors = append(imh.Errors, v2.ErrorCodeTagInvalid.WithDetail(map[string]string{"tag": imh.Tag}))
		return
	}

	body, err := readManifestBody(r)
	if err != nil {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(map[string]string{"message": err.Error()}))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}

	res, err := imh.manifests.Put(imh, imh.AuthContext, imh.Repository, imh.reference(), mediaType, body)
	if err != nil {
		e := apiError(err)
		metrics.ImagePush(e.Code.Descriptor().HTTPStatusCode, mediaType)
		imh.Errors = append(imh.Errors, e)
		return
	}
	metrics.ImagePush(http.StatusCreated, res.Manifest.MediaType)

	location, err := imh.urlBuilder.BuildManifestURL(getName(imh.Context), res.Manifest.Digest.String())
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", res.Manifest.Digest.String())
	if res.Manifest.SubjectDigest.Valid {
		w.Header().Set("OCI-Subject", res.Manifest.SubjectDigest.String)
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

// DeleteManifest expires every tag pointing at the manifest with the given digest. Deleting by tag is not part of
// the protocol.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	if imh.Tag != "" {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
		return
	}

	deleted, err := imh.manifests.Delete(imh, imh.AuthContext, imh.Repository, imh.Digest)
	if err != nil {
		imh.Errors = append(imh.Errors, apiError(err))
		return
	}

	dcontext.GetLoggerWithFields(imh, map[interface{}]interface{}{
		"digest":       imh.Digest,
		"deleted_tags": len(deleted),
	}).Info("manifest deleted")

	w.WriteHeader(http.StatusAccepted)
}
