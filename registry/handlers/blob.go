package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/storage/cache"
)

const blobContentType = "application/octet-stream"

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	blobHandler := &blobHandler{
		Context: ctx,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		"GET":    http.HandlerFunc(blobHandler.GetBlob),
		"HEAD":   http.HandlerFunc(blobHandler.HeadBlob),
		"DELETE": http.HandlerFunc(blobHandler.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

func (bh *blobHandler) setHeaders(w http.ResponseWriter, acceptRanges bool) {
	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	w.Header().Set("Cache-Control", "max-age=31536000")
	if acceptRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}
}

// HeadBlob reports the size of a blob without transferring it.
func (bh *blobHandler) HeadBlob(w http.ResponseWriter, r *http.Request) {
	b, err := bh.blobs.Stat(bh, bh.Repository, bh.Digest)
	if err != nil {
		bh.Errors = append(bh.Errors, apiError(err))
		return
	}

	bh.setHeaders(w, bh.store.SupportsResumableDownloads(b.Locations))
	w.Header().Set("Content-Length", strconv.FormatInt(b.ImageSize, 10))
	w.Header().Set("Content-Type", blobContentType)
	w.WriteHeader(http.StatusOK)
}

// GetBlob redirects the client to the storage location of a blob when it can be downloaded from there directly and
// streams it otherwise.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(bh)

	if bh.Config.Features.GeoRestrictions {
		blocked, err := bh.geoBlocked(bh, r, bh.Repository)
		if err != nil {
			bh.Errors = append(bh.Errors, errcode.FromUnknownError(err))
			return
		}
		if blocked {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeDenied.WithMessage("Pulls of this data have been restricted geographically"))
			return
		}
	}

	var offset int64
	if start, ok := parseRangeStart(r.Header.Get("Range")); ok {
		b, err := bh.blobs.Stat(bh, bh.Repository, bh.Digest)
		if err != nil {
			bh.Errors = append(bh.Errors, apiError(err))
			return
		}
		if start < b.ImageSize && bh.store.SupportsResumableDownloads(b.Locations) {
			offset = start
		}
	}

	d, err := bh.blobs.Open(bh, bh.AuthContext, bh.Repository, bh.Digest, dcontext.RemoteIP(r), offset)
	if err != nil {
		bh.Errors = append(bh.Errors, apiError(err))
		return
	}
	bh.setHeaders(w, d.AcceptRanges)

	if d.RedirectURL != "" {
		http.Redirect(w, r, d.RedirectURL, http.StatusTemporaryRedirect)
		return
	}
	defer d.Reader.Close()

	status := http.StatusOK
	size := d.Blob.ImageSize
	if offset > 0 {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, size-1, size))
		size -= offset
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", blobContentType)
	w.WriteHeader(status)

	if _, err := io.CopyN(w, d.Reader, size); err != nil {
		log.WithError(err).Warn("streaming blob to client")
	}
}

// DeleteBlob is refused: blobs are only removed by the garbage collector.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	bh.Errors = append(bh.Errors, errcode.ErrorCodeUnsupported)
}

// parseRangeStart reads the first byte of an open ended "bytes=N-" range. Ranges that cannot be served from an
// offset are ignored.
func parseRangeStart(h string) (int64, bool) {
	spec := strings.TrimPrefix(h, "bytes=")
	if h == "" || spec == h {
		return 0, false
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok || end != "" {
		return 0, false
	}
	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// geoBlocked reports whether the client address resolves to a country the namespace of repo blocks pulls from.
func (app *App) geoBlocked(ctx context.Context, r *http.Request, repo *models.Repository) (bool, error) {
	var countries []string
	key := cache.GeoRestrictionsKey(repo.NamespaceName)

	found := false
	if app.cache != nil {
		var err error
		if found, err = cache.GetJSON(ctx, app.cache, key, &countries); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("reading geo restrictions from cache")
		}
	}
	if !found {
		var err error
		countries, err = datastore.NewNamespaceStore(app.db).GeoRestrictions(ctx, repo.NamespaceID)
		if err != nil {
			return false, err
		}
		if app.cache != nil {
			if err := cache.SetJSON(ctx, app.cache, key, countries, app.Config.Cache.TTL); err != nil {
				dcontext.GetLogger(ctx).WithError(err).Warn("caching geo restrictions")
			}
		}
	}
	if len(countries) == 0 {
		return false, nil
	}

	ip := dcontext.RemoteIP(r)
	country := app.geoip.Country(ip)
	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"remote_ip": ip,
		"country":   country,
	}).Debug("resolved client location")
	if country == "" {
		return false, nil
	}
	for _, c := range countries {
		if strings.EqualFold(c, country) {
			return true, nil
		}
	}
	return false, nil
}
