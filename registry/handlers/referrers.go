package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/quay/quay-sub006/registry/api/errcode"
	v2 "github.com/quay/quay-sub006/registry/api/v2"
)

// referrersDispatcher serves the OCI referrers listing of a manifest.
func referrersDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			artifactType := r.URL.Query().Get("artifactType")

			index, err := ctx.manifests.Referrers(ctx, ctx.Repository, dgst, artifactType)
			if err != nil {
				ctx.Errors = append(ctx.Errors, errcode.FromUnknownError(err))
				return
			}

			if artifactType != "" {
				w.Header().Set("OCI-Filters-Applied", "artifactType")
			}
			w.Header().Set("Content-Type", v1.MediaTypeImageIndex)
			w.Header().Set("Content-Length", strconv.Itoa(len(index)))
			w.WriteHeader(http.StatusOK)
			w.Write(index)
		}),
	}
}
