package v2

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// URLBuilder creates registry API urls from a single base endpoint. It can be
// used to create urls for use in a registry client or server.
type URLBuilder struct {
	root   *url.URL
	router *mux.Router
}

// NewURLBuilder creates a URLBuilder with provided root url object.
func NewURLBuilder(root *url.URL) *URLBuilder {
	return &URLBuilder{
		root:   root,
		router: Router(),
	}
}

// NewURLBuilderFromRequest uses information from an *http.Request to
// construct the root url. Relative urls are returned so that the builder is
// independent of proxies rewriting the host.
func NewURLBuilderFromRequest(r *http.Request) *URLBuilder {
	u := &url.URL{Path: ""}
	if prefix := r.Header.Get("X-Forwarded-Prefix"); prefix != "" {
		u.Path = strings.TrimSuffix(prefix, "/")
	}
	return NewURLBuilder(u)
}

// BuildBaseURL constructs a base url for the API, typically just "/v2/".
func (ub *URLBuilder) BuildBaseURL() (string, error) {
	return ub.build(RouteNameBase, nil)
}

// BuildCatalogURL constructs a url get a catalog of repositories
func (ub *URLBuilder) BuildCatalogURL(values ...url.Values) (string, error) {
	return ub.build(RouteNameCatalog, nil, values...)
}

// BuildTagsURL constructs a url to list the tags in the named repository.
func (ub *URLBuilder) BuildTagsURL(name string, values ...url.Values) (string, error) {
	return ub.build(RouteNameTags, []string{"name", name}, values...)
}

// BuildManifestURL constructs a url for the manifest identified by name and
// reference.
func (ub *URLBuilder) BuildManifestURL(name, reference string) (string, error) {
	return ub.build(RouteNameManifest, []string{"name", name, "reference", reference})
}

// BuildBlobURL constructs the url for the blob identified by name and dgst.
func (ub *URLBuilder) BuildBlobURL(name string, dgst digest.Digest) (string, error) {
	return ub.build(RouteNameBlob, []string{"name", name, "digest", dgst.String()})
}

// BuildBlobUploadChunkURL constructs a url for the upload identified by uuid,
// including any url values.
func (ub *URLBuilder) BuildBlobUploadChunkURL(name, uuid string, values ...url.Values) (string, error) {
	return ub.build(RouteNameBlobUploadChunk, []string{"name", name, "uuid", uuid}, values...)
}

// BuildReferrersURL constructs the url listing referrers of dgst.
func (ub *URLBuilder) BuildReferrersURL(name string, dgst digest.Digest, values ...url.Values) (string, error) {
	return ub.build(RouteNameReferrers, []string{"name", name, "digest", dgst.String()}, values...)
}

func (ub *URLBuilder) build(routeName string, pairs []string, values ...url.Values) (string, error) {
	route := ub.router.Get(routeName)
	u, err := route.URL(pairs...)
	if err != nil {
		return "", err
	}

	u = ub.root.ResolveReference(&url.URL{Path: ub.root.Path + u.Path})

	return appendValuesURL(u, values...).String(), nil
}

// appendValuesURL appends the parameters to the url.
func appendValuesURL(u *url.URL, values ...url.Values) *url.URL {
	merged := u.Query()

	for _, v := range values {
		for k, vv := range v {
			merged[k] = append(merged[k], vv...)
		}
	}

	u.RawQuery = merged.Encode()
	return u
}
