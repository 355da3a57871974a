package v2

import (
	"regexp"

	"github.com/gorilla/mux"
)

// The following are definitions of the name under which all V2 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase            = "base"
	RouteNameAuth            = "auth"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameReferrers       = "referrers"
	RouteNameCatalog         = "catalog"

	RoutePathBase            = "/v2/"
	RoutePathAuth            = "/v2/auth"
	RoutePathManifest        = "/v2/{name}/manifests/{reference}"
	RoutePathTags            = "/v2/{name}/tags/list"
	RoutePathBlob            = "/v2/{name}/blobs/{digest}"
	RoutePathBlobUpload      = "/v2/{name}/blobs/uploads/"
	RoutePathBlobUploadChunk = "/v2/{name}/blobs/uploads/{uuid}"
	RoutePathReferrers       = "/v2/{name}/referrers/{digest}"
	RoutePathCatalog         = "/v2/_catalog"
)

var (
	// NameRegexp matches repository names: lowercase alphanumeric components separated by slashes.
	NameRegexp = regexp.MustCompile(`[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*)*`)

	// TagRegexp matches valid tag names.
	TagRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

	// DigestRegexp matches valid digest references.
	DigestRegexp = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*[:][[:xdigit:]]{32,}`)

	// UUIDRegexp matches upload identifiers.
	UUIDRegexp = regexp.MustCompile(`[a-zA-Z0-9-_.=]+`)

	anchoredTagRegexp = regexp.MustCompile(`^` + TagRegexp.String() + `$`)
)

// IsValidTag reports whether name can be used as a tag.
func IsValidTag(name string) bool {
	return anchoredTagRegexp.MatchString(name)
}

type routeDescriptor struct {
	Name string
	Path string
}

var routeDescriptors = []routeDescriptor{
	{Name: RouteNameBase, Path: RoutePathBase},
	{Name: RouteNameAuth, Path: RoutePathAuth},
	{Name: RouteNameCatalog, Path: RoutePathCatalog},
	{Name: RouteNameTags, Path: "/v2/{name:" + NameRegexp.String() + "}/tags/list"},
	{Name: RouteNameManifest, Path: "/v2/{name:" + NameRegexp.String() + "}/manifests/{reference:" + TagRegexp.String() + "|" + DigestRegexp.String() + "}"},
	{Name: RouteNameBlob, Path: "/v2/{name:" + NameRegexp.String() + "}/blobs/{digest:" + DigestRegexp.String() + "}"},
	{Name: RouteNameBlobUpload, Path: "/v2/{name:" + NameRegexp.String() + "}/blobs/uploads/"},
	{Name: RouteNameBlobUploadChunk, Path: "/v2/{name:" + NameRegexp.String() + "}/blobs/uploads/{uuid:" + UUIDRegexp.String() + "}"},
	{Name: RouteNameReferrers, Path: "/v2/{name:" + NameRegexp.String() + "}/referrers/{digest:" + DigestRegexp.String() + "}"},
}

func RoutePath(routeName string) string {
	switch routeName {
	case RouteNameBase:
		return RoutePathBase
	case RouteNameAuth:
		return RoutePathAuth
	case RouteNameManifest:
		return RoutePathManifest
	case RouteNameTags:
		return RoutePathTags
	case RouteNameBlob:
		return RoutePathBlob
	case RouteNameBlobUpload:
		return RoutePathBlobUpload
	case RouteNameBlobUploadChunk:
		return RoutePathBlobUploadChunk
	case RouteNameReferrers:
		return RoutePathReferrers
	case RouteNameCatalog:
		return RoutePathCatalog
	default:
		return ""
	}
}

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	for _, descriptor := range routeDescriptors {
		router.Path(descriptor.Path).Name(descriptor.Name)
	}

	return rootRouter
}
