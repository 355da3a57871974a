// Package cache provides the content cache used for repository blob lookups, converted manifests, catalog pages
// and geo restriction lists.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Cache stores opaque values for a bounded amount of time. A missing or expired key is reported with found set to
// false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RepositoryBlobKey is the key of a cached blob lookup within a repository.
func RepositoryBlobKey(namespace, repository string, dgst digest.Digest) string {
	return fmt.Sprintf("repo_blob__%s_%s_%s", namespace, repository, dgst)
}

// ConvertedManifestKey is the key of a manifest converted to another media type.
func ConvertedManifestKey(namespace, repository string, dgst digest.Digest, mediaType string) string {
	return fmt.Sprintf("converted_manifest__%s_%s_%s_%s", namespace, repository, dgst, mediaType)
}

// CatalogPageKey is the key of a catalog page for a caller.
func CatalogPageKey(caller string, lastID int64, limit int) string {
	return fmt.Sprintf("catalog_page__%s_%d_%d", caller, lastID, limit)
}

// GeoRestrictionsKey is the key of the blocked country list of a namespace.
func GeoRestrictionsKey(namespace string) string {
	return "geo_restrictions__" + strings.ToLower(namespace)
}

// GetJSON decodes the cached value of key into v. A decoding failure is treated as a miss.
func GetJSON(ctx context.Context, c Cache, key string, v interface{}) (bool, error) {
	b, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and caches it under key.
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value for %q: %w", key, err)
	}
	return c.Set(ctx, key, b, ttl)
}
