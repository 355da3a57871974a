package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/storage/cache/cachecheck"
)

func TestMemoryCache(t *testing.T) {
	cachecheck.CheckCache(t, cache.NewMemory(nil))
}

func TestMemoryCache_Expiry(t *testing.T) {
	clk := clock.NewMock()
	c := cache.NewMemory(clk)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	clk.Add(59 * time.Second)
	_, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)

	clk.Add(time.Second)
	_, found, err = c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, found)

	clk.Add(time.Hour)
	require.Equal(t, 1, c.Sweep())
	_, found, _ = c.Get(ctx, "b")
	require.False(t, found)
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	c := cache.NewMemory(nil)
	ctx := context.Background()

	v := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", v, time.Minute))
	v[0] = 'x'

	got, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestGetJSON_CorruptValueIsMiss(t *testing.T) {
	c := cache.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("{not json"), time.Minute))

	var out map[string]string
	found, err := cache.GetJSON(ctx, c, "k", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestKeys(t *testing.T) {
	dgst := digest.FromString("layer")
	require.Equal(t, "repo_blob__acme_app_"+dgst.String(), cache.RepositoryBlobKey("acme", "app", dgst))
	require.Equal(t, "geo_restrictions__acme", cache.GeoRestrictionsKey("ACME"))
	require.NotEqual(t,
		cache.ConvertedManifestKey("acme", "app", dgst, "a"),
		cache.ConvertedManifestKey("acme", "app", dgst, "b"),
	)
}
