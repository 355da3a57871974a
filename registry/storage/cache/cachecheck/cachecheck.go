// Package cachecheck holds the behaviour every cache.Cache implementation must satisfy.
package cachecheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/storage/cache"
)

// CheckCache exercises the basic contract of c: misses, round trips, overwrites and deletes.
func CheckCache(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Set(ctx, "key", []byte("value"), time.Minute))
	v, found, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value"), v)

	require.NoError(t, c.Set(ctx, "key", []byte("other"), time.Minute))
	v, _, err = c.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("other"), v)

	require.NoError(t, c.Delete(ctx, "key"))
	_, found, err = c.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, found)

	// deleting a missing key is not an error
	require.NoError(t, c.Delete(ctx, "key"))

	// a non positive ttl does not store anything
	require.NoError(t, c.Set(ctx, "nottl", []byte("x"), 0))
	_, found, err = c.Get(ctx, "nottl")
	require.NoError(t, err)
	require.False(t, found)

	type payload struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, cache.SetJSON(ctx, c, "json", payload{ID: 7, Name: "busybox"}, time.Minute))
	var got payload
	found, err = cache.GetJSON(ctx, c, "json", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload{ID: 7, Name: "busybox"}, got)
}
