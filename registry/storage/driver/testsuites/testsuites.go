// Package testsuites holds the behaviour every storage driver must satisfy.
package testsuites

import (
	"bytes"
	"context"
	"crypto/rand"
	"io/ioutil"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

// DriverConstructor builds a fresh, empty driver.
type DriverConstructor func(t *testing.T) storagedriver.StorageDriver

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// Run executes the driver suite against drivers built by constructor.
func Run(t *testing.T, constructor DriverConstructor) {
	t.Run("PutGetContent", func(t *testing.T) { testPutGetContent(t, constructor(t)) })
	t.Run("ReaderOffset", func(t *testing.T) { testReaderOffset(t, constructor(t)) })
	t.Run("WriterAppend", func(t *testing.T) { testWriterAppend(t, constructor(t)) })
	t.Run("WriterCancel", func(t *testing.T) { testWriterCancel(t, constructor(t)) })
	t.Run("StatAndList", func(t *testing.T) { testStatAndList(t, constructor(t)) })
	t.Run("Move", func(t *testing.T) { testMove(t, constructor(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, constructor(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, constructor(t)) })
	t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, constructor(t)) })
	t.Run("Walk", func(t *testing.T) { testWalk(t, constructor(t)) })
	t.Run("Compose", func(t *testing.T) { testCompose(t, constructor(t)) })
}

func testPutGetContent(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	content := randomBytes(t, 4096)

	require.NoError(t, d.PutContent(ctx, "/a/b/blob", content))
	got, err := d.GetContent(ctx, "/a/b/blob")
	require.NoError(t, err)
	require.Equal(t, content, got)

	// overwrite
	require.NoError(t, d.PutContent(ctx, "/a/b/blob", []byte("x")))
	got, err = d.GetContent(ctx, "/a/b/blob")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got)
}

func testReaderOffset(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	content := randomBytes(t, 1024)
	require.NoError(t, d.PutContent(ctx, "/offset", content))

	rc, err := d.Reader(ctx, "/offset", 1000)
	require.NoError(t, err)
	defer rc.Close()
	got, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content[1000:], got)

	rc2, err := d.Reader(ctx, "/offset", 1024)
	require.NoError(t, err)
	got, err = ioutil.ReadAll(rc2)
	require.NoError(t, err)
	require.Empty(t, got)
	rc2.Close()
}

func testWriterAppend(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	first, second := randomBytes(t, 512), randomBytes(t, 256)

	w, err := d.Writer(ctx, "/uploads/x/data", false)
	require.NoError(t, err)
	_, err = w.Write(first)
	require.NoError(t, err)
	require.EqualValues(t, 512, w.Size())
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	w, err = d.Writer(ctx, "/uploads/x/data", true)
	require.NoError(t, err)
	require.EqualValues(t, 512, w.Size())
	_, err = w.Write(second)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	got, err := d.GetContent(ctx, "/uploads/x/data")
	require.NoError(t, err)
	require.Equal(t, append(first, second...), got)
}

func testWriterCancel(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	w, err := d.Writer(ctx, "/cancelled", false)
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Cancel())

	_, err = d.GetContent(ctx, "/cancelled")
	require.True(t, storagedriver.IsPathNotFound(err), "unexpected error %v", err)
}

func testStatAndList(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	require.NoError(t, d.PutContent(ctx, "/dir/one", []byte("1")))
	require.NoError(t, d.PutContent(ctx, "/dir/two", []byte("22")))
	require.NoError(t, d.PutContent(ctx, "/dir/sub/three", []byte("333")))

	fi, err := d.Stat(ctx, "/dir/two")
	require.NoError(t, err)
	require.False(t, fi.IsDir())
	require.EqualValues(t, 2, fi.Size())
	require.Equal(t, "/dir/two", fi.Path())

	fi, err = d.Stat(ctx, "/dir/sub")
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	children, err := d.List(ctx, "/dir")
	require.NoError(t, err)
	sort.Strings(children)
	require.Equal(t, []string{"/dir/one", "/dir/sub", "/dir/two"}, children)
}

func testMove(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	content := randomBytes(t, 128)
	require.NoError(t, d.PutContent(ctx, "/src/file", content))

	require.NoError(t, d.Move(ctx, "/src/file", "/dst/nested/file"))

	got, err := d.GetContent(ctx, "/dst/nested/file")
	require.NoError(t, err)
	require.Equal(t, content, got)
	_, err = d.Stat(ctx, "/src/file")
	require.True(t, storagedriver.IsPathNotFound(err))

	err = d.Move(ctx, "/src/file", "/dst/other")
	require.True(t, storagedriver.IsPathNotFound(err))
}

func testDelete(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	require.NoError(t, d.PutContent(ctx, "/tree/a", []byte("a")))
	require.NoError(t, d.PutContent(ctx, "/tree/b/c", []byte("c")))
	require.NoError(t, d.PutContent(ctx, "/treehouse", []byte("keep")))

	require.NoError(t, d.Delete(ctx, "/tree"))

	_, err := d.Stat(ctx, "/tree/b/c")
	require.True(t, storagedriver.IsPathNotFound(err))
	got, err := d.GetContent(ctx, "/treehouse")
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), got)

	err = d.Delete(ctx, "/tree")
	require.True(t, storagedriver.IsPathNotFound(err))
}

func testNotFound(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	_, err := d.GetContent(ctx, "/missing")
	require.True(t, storagedriver.IsPathNotFound(err))
	_, err = d.Reader(ctx, "/missing", 0)
	require.True(t, storagedriver.IsPathNotFound(err))
	_, err = d.Stat(ctx, "/missing")
	require.True(t, storagedriver.IsPathNotFound(err))
	_, err = d.List(ctx, "/missing")
	require.True(t, storagedriver.IsPathNotFound(err))
}

func testInvalidPath(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	for _, p := range []string{"", "relative", "/trailing/", "/double//slash", "/sp ace"} {
		err := d.PutContent(ctx, p, []byte("x"))
		require.Error(t, err, p)
		require.IsType(t, storagedriver.InvalidPathError{}, err, p)
	}
}

func testWalk(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	files := []string{"/walk/a/1", "/walk/a/2", "/walk/b/c/3"}
	for _, f := range files {
		require.NoError(t, d.PutContent(ctx, f, []byte(f)))
	}

	var visited []string
	err := d.Walk(ctx, "/walk", func(fi storagedriver.FileInfo) error {
		if !fi.IsDir() {
			visited = append(visited, fi.Path())
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, files, visited)
}

func testCompose(t *testing.T, d storagedriver.StorageDriver) {
	c, ok := d.(storagedriver.Composer)
	if !ok {
		t.Skip("driver does not implement Composer")
	}
	ctx := context.Background()

	parts := [][]byte{randomBytes(t, 100), randomBytes(t, 200), randomBytes(t, 50)}
	var sources []string
	for i, p := range parts {
		src := "/parts/" + string(rune('a'+i))
		require.NoError(t, d.PutContent(ctx, src, p))
		sources = append(sources, src)
	}

	require.NoError(t, c.Compose(ctx, "/composed/blob", sources))

	got, err := d.GetContent(ctx, "/composed/blob")
	require.NoError(t, err)
	require.Equal(t, bytes.Join(parts, nil), got)
}
