package driver

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// treeDriver is a read only driver over a fixed set of file paths. Directories are implied by the paths.
type treeDriver struct {
	StorageDriver
	files   map[string]bool
	missing map[string]bool
	errs    map[string]error
}

func newTreeDriver(files ...string) *treeDriver {
	d := &treeDriver{files: map[string]bool{}, missing: map[string]bool{}, errs: map[string]error{}}
	for _, f := range files {
		d.files[f] = true
	}
	return d
}

func (d *treeDriver) List(_ context.Context, p string) ([]string, error) {
	seen := map[string]bool{}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for f := range d.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		child := prefix + strings.SplitN(strings.TrimPrefix(f, prefix), "/", 2)[0]
		seen[child] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (d *treeDriver) Stat(_ context.Context, p string) (FileInfo, error) {
	if err, ok := d.errs[p]; ok {
		return nil, err
	}
	if d.missing[p] {
		return nil, PathNotFoundError{Path: p, DriverName: "tree"}
	}
	return FileInfoInternal{FileInfoFields{Path: p, IsDir: !d.files[p]}}, nil
}

func TestWalkFallback(t *testing.T) {
	d := newTreeDriver("/a/b/c", "/a/d", "/e")

	var visited []string
	err := WalkFallback(context.Background(), d, "/", func(fi FileInfo) error {
		visited = append(visited, fi.Path())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/a/b", "/a/b/c", "/a/d", "/e"}, visited)
}

func TestWalkFallback_FileRemoved(t *testing.T) {
	d := newTreeDriver("/zoidberg", "/bender")
	d.missing["/bender"] = true

	var visited []string
	err := WalkFallback(context.Background(), d, "/", func(fi FileInfo) error {
		visited = append(visited, fi.Path())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/zoidberg"}, visited)
}

func TestWalkFallback_SkipDir(t *testing.T) {
	d := newTreeDriver("/_reserved/x", "/uploads/u1/data")

	var visited []string
	err := WalkFallback(context.Background(), d, "/", func(fi FileInfo) error {
		visited = append(visited, fi.Path())
		if fi.IsDir() && strings.HasPrefix(path.Base(fi.Path()), "_") {
			return ErrSkipDir
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/_reserved", "/uploads", "/uploads/u1", "/uploads/u1/data"}, visited)
}

func TestWalkFallbackParallel(t *testing.T) {
	d := newTreeDriver("/a/b/c", "/a/d", "/e", "/f/g/h/i")

	var mu sync.Mutex
	var visited []string
	err := WalkFallbackParallel(context.Background(), d, "/", func(fi FileInfo) error {
		mu.Lock()
		defer mu.Unlock()
		if !fi.IsDir() {
			visited = append(visited, fi.Path())
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(visited)
	require.Equal(t, []string{"/a/b/c", "/a/d", "/e", "/f/g/h/i"}, visited)
}

func TestWalkFallbackParallel_Error(t *testing.T) {
	errBad := errors.New("this directory is bad")
	d := newTreeDriver("/apple/banana", "/apple/orange/blossom", "/pear")
	d.errs["/apple/orange"] = errBad

	err := WalkFallbackParallel(context.Background(), d, "/", func(FileInfo) error { return nil })
	require.ErrorIs(t, err, errBad)
}

func TestWalkFallbackParallel_WalkFnError(t *testing.T) {
	errStop := errors.New("stop")
	d := newTreeDriver("/a/b", "/c")

	err := WalkFallbackParallel(context.Background(), d, "/", func(fi FileInfo) error {
		if fi.Path() == "/c" {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
}
