// Package inmemory provides a storage driver keeping every object in process memory. It is meant for tests and
// single process development setups.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type object struct {
	data    []byte
	modTime time.Time
}

// Driver is a storagedriver.StorageDriver implementation backed by a local map. Intended solely for example and
// testing purposes.
type Driver struct {
	mu      sync.RWMutex
	objects map[string]*object
	now     func() time.Time
}

var (
	_ storagedriver.StorageDriver = &Driver{}
	_ storagedriver.Composer      = &Driver{}
)

// New constructs a new Driver.
func New() *Driver {
	return &Driver{objects: make(map[string]*object), now: time.Now}
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return driverName
}

func checkPath(p string) error {
	if !storagedriver.PathRegexp.MatchString(p) {
		return storagedriver.InvalidPathError{Path: p, DriverName: driverName}
	}
	return nil
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ioutil.ReadAll(rc)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *Driver) PutContent(_ context.Context, path string, content []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isDirLocked(path) {
		return fmt.Errorf("%q is a directory", path)
	}
	d.objects[path] = &object{data: append([]byte(nil), content...), modTime: d.now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a given byte offset.
func (d *Driver) Reader(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}
	if err := checkPath(path); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	o, ok := d.objects[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	if offset > int64(len(o.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	return ioutil.NopCloser(bytes.NewReader(append([]byte(nil), o.data[offset:]...))), nil
}

// Writer returns a FileWriter which will store the content written to it at the location designated by "path"
// after the call to Commit.
func (d *Driver) Writer(_ context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	w := &writer{d: d, path: path}
	if append {
		o, ok := d.objects[path]
		if !ok {
			return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
		}
		w.buf.Write(o.data)
	}
	return w, nil
}

// Stat returns info about the provided path.
func (d *Driver) Stat(_ context.Context, path string) (storagedriver.FileInfo, error) {
	if err := checkPath(path); err != nil && path != "/" {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	fi := storagedriver.FileInfoFields{Path: path}
	if o, ok := d.objects[path]; ok {
		fi.Size = int64(len(o.data))
		fi.ModTime = o.modTime
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}
	if path == "/" || d.isDirLocked(path) {
		fi.IsDir = true
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}
	return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
}

// List returns a list of the objects that are direct descendants of the given path.
func (d *Driver) List(_ context.Context, path string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]struct{})
	for p := range d.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		seen[prefix+strings.SplitN(rest, "/", 2)[0]] = struct{}{}
	}
	if len(seen) == 0 && path != "/" {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Move moves an object stored at sourcePath to destPath, removing the original object.
func (d *Driver) Move(_ context.Context, sourcePath string, destPath string) error {
	if err := checkPath(destPath); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.objects[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}
	d.objects[destPath] = o
	delete(d.objects, sourcePath)
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *Driver) Delete(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	if _, ok := d.objects[path]; ok {
		delete(d.objects, path)
		found = true
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range d.objects {
		if strings.HasPrefix(p, prefix) {
			delete(d.objects, p)
			found = true
		}
	}
	if !found {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	return nil
}

// URLFor returns a URL which may be used to retrieve the content stored at the given path.
func (d *Driver) URLFor(context.Context, string, map[string]interface{}) (string, error) {
	return "", storagedriver.ErrUnsupportedMethod{DriverName: driverName}
}

// Walk traverses a filesystem defined within driver, starting from the given path, calling f on each file.
func (d *Driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

// WalkParallel traverses a filesystem defined within driver in parallel.
func (d *Driver) WalkParallel(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallbackParallel(ctx, d, path, f)
}

// Compose concatenates sources into destPath.
func (d *Driver) Compose(_ context.Context, destPath string, sources []string) error {
	if err := checkPath(destPath); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	for _, s := range sources {
		o, ok := d.objects[s]
		if !ok {
			return storagedriver.PathNotFoundError{Path: s, DriverName: driverName}
		}
		buf.Write(o.data)
	}
	d.objects[destPath] = &object{data: buf.Bytes(), modTime: d.now()}
	return nil
}

func (d *Driver) isDirLocked(path string) bool {
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range d.objects {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type writer struct {
	d         *Driver
	path      string
	buf       bytes.Buffer
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	switch {
	case w.closed:
		return 0, fmt.Errorf("already closed")
	case w.committed:
		return 0, fmt.Errorf("already committed")
	case w.cancelled:
		return 0, fmt.Errorf("already cancelled")
	}
	return w.buf.Write(p)
}

func (w *writer) Size() int64 {
	return int64(w.buf.Len())
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel() error {
	switch {
	case w.closed:
		return fmt.Errorf("already closed")
	case w.committed:
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.buf.Reset()
	return nil
}

func (w *writer) Commit() error {
	switch {
	case w.closed:
		return fmt.Errorf("already closed")
	case w.committed:
		return fmt.Errorf("already committed")
	case w.cancelled:
		return fmt.Errorf("already cancelled")
	}
	w.committed = true

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.objects[w.path] = &object{data: append([]byte(nil), w.buf.Bytes()...), modTime: w.d.now()}
	return nil
}
