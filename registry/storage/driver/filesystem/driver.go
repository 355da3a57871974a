// Package filesystem provides a storage driver rooted at a local directory.
package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/factory"
)

const (
	driverName           = "filesystem"
	defaultRootDirectory = "/var/lib/registry"
)

// DriverParameters represents all configuration options available for the filesystem driver.
type DriverParameters struct {
	RootDirectory string
}

func init() {
	factory.Register(driverName, &filesystemDriverFactory{})
}

// filesystemDriverFactory implements the factory.StorageDriverFactory interface.
type filesystemDriverFactory struct{}

func (factory *filesystemDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return FromParameters(parameters)
}

// Driver is a storagedriver.StorageDriver implementation backed by a local filesystem. All provided paths will be
// subpaths of the RootDirectory.
type Driver struct {
	rootDirectory string
}

var (
	_ storagedriver.StorageDriver = &Driver{}
	_ storagedriver.Composer      = &Driver{}
)

// FromParameters constructs a new Driver with a given parameters map. Optional parameters:
// - rootdirectory
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	params, err := fromParametersImpl(parameters)
	if err != nil {
		return nil, err
	}
	return New(*params), nil
}

func fromParametersImpl(parameters map[string]interface{}) (*DriverParameters, error) {
	rootDirectory := defaultRootDirectory
	if parameters != nil {
		if rootDir, ok := parameters["rootdirectory"]; ok {
			rootDirectory = fmt.Sprint(rootDir)
		}
	}
	if rootDirectory == "" {
		return nil, errors.New("rootdirectory must not be empty")
	}
	return &DriverParameters{RootDirectory: rootDirectory}, nil
}

// New constructs a new Driver with a given rootDirectory.
func New(params DriverParameters) *Driver {
	return &Driver{rootDirectory: params.RootDirectory}
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return driverName
}

// fullPath returns the absolute path of a key within the Driver's storage.
func (d *Driver) fullPath(subPath string) string {
	return path.Join(d.rootDirectory, subPath)
}

func (d *Driver) checkPath(p string) error {
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
func (d *Driver) PutContent(ctx context.Context, subPath string, contents []byte) error {
	writer, err := d.Writer(ctx, subPath, false)
	if err != nil {
		return err
	}
	defer writer.Close()

	if _, err := io.Copy(writer, bytes.NewReader(contents)); err != nil {
		_ = writer.Cancel()
		return err
	}
	return writer.Commit()
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a given byte offset.
func (d *Driver) Reader(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := d.checkPath(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(d.fullPath(path), os.O_RDONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
		}
		return nil, err
	}

	seekPos, err := file.Seek(offset, io.SeekStart)
	if err != nil {
		file.Close()
		return nil, err
	} else if seekPos < offset {
		file.Close()
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	return file, nil
}

// Writer returns a FileWriter which will store the content written to it at the location designated by "path"
// after the call to Commit.
func (d *Driver) Writer(_ context.Context, subPath string, append bool) (storagedriver.FileWriter, error) {
	if err := d.checkPath(subPath); err != nil {
		return nil, err
	}

	fullPath := d.fullPath(subPath)
	parentDir := path.Dir(fullPath)
	if err := os.MkdirAll(parentDir, 0777); err != nil {
		return nil, err
	}

	fp, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	var offset int64
	if !append {
		if err := fp.Truncate(0); err != nil {
			fp.Close()
			return nil, err
		}
	} else {
		n, err := fp.Seek(0, io.SeekEnd)
		if err != nil {
			fp.Close()
			return nil, err
		}
		offset = n
	}

	return newFileWriter(fp, offset), nil
}

// Stat retrieves the FileInfo for the given path, including the current size in bytes and the creation time.
func (d *Driver) Stat(_ context.Context, subPath string) (storagedriver.FileInfo, error) {
	fi, err := os.Stat(d.fullPath(subPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}
		return nil, err
	}

	return fileInfo{path: subPath, FileInfo: fi}, nil
}

// List returns a list of the objects that are direct descendants of the given path.
func (d *Driver) List(_ context.Context, subPath string) ([]string, error) {
	dir, err := os.Open(d.fullPath(subPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
		}
		return nil, err
	}
	defer dir.Close()

	fileNames, err := dir.Readdirnames(0)
	if err != nil {
		return nil, err
	}
	sort.Strings(fileNames)

	keys := make([]string, 0, len(fileNames))
	for _, fileName := range fileNames {
		keys = append(keys, path.Join(subPath, fileName))
	}
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the original object.
func (d *Driver) Move(_ context.Context, sourcePath string, destPath string) error {
	source := d.fullPath(sourcePath)
	dest := d.fullPath(destPath)

	if _, err := os.Stat(source); os.IsNotExist(err) {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}
	if err := os.MkdirAll(path.Dir(dest), 0777); err != nil {
		return err
	}
	return os.Rename(source, dest)
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *Driver) Delete(_ context.Context, subPath string) error {
	fullPath := d.fullPath(subPath)

	_, err := os.Stat(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	} else if err != nil {
		return storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	return os.RemoveAll(fullPath)
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

// Compose concatenates sources into destPath through a temporary file renamed into place.
func (d *Driver) Compose(_ context.Context, destPath string, sources []string) error {
	if err := d.checkPath(destPath); err != nil {
		return err
	}
	dest := d.fullPath(destPath)
	if err := os.MkdirAll(path.Dir(dest), 0777); err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(path.Dir(dest), "."+filepath.Base(dest)+".compose-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, s := range sources {
		if err := appendFile(tmp, d.fullPath(s)); err != nil {
			tmp.Close()
			if os.IsNotExist(err) {
				return storagedriver.PathNotFoundError{Path: s, DriverName: driverName}
			}
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func appendFile(dst io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(dst, f)
	return err
}

type fileInfo struct {
	os.FileInfo
	path string
}

var _ storagedriver.FileInfo = fileInfo{}

// Path provides the full path of the target of this file info.
func (fi fileInfo) Path() string {
	return fi.path
}

// Size returns current length in bytes of the file. The return value can be used to write to the end of the file
// at path. The value is meaningless if IsDir returns true.
func (fi fileInfo) Size() int64 {
	if fi.IsDir() {
		return 0
	}
	return fi.FileInfo.Size()
}

type fileWriter struct {
	file      *os.File
	size      int64
	bw        *bufio.Writer
	closed    bool
	committed bool
	cancelled bool
}

func newFileWriter(file *os.File, size int64) *fileWriter {
	return &fileWriter{
		file: file,
		size: size,
		bw:   bufio.NewWriter(file),
	}
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("already closed")
	} else if fw.committed {
		return 0, fmt.Errorf("already committed")
	} else if fw.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	n, err := fw.bw.Write(p)
	fw.size += int64(n)
	return n, err
}

func (fw *fileWriter) Size() int64 {
	return fw.size
}

func (fw *fileWriter) Close() error {
	if fw.closed {
		return fmt.Errorf("already closed")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}
	if err := fw.file.Sync(); err != nil {
		return err
	}
	if err := fw.file.Close(); err != nil {
		return err
	}
	fw.closed = true
	return nil
}

func (fw *fileWriter) Cancel() error {
	if fw.closed {
		return fmt.Errorf("already closed")
	}

	fw.cancelled = true
	fw.file.Close()
	return os.Remove(fw.file.Name())
}

func (fw *fileWriter) Commit() error {
	if fw.closed {
		return fmt.Errorf("already closed")
	} else if fw.committed {
		return fmt.Errorf("already committed")
	} else if fw.cancelled {
		return fmt.Errorf("already cancelled")
	}

	if err := fw.bw.Flush(); err != nil {
		return err
	}
	if err := fw.file.Sync(); err != nil {
		return err
	}

	fw.committed = true
	return nil
}
