package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// StorageDriver defines methods that a storage driver must implement for a filesystem-like key/value object
// storage. Paths are absolute, slash separated and relative to the driver root.
type StorageDriver interface {
	// Name returns the human-readable "name" of the driver, useful in error messages and logging.
	Name() string

	// GetContent retrieves the content stored at "path" as a []byte. This should primarily be used for small
	// objects.
	GetContent(ctx context.Context, path string) ([]byte, error)

	// PutContent stores the []byte content at a location designated by "path". This should primarily be used for
	// small objects.
	PutContent(ctx context.Context, path string, content []byte) error

	// Reader retrieves an io.ReadCloser for the content stored at "path" with a given byte offset.
	Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// Writer returns a FileWriter which will store the content written to it at the location designated by
	// "path" after the call to Commit. With append set, writes continue after the existing content.
	Writer(ctx context.Context, path string, append bool) (FileWriter, error)

	// Stat retrieves the FileInfo for the given path, including the current size in bytes and the creation time.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns a list of the objects that are direct descendants of the given path.
	List(ctx context.Context, path string) ([]string, error)

	// Move moves an object stored at sourcePath to destPath, removing the original object.
	Move(ctx context.Context, sourcePath string, destPath string) error

	// Delete recursively deletes all objects stored at "path" and its subpaths.
	Delete(ctx context.Context, path string) error

	// URLFor returns a URL which may be used to retrieve the content stored at the given path, possibly using
	// the given options. May return an ErrUnsupportedMethod in certain StorageDriver implementations.
	URLFor(ctx context.Context, path string, options map[string]interface{}) (string, error)

	// Walk traverses a filesystem defined within driver, starting from the given path, calling f on each file.
	Walk(ctx context.Context, path string, f WalkFn) error

	// WalkParallel is like Walk but processes directories concurrently.
	WalkParallel(ctx context.Context, path string, f WalkFn) error
}

// Composer is implemented by drivers able to assemble an object out of other objects server side.
type Composer interface {
	// Compose writes the concatenation of sources to destPath. Drivers return ErrUnsupportedMethod when the
	// sources do not meet their constraints, in which case callers fall back to streaming.
	Compose(ctx context.Context, destPath string, sources []string) error
}

// FileWriter provides an abstraction for an opened writable file-like object in the storage backend. The
// FileWriter must flush all content written to it on the call to Close, but is only required to make its content
// readable on a call to Commit.
type FileWriter interface {
	io.WriteCloser

	// Size returns the number of bytes written to this FileWriter.
	Size() int64

	// Cancel removes any written content from this FileWriter.
	Cancel() error

	// Commit flushes all content written to this FileWriter and makes it available for future calls to Reader
	// and Stat.
	Commit() error
}

// PathRegexp is the regular expression which each file path must match. A file path is absolute, beginning with
// a slash and containing a positive number of path components separated by a slash, where each component is
// restricted to alphanumeric characters or a period, underscore, or hyphen.
var PathRegexp = regexp.MustCompile(`^(/[A-Za-z0-9._-]+)+$`)

// ErrUnsupportedMethod may be returned in the case where a StorageDriver implementation does not support an
// optional method.
type ErrUnsupportedMethod struct {
	DriverName string
}

func (err ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("%s: unsupported method", err.DriverName)
}

// PathNotFoundError is returned when operating on a nonexistent path.
type PathNotFoundError struct {
	Path       string
	DriverName string
}

func (err PathNotFoundError) Error() string {
	return fmt.Sprintf("%s: Path not found: %s", err.DriverName, err.Path)
}

// InvalidPathError is returned when the provided path is malformed.
type InvalidPathError struct {
	Path       string
	DriverName string
}

func (err InvalidPathError) Error() string {
	return fmt.Sprintf("%s: invalid path: %s", err.DriverName, err.Path)
}

// InvalidOffsetError is returned when attempting to read or write from an invalid offset.
type InvalidOffsetError struct {
	Path       string
	Offset     int64
	DriverName string
}

func (err InvalidOffsetError) Error() string {
	return fmt.Sprintf("%s: invalid offset: %d for path: %s", err.DriverName, err.Offset, err.Path)
}

// Error is a catch-all error type which captures an error string and the driver type on which it occurred.
type Error struct {
	DriverName string
	Enclosed   error
}

func (err Error) Error() string {
	return fmt.Sprintf("%s: %s", err.DriverName, err.Enclosed)
}

func (err Error) Unwrap() error {
	return err.Enclosed
}

// IsPathNotFound reports whether err, or any error it wraps, is a PathNotFoundError.
func IsPathNotFound(err error) bool {
	var pnf PathNotFoundError
	return errors.As(err, &pnf)
}

// FileInfo returns information about a given path. Inspired by os.FileInfo, it elides the base name method for
// a full path instead.
type FileInfo interface {
	// Path provides the full path of the target of this file info.
	Path() string

	// Size returns current length in bytes of the file. The return value can be used to write to the end of the
	// file at path. The value is meaningless if IsDir returns true.
	Size() int64

	// ModTime returns the modification time for the file. For backends that don't have a modification time, the
	// creation time should be returned.
	ModTime() time.Time

	// IsDir returns true if the path is a directory.
	IsDir() bool
}

// FileInfoFields provides the exported fields for implementing FileInfo interface in storagedriver
// implementations.
type FileInfoFields struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileInfoInternal implements the FileInfo interface. This should only be used by storagedriver implementations
// that don't have a specialized FileInfo type.
type FileInfoInternal struct {
	FileInfoFields
}

var _ FileInfo = FileInfoInternal{}
var _ FileInfo = &FileInfoInternal{}

// Path provides the full path of the target of this file info.
func (fi FileInfoInternal) Path() string {
	return fi.FileInfoFields.Path
}

// Size returns current length in bytes of the file.
func (fi FileInfoInternal) Size() int64 {
	return fi.FileInfoFields.Size
}

// ModTime returns the modification time for the file.
func (fi FileInfoInternal) ModTime() time.Time {
	return fi.FileInfoFields.ModTime
}

// IsDir returns true if the path is a directory.
func (fi FileInfoInternal) IsDir() bool {
	return fi.FileInfoFields.IsDir
}
