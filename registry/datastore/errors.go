package datastore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row is not found on the metadata database.
	ErrNotFound = errors.New("not found")
	// ErrManifestNotFound is returned when a manifest is not found on the metadata database.
	ErrManifestNotFound = fmt.Errorf("manifest %w", ErrNotFound)
	// ErrRepositoryNotFound is returned when a repository is not found on the metadata database.
	ErrRepositoryNotFound = fmt.Errorf("repository %w", ErrNotFound)
	// ErrBlobNotFound is returned when a blob is not found on the metadata database.
	ErrBlobNotFound = fmt.Errorf("blob %w", ErrNotFound)
	// ErrUploadNotFound is returned when a blob upload is not found on the metadata database.
	ErrUploadNotFound = fmt.Errorf("blob upload %w", ErrNotFound)
	// ErrReadOnly is returned when a write is attempted while the registry is in read-only mode.
	ErrReadOnly = errors.New("registry is in read-only mode")
	// ErrConcurrentUpdate is returned when an optimistic update lost against a concurrent writer.
	ErrConcurrentUpdate = errors.New("row was concurrently updated")
	// ErrAlreadyExists is returned when an insert conflicts with an existing row.
	ErrAlreadyExists = errors.New("already exists")
)
