package storage

import (
	"context"
	"fmt"
	"io"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

// TransferError is returned when copying an object between locations fails.
type TransferError struct {
	Path string
	From string
	To   string
	// Cleanup is set when partial data was written to the destination and a removal was attempted.
	Cleanup    bool
	CleanupErr error
	Reason     error
}

func (e TransferError) Error() string {
	msg := fmt.Sprintf("transferring %q from %q to %q: %v", e.Path, e.From, e.To, e.Reason)
	if e.Cleanup && e.CleanupErr != nil {
		msg += fmt.Sprintf(" (cleanup failed: %v)", e.CleanupErr)
	}
	return msg
}

func (e TransferError) Unwrap() error {
	return e.Reason
}

// Transfer copies the object at p from one location to another. Partial data left on the destination after a
// failed copy is removed.
func (s *Store) Transfer(ctx context.Context, p, from, to string) error {
	src, ok := s.drivers[from]
	if !ok {
		return TransferError{Path: p, From: from, To: to, Reason: fmt.Errorf("%w: %q", ErrUnknownLocation, from)}
	}
	dest, ok := s.drivers[to]
	if !ok {
		return TransferError{Path: p, From: from, To: to, Reason: fmt.Errorf("%w: %q", ErrUnknownLocation, to)}
	}

	r, err := src.Reader(ctx, p, 0)
	if err != nil {
		return TransferError{Path: p, From: from, To: to, Reason: classify(from, "transfer", p, err)}
	}
	defer r.Close()

	w, err := dest.Writer(ctx, p, false)
	if err != nil {
		return TransferError{Path: p, From: from, To: to, Reason: classify(to, "transfer", p, err)}
	}

	if _, err := io.Copy(w, r); err != nil {
		return s.abortTransfer(ctx, dest, w, TransferError{Path: p, From: from, To: to, Reason: err})
	}
	if err := w.Commit(); err != nil {
		return s.abortTransfer(ctx, dest, w, TransferError{Path: p, From: from, To: to, Reason: err})
	}
	if err := w.Close(); err != nil {
		return TransferError{Path: p, From: from, To: to, Reason: err}
	}
	return nil
}

func (s *Store) abortTransfer(ctx context.Context, dest storagedriver.StorageDriver, w storagedriver.FileWriter, tErr TransferError) error {
	tErr.Cleanup = true
	if err := w.Cancel(); err != nil {
		tErr.CleanupErr = err
	}
	_ = w.Close()

	// the destination path can be considered clean if it doesn't exist
	if err := dest.Delete(ctx, tErr.Path); err != nil && !storagedriver.IsPathNotFound(err) && tErr.CleanupErr == nil {
		tErr.CleanupErr = err
	}
	return tErr
}
