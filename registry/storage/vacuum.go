package storage

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"

	dcontext "github.com/quay/quay-sub006/context"
)

// vacuum contains functions for removing blob data once the metadata referencing it is gone. These functions will
// only reliably work on strongly consistent storage systems.

// BlobLocation identifies the stored data of a single blob.
type BlobLocation struct {
	Digest    digest.Digest
	Path      string
	Locations []string
}

// NewVacuum creates a new Vacuum
func NewVacuum(store *Store) *Vacuum {
	return &Vacuum{store: store}
}

// Vacuum removes blob content from storage
type Vacuum struct {
	store *Store
}

// RemoveBlob removes the data of a single blob from all of its locations.
func (v *Vacuum) RemoveBlob(ctx context.Context, b BlobLocation) error {
	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"digest":    b.Digest,
		"path":      b.Path,
		"locations": b.Locations,
	}).Info("deleting blob")

	return v.store.Remove(ctx, b.Locations, b.Path)
}

// RemoveBlobs removes the data of a list of blobs. It is used exclusively by the garbage collector, after the
// database rows of the blobs are gone. Every blob is attempted, failures are aggregated.
func (v *Vacuum) RemoveBlobs(ctx context.Context, blobs []BlobLocation) error {
	start := time.Now()
	total := len(blobs)
	if total == 0 {
		return nil
	}
	dcontext.GetLoggerWithField(ctx, "count", total).Info("deleting blobs")

	var result *multierror.Error
	var count int
	for _, b := range blobs {
		if err := v.RemoveBlob(ctx, b); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		count++
	}

	l := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"count":      count,
		"duration_s": time.Since(start).Seconds(),
	})
	if count < total {
		l.Warn("blobs partially deleted")
	} else {
		l.Info("blobs deleted")
	}

	return result.ErrorOrNil()
}
