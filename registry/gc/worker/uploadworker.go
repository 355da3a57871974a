package worker

import (
	"context"
	"time"

	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/sirupsen/logrus"
)

const (
	defaultUploadMaxAge  = 2 * 24 * time.Hour
	defaultUploadBatch   = 100
	uploadQueueSizeLimit = 10000
)

var (
	// for test purposes (mocking)
	uploadStoreConstructor = func(db datastore.Queryer) datastore.UploadStore { return datastore.NewUploadStore(db) }
)

var _ Worker = (*UploadWorker)(nil)

// UploadSweeper cancels blob upload sessions not updated since before.
type UploadSweeper interface {
	SweepStaleUploads(ctx context.Context, before time.Time, limit int) (int, error)
}

// UploadPurger removes upload data left on storage by sessions older than olderThan.
type UploadPurger interface {
	PurgeUploads(ctx context.Context, olderThan time.Time, actuallyDelete bool) ([]string, error)
}

// UploadWorker cancels stale blob upload sessions, releasing their partial data, and then sweeps storage for upload
// data no session refers to anymore.
type UploadWorker struct {
	*baseWorker
	sweeper UploadSweeper
	purger  UploadPurger
	maxAge  time.Duration
	batch   int
}

// UploadWorkerOption provides functional options for NewUploadWorker.
type UploadWorkerOption func(*UploadWorker)

// WithUploadLogger sets the logger.
func WithUploadLogger(l dcontext.Logger) UploadWorkerOption {
	return func(w *UploadWorker) {
		w.logger = l
	}
}

// WithUploadMaxAge sets how long an upload session may stay idle before it is considered stale. Defaults to 2 days.
func WithUploadMaxAge(d time.Duration) UploadWorkerOption {
	return func(w *UploadWorker) {
		w.maxAge = d
	}
}

// WithUploadBatch sets the maximum number of sessions cancelled per run. Defaults to 100.
func WithUploadBatch(n int) UploadWorkerOption {
	return func(w *UploadWorker) {
		w.batch = n
	}
}

// NewUploadWorker creates a new UploadWorker. purger may be nil, in which case storage is not swept.
func NewUploadWorker(db datastore.Handler, sweeper UploadSweeper, purger UploadPurger, opts ...UploadWorkerOption) *UploadWorker {
	w := &UploadWorker{
		baseWorker: &baseWorker{db: db, name: "registry.gc.worker.UploadWorker", queueName: "blob_uploads"},
		sweeper:    sweeper,
		purger:     purger,
		maxAge:     defaultUploadMaxAge,
		batch:      defaultUploadBatch,
	}
	w.applyDefaults()
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithField(componentKey, w.name)

	return w
}

// Run implements Worker.
func (w *UploadWorker) Run(ctx context.Context) (bool, error) {
	return w.run(ctx, w)
}

// QueueSize implements Worker.
func (w *UploadWorker) QueueSize(ctx context.Context) (int, error) {
	uu, err := uploadStoreConstructor(w.db).FindStale(ctx, timeNow().Add(-w.maxAge), uploadQueueSizeLimit)
	if err != nil {
		return 0, err
	}
	return len(uu), nil
}

func (w *UploadWorker) processTask(ctx context.Context) (bool, error) {
	log := dcontext.GetLogger(ctx)
	cutoff := timeNow().Add(-w.maxAge)

	n, err := w.sweeper.SweepStaleUploads(ctx, cutoff, w.batch)
	if err != nil {
		return n > 0, err
	}

	var purged []string
	if w.purger != nil {
		purged, err = w.purger.PurgeUploads(ctx, cutoff, true)
		if err != nil {
			return n > 0, err
		}
	}

	log.WithFields(logrus.Fields{
		"sessions_cancelled": n,
		"paths_purged":       len(purged),
	}).Info("stale uploads swept")

	return n > 0 || len(purged) > 0, nil
}
