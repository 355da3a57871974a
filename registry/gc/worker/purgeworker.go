package worker

import (
	"context"
	"time"

	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

const purgeQueueSizeLimit = 10000

var _ Worker = (*PurgeWorker)(nil)

// PurgeWorker deletes one repository marked for deletion per run, including all of its tags, manifests and repository
// scoped rows.
type PurgeWorker struct {
	*baseWorker
	collector RepositoryCollector
}

// PurgeWorkerOption provides functional options for NewPurgeWorker.
type PurgeWorkerOption func(*PurgeWorker)

// WithPurgeLogger sets the logger.
func WithPurgeLogger(l dcontext.Logger) PurgeWorkerOption {
	return func(w *PurgeWorker) {
		w.logger = l
	}
}

// WithPurgeTxTimeout sets the database transaction timeout for the repository lookup. Defaults to 10 seconds.
func WithPurgeTxTimeout(d time.Duration) PurgeWorkerOption {
	return func(w *PurgeWorker) {
		w.txTimeout = d
	}
}

// NewPurgeWorker creates a new PurgeWorker.
func NewPurgeWorker(db datastore.Handler, c RepositoryCollector, opts ...PurgeWorkerOption) *PurgeWorker {
	w := &PurgeWorker{
		baseWorker: &baseWorker{db: db, name: "registry.gc.worker.PurgeWorker", queueName: "repository_gc"},
		collector:  c,
	}
	w.applyDefaults()
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithField(componentKey, w.name)

	return w
}

// Run implements Worker.
func (w *PurgeWorker) Run(ctx context.Context) (bool, error) {
	return w.run(ctx, w)
}

// QueueSize implements Worker.
func (w *PurgeWorker) QueueSize(ctx context.Context) (int, error) {
	rr, err := repositoryStoreConstructor(w.db).FindMarkedForDeletion(ctx, purgeQueueSizeLimit)
	if err != nil {
		return 0, err
	}
	return len(rr), nil
}

func (w *PurgeWorker) processTask(ctx context.Context) (bool, error) {
	log := dcontext.GetLogger(ctx)

	var repo *models.Repository
	err := w.withReadTx(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		rr, err := repositoryStoreConstructor(tx).FindMarkedForDeletion(ctx, 1)
		if err != nil {
			return err
		}
		if len(rr) > 0 {
			repo = rr[0]
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if repo == nil {
		log.Info("no repository marked for deletion")
		return false, nil
	}

	log = log.WithField("repository_id", repo.ID)
	log.Info("purging repository")
	purged, err := w.collector.PurgeRepository(ctx, repo)
	if err != nil {
		return true, err
	}
	if !purged {
		log.Warn("repository no longer exists")
	}

	return true, nil
}
