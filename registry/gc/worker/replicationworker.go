package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/sirupsen/logrus"
)

// placementStore is the subset of datastore.BlobStore the replication worker needs.
type placementStore interface {
	FindByDigest(ctx context.Context, d digest.Digest) (*models.ImageStorage, error)
	Locations(ctx context.Context, blobID int64) ([]string, error)
	AddPlacement(ctx context.Context, blobID int64, location string) error
}

var (
	// for test purposes (mocking)
	placementStoreConstructor = func(db datastore.Queryer) placementStore { return datastore.NewBlobStore(db) }
)

var _ Worker = (*ReplicationWorker)(nil)

// ReplicationQueue hands out the digests of blobs queued for replication.
type ReplicationQueue interface {
	NextReplication(ctx context.Context) (d digest.Digest, found bool, err error)
	RequeueReplication(ctx context.Context, d digest.Digest) error
	ReplicationQueueSize(ctx context.Context) (int, error)
}

// BlobTransferer copies blob data between storage locations.
type BlobTransferer interface {
	Locations() []string
	Transfer(ctx context.Context, p, from, to string) error
}

// ReplicationWorker copies queued blobs to every configured storage location they are not placed on yet, recording
// each new placement. Blobs that fail to replicate are queued again.
type ReplicationWorker struct {
	*baseWorker
	queue ReplicationQueue
	store BlobTransferer
}

// ReplicationWorkerOption provides functional options for NewReplicationWorker.
type ReplicationWorkerOption func(*ReplicationWorker)

// WithReplicationLogger sets the logger.
func WithReplicationLogger(l dcontext.Logger) ReplicationWorkerOption {
	return func(w *ReplicationWorker) {
		w.logger = l
	}
}

// NewReplicationWorker creates a new ReplicationWorker.
func NewReplicationWorker(db datastore.Handler, queue ReplicationQueue, store BlobTransferer, opts ...ReplicationWorkerOption) *ReplicationWorker {
	w := &ReplicationWorker{
		baseWorker: &baseWorker{db: db, name: "registry.gc.worker.ReplicationWorker", queueName: "storage_replication"},
		queue:      queue,
		store:      store,
	}
	w.applyDefaults()
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithField(componentKey, w.name)

	return w
}

// Run implements Worker.
func (w *ReplicationWorker) Run(ctx context.Context) (bool, error) {
	return w.run(ctx, w)
}

// QueueSize implements Worker.
func (w *ReplicationWorker) QueueSize(ctx context.Context) (int, error) {
	return w.queue.ReplicationQueueSize(ctx)
}

func (w *ReplicationWorker) processTask(ctx context.Context) (bool, error) {
	d, found, err := w.queue.NextReplication(ctx)
	if err != nil || !found {
		return false, err
	}

	log := dcontext.GetLoggerWithField(ctx, "digest", d)
	copied, err := w.replicate(ctx, d)
	if err != nil {
		if qErr := w.queue.RequeueReplication(ctx, d); qErr != nil {
			err = fmt.Errorf("%w (requeue failed: %v)", err, qErr)
		}
		return true, err
	}

	log.WithFields(logrus.Fields{"locations": copied}).Info("blob replicated")
	return true, nil
}

func (w *ReplicationWorker) replicate(ctx context.Context, d digest.Digest) ([]string, error) {
	bs := placementStoreConstructor(w.db)

	b, err := bs.FindByDigest(ctx, d)
	if err != nil {
		return nil, err
	}
	if b == nil {
		dcontext.GetLoggerWithField(ctx, "digest", d).Warn("blob no longer exists, skipping replication")
		return nil, nil
	}

	placed, err := bs.Locations(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(placed))
	for _, l := range placed {
		have[l] = struct{}{}
	}

	var src string
	var missing []string
	for _, l := range w.store.Locations() {
		if _, ok := have[l]; ok {
			if src == "" {
				src = l
			}
			continue
		}
		missing = append(missing, l)
	}
	if len(missing) == 0 {
		return nil, nil
	}
	if src == "" {
		return nil, errors.New("blob is not placed on any configured storage location")
	}

	p, err := storage.StoragePath(b.CASPath, b.ContentChecksum, b.UUID)
	if err != nil {
		return nil, err
	}

	var copied []string
	for _, l := range missing {
		if err := w.store.Transfer(ctx, p, src, l); err != nil {
			return copied, err
		}
		if err := bs.AddPlacement(ctx, b.ID, l); err != nil {
			return copied, fmt.Errorf("recording placement on %q: %w", l, err)
		}
		copied = append(copied, l)
	}
	return copied, nil
}
