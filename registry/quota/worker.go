package quota

import (
	"context"
	"time"

	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/gc/worker"
	"github.com/quay/quay-sub006/registry/internal"
)

const (
	defaultStaleClaim = time.Hour
	queueSizeLimit    = 10000
)

var (
	_ worker.Worker = (*BackfillWorker)(nil)
	_ worker.Worker = (*RegistrySizeWorker)(nil)
)

// BackfillWorker recomputes the totals of one namespace per run. Namespaces are picked when their total is missing,
// incomplete and unclaimed, or claimed by a backfill older than the stale claim window.
type BackfillWorker struct {
	engine     *Engine
	staleClaim time.Duration
}

// BackfillWorkerOption provides functional options for NewBackfillWorker.
type BackfillWorkerOption func(*BackfillWorker)

// WithStaleClaim sets how long a backfill claim is honoured before another worker may take over. Defaults to 1 hour.
func WithStaleClaim(d time.Duration) BackfillWorkerOption {
	return func(w *BackfillWorker) {
		w.staleClaim = d
	}
}

// NewBackfillWorker creates a new BackfillWorker.
func NewBackfillWorker(e *Engine, opts ...BackfillWorkerOption) *BackfillWorker {
	w := &BackfillWorker{engine: e, staleClaim: defaultStaleClaim}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements worker.Worker.
func (w *BackfillWorker) Name() string {
	return "registry.quota.BackfillWorker"
}

// QueueName implements worker.Worker.
func (w *BackfillWorker) QueueName() string {
	return "quota_namespace_sizes"
}

func (w *BackfillWorker) staleBeforeMs() int64 {
	return internal.UnixMs(w.engine.clock.Now().Add(-w.staleClaim))
}

// QueueSize implements worker.Worker.
func (w *BackfillWorker) QueueSize(ctx context.Context) (int, error) {
	ids, err := quotaStoreConstructor(w.engine.db).FindNamespacesNeedingBackfill(ctx, w.staleBeforeMs(), queueSizeLimit)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Run implements worker.Worker.
func (w *BackfillWorker) Run(ctx context.Context) (bool, error) {
	ids, err := quotaStoreConstructor(w.engine.db).FindNamespacesNeedingBackfill(ctx, w.staleBeforeMs(), 1)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		dcontext.GetLogger(ctx).Info("no namespace needs a quota backfill")
		return false, nil
	}

	return true, w.engine.RunBackfill(ctx, ids[0])
}

// RegistrySizeWorker runs queued registry size recomputations.
type RegistrySizeWorker struct {
	engine *Engine
}

// NewRegistrySizeWorker creates a new RegistrySizeWorker.
func NewRegistrySizeWorker(e *Engine) *RegistrySizeWorker {
	return &RegistrySizeWorker{engine: e}
}

// Name implements worker.Worker.
func (w *RegistrySizeWorker) Name() string {
	return "registry.quota.RegistrySizeWorker"
}

// QueueName implements worker.Worker.
func (w *RegistrySizeWorker) QueueName() string {
	return "quota_registry_size"
}

// QueueSize implements worker.Worker.
func (w *RegistrySizeWorker) QueueSize(ctx context.Context) (int, error) {
	rs, err := w.engine.RegistrySize(ctx)
	if err != nil {
		return 0, err
	}
	if rs.Queued {
		return 1, nil
	}
	return 0, nil
}

// Run implements worker.Worker.
func (w *RegistrySizeWorker) Run(ctx context.Context) (bool, error) {
	return w.engine.CalculateRegistrySize(ctx)
}
