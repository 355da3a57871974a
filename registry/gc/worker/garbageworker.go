package worker

import (
	"context"
	"math/rand"
	"time"

	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/internal"
)

const garbageCandidates = 500

var (
	// for test purposes (mocking)
	tagStoreConstructor        = func(db datastore.Queryer) datastore.TagStore { return datastore.NewTagStore(db) }
	namespaceStoreConstructor  = func(db datastore.Queryer) datastore.NamespaceStore { return datastore.NewNamespaceStore(db) }
	repositoryStoreConstructor = func(db datastore.Queryer) datastore.RepositoryStore { return datastore.NewRepositoryStore(db) }
)

var _ Worker = (*GarbageWorker)(nil)

// GarbageWorker picks a random repository holding tags expired beyond their namespace's time machine window and
// collects it. Each run tries the configured expiration policies in random order until one yields a repository.
type GarbageWorker struct {
	*baseWorker
	collector RepositoryCollector
	policies  []int64
}

// GarbageWorkerOption provides functional options for NewGarbageWorker.
type GarbageWorkerOption func(*GarbageWorker)

// WithGarbageLogger sets the logger.
func WithGarbageLogger(l dcontext.Logger) GarbageWorkerOption {
	return func(w *GarbageWorker) {
		w.logger = l
	}
}

// WithGarbageTxTimeout sets the database transaction timeout for the repository lookup. Defaults to 10 seconds.
func WithGarbageTxTimeout(d time.Duration) GarbageWorkerOption {
	return func(w *GarbageWorker) {
		w.txTimeout = d
	}
}

// WithExpirationPolicies sets the time machine windows, in seconds, searched for garbage. When not set, the distinct
// windows configured across namespaces are used.
func WithExpirationPolicies(policies ...int64) GarbageWorkerOption {
	return func(w *GarbageWorker) {
		w.policies = policies
	}
}

// NewGarbageWorker creates a new GarbageWorker.
func NewGarbageWorker(db datastore.Handler, c RepositoryCollector, opts ...GarbageWorkerOption) *GarbageWorker {
	w := &GarbageWorker{
		baseWorker: &baseWorker{db: db, name: "registry.gc.worker.GarbageWorker", queueName: "gc_repositories"},
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
func (w *GarbageWorker) Run(ctx context.Context) (bool, error) {
	return w.run(ctx, w)
}

func (w *GarbageWorker) expirationPolicies(ctx context.Context, q datastore.Queryer) ([]int64, error) {
	if len(w.policies) > 0 {
		return w.policies, nil
	}
	return namespaceStoreConstructor(q).TagExpirationPolicies(ctx)
}

// QueueSize implements Worker. It counts the expiration policies for which a repository with garbage exists.
func (w *GarbageWorker) QueueSize(ctx context.Context) (int, error) {
	policies, err := w.expirationPolicies(ctx, w.db)
	if err != nil {
		return 0, err
	}

	var n int
	ts := tagStoreConstructor(w.db)
	for _, p := range policies {
		id, err := ts.FindRepositoryWithGarbage(ctx, p, internal.UnixMs(timeNow()), garbageCandidates)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			n++
		}
	}

	return n, nil
}

func (w *GarbageWorker) findRepository(ctx context.Context) (*models.Repository, error) {
	var repo *models.Repository

	err := w.withReadTx(ctx, func(ctx context.Context, tx datastore.Transactor) error {
		policies, err := w.expirationPolicies(ctx, tx)
		if err != nil {
			return err
		}

		shuffled := make([]int64, len(policies))
		copy(shuffled, policies)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, p := range shuffled {
			id, err := tagStoreConstructor(tx).FindRepositoryWithGarbage(ctx, p, internal.UnixMs(timeNow()), garbageCandidates)
			if err != nil {
				return err
			}
			if id == 0 {
				continue
			}
			repo, err = repositoryStoreConstructor(tx).FindByID(ctx, id)
			if err != nil {
				return err
			}
			if repo != nil {
				return nil
			}
		}
		return nil
	})

	return repo, err
}

func (w *GarbageWorker) processTask(ctx context.Context) (bool, error) {
	log := dcontext.GetLogger(ctx)

	repo, err := w.findRepository(ctx)
	if err != nil {
		return false, err
	}
	if repo == nil {
		log.Info("no repository with garbage found")
		return false, nil
	}

	log.WithField("repository", repo.Path()).Info("collecting garbage")
	changed, err := w.collector.GarbageCollectRepository(ctx, repo)
	if err != nil {
		return true, err
	}
	log.WithField("changed", changed).Info("garbage collection complete")

	return true, nil
}
