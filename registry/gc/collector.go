package gc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/gc/internal/metrics"
	"github.com/quay/quay-sub006/registry/gc/worker"
	reginternal "github.com/quay/quay-sub006/registry/internal"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/sirupsen/logrus"
)

const (
	chunkSize      = 10
	purgeChunkSize = 500
)

// ErrNotMarkedForDeletion is returned when purging a repository that was not marked for deletion.
var ErrNotMarkedForDeletion = errors.New("repository is not marked for deletion")

var (
	// for test purposes (mocking)
	tagStoreConstructor        = func(db datastore.Queryer) datastore.TagStore { return datastore.NewTagStore(db) }
	manifestStoreConstructor   = func(db datastore.Queryer) datastore.ManifestStore { return datastore.NewManifestStore(db) }
	labelStoreConstructor      = func(db datastore.Queryer) datastore.LabelStore { return datastore.NewLabelStore(db) }
	blobStoreConstructor       = func(db datastore.Queryer) datastore.BlobStore { return datastore.NewBlobStore(db) }
	gcStoreConstructor         = func(db datastore.Queryer) datastore.GCStore { return datastore.NewGCStore(db) }
	repositoryStoreConstructor = func(db datastore.Queryer) datastore.RepositoryStore { return datastore.NewRepositoryStore(db) }
	quotaStoreConstructor      = func(db datastore.Queryer) datastore.QuotaStore { return datastore.NewQuotaStore(db) }
)

var _ worker.RepositoryCollector = (*Collector)(nil)

// SecurityNotifier is told about deleted manifests so that an external scanner can drop its reports.
type SecurityNotifier interface {
	ManifestDeleted(ctx context.Context, repo *models.Repository, dgst digest.Digest) error
}

type noopNotifier struct{}

func (noopNotifier) ManifestDeleted(context.Context, *models.Repository, digest.Digest) error {
	return nil
}

// Collector reclaims the tags, manifests, labels and blobs of a repository that are no longer reachable.
type Collector struct {
	db       datastore.Handler
	vacuum   *storage.Vacuum
	quota    *quota.Engine
	notifier SecurityNotifier
	clock    clock.Clock
	logger   dcontext.Logger
}

// CollectorOption provides functional options for NewCollector.
type CollectorOption func(*Collector)

// WithSecurityNotifier sets the notifier called for every deleted manifest.
func WithSecurityNotifier(n SecurityNotifier) CollectorOption {
	return func(c *Collector) {
		c.notifier = n
	}
}

// WithCollectorClock sets the clock tag and upload expirations are compared against.
func WithCollectorClock(clk clock.Clock) CollectorOption {
	return func(c *Collector) {
		c.clock = clk
	}
}

// WithCollectorLogger sets the logger.
func WithCollectorLogger(l dcontext.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = l
	}
}

// NewCollector creates a new Collector. Blob data is removed through vacuum and quota totals are updated through q.
func NewCollector(db datastore.Handler, vacuum *storage.Vacuum, q *quota.Engine, opts ...CollectorOption) *Collector {
	c := &Collector{
		db:       db,
		vacuum:   vacuum,
		quota:    q,
		notifier: noopNotifier{},
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.logger = l
	}
	c.logger = c.logger.WithField(componentKey, "registry.gc.Collector")

	return c
}

func (c *Collector) nowMs() int64 {
	return reginternal.NowMs(c.clock)
}

// collectContext tracks the candidates discovered while collecting a chunk of tags or uploads.
type collectContext struct {
	repo        *models.Repository
	manifestIDs map[int64]struct{}
	labelIDs    map[int64]struct{}
	blobIDs     map[int64]struct{}
}

func newCollectContext(repo *models.Repository) *collectContext {
	return &collectContext{
		repo:        repo,
		manifestIDs: make(map[int64]struct{}),
		labelIDs:    make(map[int64]struct{}),
		blobIDs:     make(map[int64]struct{}),
	}
}

func addIDs(set map[int64]struct{}, ids ...int64) {
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func (c *Collector) withRepositoryLogger(ctx context.Context, repo *models.Repository) context.Context {
	return dcontext.WithLogger(ctx, c.logger.WithFields(logrus.Fields{
		"repository_id": repo.ID,
		"repository":    repo.Path(),
	}))
}

// GarbageCollectRepository deletes the tags of repo that expired beyond their namespace's time machine window and
// the expired temporary blob links, then reclaims everything that became unreachable. It reports whether anything
// was deleted.
func (c *Collector) GarbageCollectRepository(ctx context.Context, repo *models.Repository) (bool, error) {
	ctx = c.withRepositoryLogger(ctx, repo)
	log := dcontext.GetLogger(ctx)

	var changed bool
	for {
		tags, err := tagStoreConstructor(c.db).ExpiredUnrecoverable(ctx, repo.ID, c.nowMs(), chunkSize)
		if err != nil {
			return changed, err
		}
		if len(tags) == 0 {
			break
		}
		log.WithField("count", len(tags)).Info("found expired tags to collect")

		cc := newCollectContext(repo)
		for _, t := range tags {
			if err := c.purgeTag(ctx, cc, t); err != nil {
				return changed, err
			}
		}
		if err := c.run(ctx, cc); err != nil {
			return changed, err
		}
		changed = true
	}

	found, err := c.purgeUploadedBlobs(ctx, repo, c.clock.Now())
	if err != nil {
		return changed, err
	}

	return changed || found, nil
}

// purgeTag deletes a tag unless its lifetime changed since it was listed.
func (c *Collector) purgeTag(ctx context.Context, cc *collectContext, t *models.Tag) error {
	addIDs(cc.manifestIDs, t.ManifestID)

	return datastore.WithTransaction(ctx, c.db, func(tx datastore.Transactor) error {
		ts := tagStoreConstructor(tx)
		reloaded, err := ts.FindByID(ctx, t.ID)
		if err != nil {
			return err
		}
		if reloaded == nil || reloaded.LifetimeEndMs != t.LifetimeEndMs {
			dcontext.GetLoggerWithField(ctx, "tag_id", t.ID).Info("tag changed since listed, skipping")
			return nil
		}
		if err := ts.Delete(ctx, t.ID); err != nil {
			return err
		}
		metrics.RowsDeleted("tags", 1)
		return nil
	})
}

// purgeUploadedBlobs deletes the temporary blob links of repo that expired before expiredBefore and collects the
// blobs they kept alive.
func (c *Collector) purgeUploadedBlobs(ctx context.Context, repo *models.Repository, expiredBefore time.Time) (bool, error) {
	var found bool
	for {
		gs := gcStoreConstructor(c.db)
		uu, err := gs.FindUploadedBlobs(ctx, repo.ID, expiredBefore, chunkSize)
		if err != nil {
			return found, err
		}
		if len(uu) == 0 {
			return found, nil
		}
		found = true

		cc := newCollectContext(repo)
		for _, u := range uu {
			addIDs(cc.blobIDs, u.BlobID)
			if err := gs.DeleteUploadedBlob(ctx, u.ID); err != nil {
				return found, err
			}
		}
		metrics.RowsDeleted("uploaded_blobs", len(uu))

		if err := c.run(ctx, cc); err != nil {
			return found, err
		}
	}
}

// run reclaims the candidates of cc until a pass makes no change. Deleting a manifest list exposes its children,
// deleting a manifest exposes its labels and blobs.
func (c *Collector) run(ctx context.Context, cc *collectContext) error {
	for changed := true; changed; {
		changed = false

		for id := range cc.manifestIDs {
			ok, err := c.collectManifest(ctx, cc, id)
			if err != nil {
				return err
			}
			changed = changed || ok
		}
		for id := range cc.labelIDs {
			ok, err := c.collectLabel(ctx, cc, id)
			if err != nil {
				return err
			}
			changed = changed || ok
		}
		if len(cc.blobIDs) > 0 {
			ok, err := c.collectBlobs(ctx, cc)
			if err != nil {
				return err
			}
			changed = changed || ok
		}
	}

	return nil
}

func (c *Collector) collectManifest(ctx context.Context, cc *collectContext, id int64) (bool, error) {
	ms := manifestStoreConstructor(c.db)
	used, err := ms.IsUsed(ctx, id)
	if err != nil {
		return false, err
	}
	if used {
		return false, nil
	}

	var deleted *models.Manifest
	err = datastore.WithTransaction(ctx, c.db, func(tx datastore.Transactor) error {
		ms := manifestStoreConstructor(tx)
		m, err := ms.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			delete(cc.manifestIDs, id)
			return nil
		}
		if m.RepositoryID != cc.repo.ID {
			return fmt.Errorf("manifest %d does not belong to repository %d", id, cc.repo.ID)
		}
		if used, err := ms.IsUsed(ctx, id); err != nil || used {
			return err
		}

		children, err := ms.Children(ctx, cc.repo.ID, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			addIDs(cc.manifestIDs, child.ID)
		}

		blobs, err := ms.Blobs(ctx, cc.repo.ID, id)
		if err != nil {
			return err
		}
		sizes := make(map[int64]int64, len(blobs))
		for _, b := range blobs {
			sizes[b.ID] = b.ImageSize
		}
		if err := c.quota.UpdateQuota(ctx, tx, cc.repo, id, sizes, quota.Subtract); err != nil {
			return err
		}

		del, err := ms.Delete(ctx, m)
		if err != nil {
			return err
		}
		addIDs(cc.blobIDs, del.BlobIDs...)
		addIDs(cc.labelIDs, del.LabelIDs...)
		deleted = m

		metrics.RowsDeleted("manifest_blobs", len(del.BlobIDs))
		metrics.RowsDeleted("manifest_labels", len(del.LabelIDs))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("collecting manifest %d: %w", id, err)
	}
	if deleted == nil {
		return false, nil
	}

	delete(cc.manifestIDs, id)
	metrics.RowsDeleted("manifests", 1)
	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"manifest_id": id,
		"digest":      deleted.Digest,
	}).Info("manifest deleted")

	if err := c.notifier.ManifestDeleted(ctx, cc.repo, deleted.Digest); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("failed to notify security scanner of deleted manifest")
	}

	return true, nil
}

func (c *Collector) collectLabel(ctx context.Context, cc *collectContext, id int64) (bool, error) {
	var deleted bool
	err := datastore.WithTransaction(ctx, c.db, func(tx datastore.Transactor) error {
		ls := labelStoreConstructor(tx)
		referenced, err := ls.IsReferenced(ctx, id)
		if err != nil || referenced {
			return err
		}
		if err := ls.Delete(ctx, id); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("collecting label %d: %w", id, err)
	}
	if deleted {
		delete(cc.labelIDs, id)
		metrics.RowsDeleted("labels", 1)
	}

	return deleted, nil
}

// collectBlobs deletes the orphaned candidate blobs from the database, then removes their data from storage unless
// the content is shared with another blob row or is one of the well-known special blobs.
func (c *Collector) collectBlobs(ctx context.Context, cc *collectContext) (bool, error) {
	var removed []storage.BlobLocation
	var changed bool

	for id := range cc.blobIDs {
		var loc *storage.BlobLocation
		var gone bool
		err := datastore.WithTransaction(ctx, c.db, func(tx datastore.Transactor) error {
			gs := gcStoreConstructor(tx)
			b, err := gs.LockBlob(ctx, id)
			if err != nil {
				return err
			}
			if b == nil {
				gone = true
				return nil
			}
			orphan, err := gs.BlobIsOrphan(ctx, id)
			if err != nil || !orphan {
				return err
			}

			locations, err := gs.DeleteBlob(ctx, id)
			if err != nil {
				return err
			}
			p, err := storage.StoragePath(b.CASPath, b.ContentChecksum, b.UUID)
			if err != nil {
				return err
			}
			loc = &storage.BlobLocation{Digest: b.ContentChecksum, Path: p, Locations: locations}
			if !b.CASPath {
				// content is not addressed by digest, the path is unique to this blob
				loc.Digest = ""
			}
			gone = true
			return nil
		})
		if err != nil {
			return changed, fmt.Errorf("collecting blob %d: %w", id, err)
		}
		if !gone {
			continue
		}

		delete(cc.blobIDs, id)
		changed = true
		if loc != nil {
			metrics.RowsDeleted("image_storages", 1)
			removed = append(removed, *loc)
		}
	}

	return changed, c.removeBlobData(ctx, removed)
}

func (c *Collector) removeBlobData(ctx context.Context, locs []storage.BlobLocation) error {
	bs := blobStoreConstructor(c.db)
	log := dcontext.GetLogger(ctx)

	remove := make([]storage.BlobLocation, 0, len(locs))
	for _, l := range locs {
		if l.Digest != "" {
			if manifest.IsSpecialBlob(l.Digest) {
				log.WithField("digest", l.Digest).Debug("skipping special blob")
				continue
			}
			exists, err := bs.ChecksumExists(ctx, l.Digest)
			if err != nil {
				return err
			}
			if exists {
				log.WithField("digest", l.Digest).Warn("blob content still referenced by another blob, skipping")
				continue
			}
		}
		remove = append(remove, l)
	}

	return c.vacuum.RemoveBlobs(ctx, remove)
}

// PurgeRepository deletes every tag, manifest, blob link and repository scoped row of a repository marked for
// deletion, then the repository itself. It reports false if the repository was already gone.
func (c *Collector) PurgeRepository(ctx context.Context, repo *models.Repository) (bool, error) {
	if repo.State != models.RepositoryStateMarkedForDeletion {
		return false, ErrNotMarkedForDeletion
	}
	ctx = c.withRepositoryLogger(ctx, repo)
	log := dcontext.GetLogger(ctx)
	log.Info("purging repository")

	for {
		tags, err := tagStoreConstructor(c.db).FindByRepository(ctx, repo.ID, chunkSize)
		if err != nil {
			return false, err
		}
		if len(tags) == 0 {
			break
		}

		cc := newCollectContext(repo)
		for _, t := range tags {
			if err := c.purgeTag(ctx, cc, t); err != nil {
				return false, err
			}
		}
		if err := c.run(ctx, cc); err != nil {
			return false, err
		}
	}

	// manifests left without tags, e.g. referrers of deleted subjects
	ids, err := manifestStoreConstructor(c.db).FindIDsByRepository(ctx, repo.ID)
	if err != nil {
		return false, err
	}
	if len(ids) > 0 {
		cc := newCollectContext(repo)
		addIDs(cc.manifestIDs, ids...)
		if err := c.run(ctx, cc); err != nil {
			return false, err
		}
	}

	if _, err := c.purgeUploadedBlobs(ctx, repo, c.clock.Now().AddDate(100, 0, 0)); err != nil {
		return false, err
	}

	gs := gcStoreConstructor(c.db)
	for _, table := range datastore.RepositoryPurgeTables {
		for {
			n, err := gs.DeleteRepositoryRows(ctx, table, repo.ID, purgeChunkSize)
			if err != nil {
				return false, err
			}
			metrics.RowsDeleted(table, int(n))
			if n == 0 {
				break
			}
		}
	}

	if err := quotaStoreConstructor(c.db).Delete(ctx, datastore.QuotaScopeRepository, repo.ID); err != nil {
		return false, err
	}

	if err := repositoryStoreConstructor(c.db).Delete(ctx, repo.ID); err != nil {
		if errors.Is(err, datastore.ErrRepositoryNotFound) {
			return false, nil
		}
		return false, err
	}

	metrics.RepositoryPurged()
	log.Info("repository purged")
	return true, nil
}
