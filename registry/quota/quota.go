// Package quota maintains the per namespace and per repository byte totals of unique blobs.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/internal"
	"github.com/sirupsen/logrus"
)

// Operation is the direction of an incremental quota update.
type Operation string

const (
	Add      Operation = "add"
	Subtract Operation = "subtract"
)

// ErrExceeded is returned by CheckPushAllowed when a push would take a namespace over its limit.
var ErrExceeded = errors.New("quota exceeded")

var (
	// for test purposes (mocking)
	quotaStoreConstructor      = func(db datastore.Queryer) datastore.QuotaStore { return datastore.NewQuotaStore(db) }
	namespaceStoreConstructor  = func(db datastore.Queryer) datastore.NamespaceStore { return datastore.NewNamespaceStore(db) }
	repositoryStoreConstructor = func(db datastore.Queryer) datastore.RepositoryStore { return datastore.NewRepositoryStore(db) }
)

// Config toggles quota accounting.
type Config struct {
	// Enabled turns incremental accounting on. When off, updates only invalidate existing totals.
	Enabled bool
	// SuppressFailures logs accounting errors instead of failing the calling operation.
	SuppressFailures bool
	// InvalidateTotals resets totals touched while accounting is disabled, so that they are backfilled once it is
	// turned back on.
	InvalidateTotals bool
}

// Engine updates, recomputes and enforces quota totals.
type Engine struct {
	db    datastore.Handler
	cfg   Config
	clock clock.Clock
}

// Option provides functional options for NewEngine.
type Option func(*Engine)

// WithClock sets the clock used to stamp backfill claims and registry size completions.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// NewEngine creates a new Engine.
func NewEngine(db datastore.Handler, cfg Config, opts ...Option) *Engine {
	e := &Engine{db: db, cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enabled reports whether incremental accounting is on.
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

func (e *Engine) nowMs() int64 {
	return internal.NowMs(e.clock)
}

// UpdateQuota applies the bytes of blobs (blob ID to size) that manifestID adds to or removes from the namespace and
// repository totals of repo. q is expected to be the transaction the manifest is created or deleted with.
func (e *Engine) UpdateQuota(ctx context.Context, q datastore.Queryer, repo *models.Repository, manifestID int64, blobs map[int64]int64, op Operation) error {
	if !e.cfg.Enabled {
		if e.cfg.InvalidateTotals {
			return e.ResetBackfill(ctx, q, repo)
		}
		return nil
	}

	if err := e.updateSizes(ctx, q, repo, manifestID, blobs, op); err != nil {
		if !e.cfg.SuppressFailures {
			return err
		}
		dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
			"repository_id": repo.ID,
			"manifest_id":   manifestID,
			"operation":     op,
		}).WithError(err).Error("quota size calculation failed")
	}

	return nil
}

func (e *Engine) updateSizes(ctx context.Context, q datastore.Queryer, repo *models.Repository, manifestID int64, blobs map[int64]int64, op Operation) error {
	log := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"repository_id": repo.ID,
		"manifest_id":   manifestID,
	})

	if len(blobs) == 0 {
		log.Debug("no blobs found for manifest, skipping quota calculation")
		return nil
	}

	ns, err := namespaceStoreConstructor(q).FindByID(ctx, repo.NamespaceID)
	if err != nil {
		return err
	}
	if !eligible(ns) {
		log.WithField("namespace_id", repo.NamespaceID).Debug("ineligible namespace for quota calculation, skipping")
		return nil
	}

	qs := quotaStoreConstructor(q)
	var nsDelta, repoDelta int64
	for blobID, size := range blobs {
		shared, err := qs.BlobReferencedElsewhere(ctx, datastore.QuotaScopeNamespace, ns.ID, manifestID, blobID)
		if err != nil {
			return err
		}
		if !shared {
			nsDelta += size
			repoDelta += size
			continue
		}
		shared, err = qs.BlobReferencedElsewhere(ctx, datastore.QuotaScopeRepository, repo.ID, manifestID, blobID)
		if err != nil {
			return err
		}
		if !shared {
			repoDelta += size
		}
	}

	if err := e.writeTotal(ctx, qs, datastore.QuotaScopeNamespace, ns.ID, nsDelta, op); err != nil {
		return err
	}
	if repo.State == models.RepositoryStateMarkedForDeletion {
		log.Debug("repository marked for deletion, skipping repository quota update")
		return nil
	}
	return e.writeTotal(ctx, qs, datastore.QuotaScopeRepository, repo.ID, repoDelta, op)
}

func (e *Engine) writeTotal(ctx context.Context, qs datastore.QuotaStore, scope datastore.QuotaScope, id, delta int64, op Operation) error {
	log := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"scope":     scope.String(),
		"scope_id":  id,
		"operation": op,
		"delta":     delta,
	})

	size, err := qs.Size(ctx, scope, id)
	if err != nil {
		return err
	}

	switch {
	case size != nil && !size.BackfillComplete:
		log.Debug("backfill pending, skipping quota update")
		return nil
	case size != nil:
		if op == Subtract {
			delta = -delta
		}
		if _, err := qs.ApplyDelta(ctx, scope, id, delta); err != nil {
			return err
		}
		log.Info("updated quota size")
		return nil
	case op == Add:
		n, err := qs.CountManifests(ctx, scope, id)
		if err != nil {
			return err
		}
		if n > 1 {
			log.Info("backfill required")
			return nil
		}
		if _, err := qs.CreateComplete(ctx, scope, id, delta); err != nil {
			return err
		}
		log.Info("inserted quota size")
	}

	return nil
}

func eligible(ns *models.Namespace) bool {
	return ns != nil && ns.Enabled && !ns.IsRobot
}

// ResetBackfill zeroes the totals of repo and its namespace and flags them for recomputation.
func (e *Engine) ResetBackfill(ctx context.Context, q datastore.Queryer, repo *models.Repository) error {
	qs := quotaStoreConstructor(q)
	if err := qs.Reset(ctx, datastore.QuotaScopeRepository, repo.ID); err != nil {
		return err
	}
	return qs.Reset(ctx, datastore.QuotaScopeNamespace, repo.NamespaceID)
}

// RunBackfill recomputes the totals of a namespace and of each of its repositories. Totals are claimed with the
// current time so that a concurrent backfill taking over causes this one to discard its result.
func (e *Engine) RunBackfill(ctx context.Context, namespaceID int64) error {
	log := dcontext.GetLoggerWithField(ctx, "namespace_id", namespaceID)

	ns, err := namespaceStoreConstructor(e.db).FindByID(ctx, namespaceID)
	if err != nil {
		return err
	}
	if !eligible(ns) {
		log.Info("ineligible namespace, skipping backfill")
		return nil
	}

	if err := e.backfill(ctx, datastore.QuotaScopeNamespace, namespaceID); err != nil {
		return err
	}

	repos, err := repositoryStoreConstructor(e.db).FindByNamespace(ctx, namespaceID)
	if err != nil {
		return err
	}
	for _, r := range repos {
		// the repository may have been deleted since it was listed
		latest, err := repositoryStoreConstructor(e.db).FindByID(ctx, r.ID)
		if err != nil {
			return err
		}
		if latest == nil || latest.State == models.RepositoryStateMarkedForDeletion {
			continue
		}
		if err := e.backfill(ctx, datastore.QuotaScopeRepository, r.ID); err != nil {
			return err
		}
	}

	log.WithField("repositories", len(repos)).Info("quota backfill complete")
	return nil
}

func (e *Engine) backfill(ctx context.Context, scope datastore.QuotaScope, id int64) error {
	qs := quotaStoreConstructor(e.db)

	size, err := qs.Size(ctx, scope, id)
	if err != nil {
		return err
	}
	if size != nil && size.BackfillComplete {
		return nil
	}

	start := e.nowMs()
	if err := qs.StartBackfill(ctx, scope, id, start); err != nil {
		return err
	}
	total, err := qs.Compute(ctx, scope, id)
	if err != nil {
		return err
	}
	ok, err := qs.CompleteBackfill(ctx, scope, id, start, total)
	if err != nil {
		return err
	}

	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"scope":      scope.String(),
		"scope_id":   id,
		"size_bytes": total,
		"claimed":    ok,
	}).Info("backfilled quota size")
	return nil
}

// QueueRegistrySize requests a recomputation of the registry size. It reports whether a recomputation is queued and
// whether one was already queued or running.
func (e *Engine) QueueRegistrySize(ctx context.Context) (queued, already bool, err error) {
	qs := quotaStoreConstructor(e.db)

	rs, err := qs.RegistrySize(ctx)
	if err != nil {
		return false, false, err
	}
	if rs.Queued || rs.Running {
		dcontext.GetLogger(ctx).Info("registry size calculation already queued")
		return true, true, nil
	}
	if err := qs.QueueRegistrySize(ctx); err != nil {
		return false, false, err
	}

	dcontext.GetLogger(ctx).Info("queued registry size calculation")
	return true, false, nil
}

// CalculateRegistrySize runs a queued registry size recomputation. It reports whether one was claimed.
func (e *Engine) CalculateRegistrySize(ctx context.Context) (bool, error) {
	qs := quotaStoreConstructor(e.db)

	ok, err := qs.ClaimRegistrySize(ctx)
	if err != nil || !ok {
		return false, err
	}

	log := dcontext.GetLogger(ctx)
	log.Info("calculating registry size")

	total, err := qs.TotalStorageSize(ctx)
	if err != nil {
		return true, err
	}
	if err := qs.CompleteRegistrySize(ctx, total, e.nowMs()); err != nil {
		return true, err
	}

	log.WithFields(logrus.Fields{"size_bytes": total}).Info("completed calculation of registry size")
	return true, nil
}

// RegistrySize returns the last computed registry size.
func (e *Engine) RegistrySize(ctx context.Context) (*models.QuotaRegistrySize, error) {
	return quotaStoreConstructor(e.db).RegistrySize(ctx)
}

// CheckPushAllowed returns ErrExceeded if adding additional bytes to the namespace would exceed its configured limit.
// Namespaces without a limit are always allowed. A missing total counts as zero bytes, and a total still being
// backfilled is compared as stored.
func (e *Engine) CheckPushAllowed(ctx context.Context, q datastore.Queryer, namespaceID, additional int64) error {
	if !e.cfg.Enabled {
		return nil
	}

	ns, err := namespaceStoreConstructor(q).FindByID(ctx, namespaceID)
	if err != nil {
		return err
	}
	if ns == nil || !ns.QuotaLimitBytes.Valid {
		return nil
	}

	size, err := quotaStoreConstructor(q).Size(ctx, datastore.QuotaScopeNamespace, namespaceID)
	if err != nil {
		return err
	}
	// a namespace without a total row has not stored anything yet
	var current int64
	if size != nil {
		current = size.SizeBytes
	}

	if current+additional > ns.QuotaLimitBytes.Int64 {
		return fmt.Errorf("%w: namespace %q uses %d of %d bytes", ErrExceeded, ns.Username, current, ns.QuotaLimitBytes.Int64)
	}
	return nil
}

// CheckManifestAllowed returns ErrExceeded if creating a manifest referencing blobs (blob ID to size) in repo would
// exceed the limit of its namespace. Only blobs not yet referenced by another manifest of the namespace count.
func (e *Engine) CheckManifestAllowed(ctx context.Context, q datastore.Queryer, repo *models.Repository, blobs map[int64]int64) error {
	if !e.cfg.Enabled || len(blobs) == 0 {
		return nil
	}

	qs := quotaStoreConstructor(q)
	var additional int64
	for blobID, size := range blobs {
		shared, err := qs.BlobReferencedElsewhere(ctx, datastore.QuotaScopeNamespace, repo.NamespaceID, 0, blobID)
		if err != nil {
			return err
		}
		if !shared {
			additional += size
		}
	}
	if additional == 0 {
		return nil
	}

	return e.CheckPushAllowed(ctx, q, repo.NamespaceID, additional)
}
