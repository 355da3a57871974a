// Package tags manages the named, time-bounded pointers from repositories to manifests, including their history.
package tags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/internal"
	"github.com/quay/quay-sub006/registry/manifest"
)

const (
	// TempTagPrefix prefixes the names of the hidden tags that keep manifests alive.
	TempTagPrefix = "$temp-"

	maxRetargetAttempts = 3
)

var (
	// ErrTagUnknown is returned when no tag with the given name exists.
	ErrTagUnknown = errors.New("tag unknown")
	// ErrTagExpired is returned when the tag exists in history but is no longer alive.
	ErrTagExpired = errors.New("tag expired")
	// ErrManifestTagMismatch is returned when retargeting a tag to a schema 1 manifest embedding another tag name.
	ErrManifestTagMismatch = errors.New("schema 1 manifest tag does not match")
	// ErrRepositoryNotWritable is returned for writes to a repository marked for deletion.
	ErrRepositoryNotWritable = errors.New("repository is not writable")
	// ErrInvalidExpiration is returned when an expiration would end a tag before it started.
	ErrInvalidExpiration = errors.New("invalid tag expiration")
)

var (
	// for test purposes (mocking)
	tagStoreConstructor      = func(db datastore.Queryer) datastore.TagStore { return datastore.NewTagStore(db) }
	manifestStoreConstructor = func(db datastore.Queryer) datastore.ManifestStore { return datastore.NewManifestStore(db) }
)

// RetargetTagOpts controls a tag retarget.
type RetargetTagOpts struct {
	// IsReversion marks the new tag row as pointing back at an older manifest.
	IsReversion bool
	// NowMs is the time of the change, in milliseconds. Zero uses the service clock.
	NowMs int64
	// ExpirationSeconds bounds the lifetime of the new tag row. Zero means the tag never expires.
	ExpirationSeconds int64
}

// HistoryFilter restricts History results.
type HistoryFilter struct {
	Name      string
	OnlyAlive bool
	SinceMs   int64
	Limit     int
	Offset    int
}

// Service implements tag operations on top of the metadata store.
type Service struct {
	db                   datastore.Handler
	clock                clock.Clock
	resetChildExpiration bool
}

// Option provides functional options for NewService.
type Option func(*Service)

// WithClock sets the clock tag lifetimes are derived from.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithChildManifestExpirationReset sets whether deleting a tag pointing at a manifest list also expires the hidden
// tags protecting the list's children. Defaults to true.
func WithChildManifestExpirationReset(enabled bool) Option {
	return func(s *Service) {
		s.resetChildExpiration = enabled
	}
}

// NewService creates a new tag Service.
func NewService(db datastore.Handler, opts ...Option) *Service {
	s := &Service{db: db, clock: clock.New(), resetChildExpiration: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NowMs returns the current time of the service clock in milliseconds.
func (s *Service) NowMs() int64 {
	return internal.NowMs(s.clock)
}

func checkWritable(repo *models.Repository) error {
	if repo.State == models.RepositoryStateMarkedForDeletion {
		return ErrRepositoryNotWritable
	}
	return nil
}

// Get returns the alive visible tag with the given name, or nil.
func (s *Service) Get(ctx context.Context, repo *models.Repository, name string) (*models.Tag, error) {
	return tagStoreConstructor(s.db).FindAlive(ctx, repo.ID, name, s.NowMs())
}

// Resolve returns the alive visible tag with the given name. It fails with ErrTagExpired if the name only exists in
// history and with ErrTagUnknown if it never existed.
func (s *Service) Resolve(ctx context.Context, repo *models.Repository, name string) (*models.Tag, error) {
	ts := tagStoreConstructor(s.db)
	t, err := ts.FindAlive(ctx, repo.ID, name, s.NowMs())
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	latest, err := ts.FindLatestByName(ctx, repo.ID, name)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return nil, ErrTagExpired
	}
	return nil, ErrTagUnknown
}

// ListAlive lists up to limit alive visible tags of repo in lexicographic order, starting after last.
func (s *Service) ListAlive(ctx context.Context, repo *models.Repository, last string, limit int) (models.Tags, error) {
	return tagStoreConstructor(s.db).ListAlive(ctx, repo.ID, s.NowMs(), last, limit)
}

// History returns the tag rows of repo, most recent first, and whether more rows follow. A non positive limit returns
// every row.
func (s *Service) History(ctx context.Context, repo *models.Repository, f HistoryFilter) (models.Tags, bool, error) {
	limit := 0
	if f.Limit > 0 {
		limit = f.Limit + 1
	}
	tt, err := tagStoreConstructor(s.db).History(ctx, repo.ID, datastore.TagHistoryFilter{
		Name:      f.Name,
		OnlyAlive: f.OnlyAlive,
		SinceMs:   f.SinceMs,
		NowMs:     s.NowMs(),
		Limit:     limit,
		Offset:    f.Offset,
	})
	if err != nil {
		return nil, false, err
	}
	if f.Limit > 0 && len(tt) > f.Limit {
		return tt[:f.Limit], true, nil
	}
	return tt, false, nil
}

// IsUnrecoverable reports whether t expired before the time machine window of its namespace.
func IsUnrecoverable(t *models.Tag, ns *models.Namespace, nowMs int64) bool {
	if !t.LifetimeEndMs.Valid {
		return false
	}
	return t.LifetimeEndMs.Int64+ns.RemovedTagExpirationS*1000 <= nowMs
}

func checkSchema1Tag(m *models.Manifest, name string) error {
	if !manifest.IsSchema1(m.MediaType) {
		return nil
	}
	parsed, err := manifest.Parse(m.MediaType, m.Bytes)
	if err != nil {
		return err
	}
	if tagged, ok := parsed.(interface{ Tag() string }); ok && tagged.Tag() != name {
		return fmt.Errorf("%w: manifest is tagged %q, not %q", ErrManifestTagMismatch, tagged.Tag(), name)
	}
	return nil
}

// Retarget points the tag name of repo at m. The alive tag with that name, if any, is expired and a new row is
// created. Losing a race against a concurrent writer is retried a bounded number of times before failing with
// datastore.ErrConcurrentUpdate.
func (s *Service) Retarget(ctx context.Context, repo *models.Repository, name string, m *models.Manifest, opts RetargetTagOpts) (*models.Tag, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}
	if err := checkSchema1Tag(m, name); err != nil {
		return nil, err
	}

	log := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"repository_id": repo.ID,
		"tag_name":      name,
		"manifest_id":   m.ID,
	})

	for attempt := 1; attempt <= maxRetargetAttempts; attempt++ {
		var t *models.Tag
		err := datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
			var err error
			t, err = s.retarget(ctx, tx, repo, name, m, opts)
			return err
		})
		if err == nil {
			log.WithField("tag_id", t.ID).Info("tag retargeted")
			return t, nil
		}
		if !errors.Is(err, datastore.ErrConcurrentUpdate) {
			return nil, err
		}
		log.WithField("attempt", attempt).Warn("lost tag update race, retrying")
	}

	return nil, fmt.Errorf("retargeting tag %q: %w", name, datastore.ErrConcurrentUpdate)
}

func (s *Service) retarget(ctx context.Context, q datastore.Queryer, repo *models.Repository, name string, m *models.Manifest, opts RetargetTagOpts) (*models.Tag, error) {
	now := opts.NowMs
	if now == 0 {
		now = s.NowMs()
	}
	ts := tagStoreConstructor(q)

	// the unique index only covers tags without an expiration, so creators of the same name take turns
	if err := ts.LockName(ctx, repo.ID, name); err != nil {
		return nil, err
	}

	existing, err := ts.FindAlive(ctx, repo.ID, name, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		ok, err := ts.SetLifetimeEnd(ctx, existing, sql.NullInt64{Int64: lifetimeEnd(existing, now), Valid: true})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, datastore.ErrConcurrentUpdate
		}
	}

	t := &models.Tag{
		RepositoryID:    repo.ID,
		ManifestID:      m.ID,
		Name:            name,
		LifetimeStartMs: now,
		Reversion:       opts.IsReversion,
		Kind:            models.TagKindTag,
	}
	if opts.ExpirationSeconds > 0 {
		t.LifetimeEndMs = sql.NullInt64{Int64: now + opts.ExpirationSeconds*1000, Valid: true}
	}
	if err := ts.Create(ctx, t); err != nil {
		return nil, err
	}
	t.ManifestDigest = m.Digest
	t.ManifestMediaType = m.MediaType

	return t, nil
}

// CreateTemporaryTagIfNecessary protects manifestID from garbage collection for expirationSec seconds with a hidden
// tag, unless a tag already keeps it alive that long. A non positive expirationSec creates a hidden tag that never
// expires, as used for manifests referring to a subject. q is expected to be the transaction that created the
// manifest. It returns the created tag or nil.
func (s *Service) CreateTemporaryTagIfNecessary(ctx context.Context, q datastore.Queryer, repositoryID, manifestID, expirationSec int64) (*models.Tag, error) {
	now := s.NowMs()
	end := sql.NullInt64{Int64: now + expirationSec*1000, Valid: true}
	until := end.Int64
	if expirationSec <= 0 {
		end = sql.NullInt64{}
		until = math.MaxInt64
	}
	ts := tagStoreConstructor(q)

	alive, err := ts.KeepsManifestAlive(ctx, manifestID, until)
	if err != nil {
		return nil, err
	}
	if alive {
		return nil, nil
	}

	t := &models.Tag{
		RepositoryID:    repositoryID,
		ManifestID:      manifestID,
		Name:            TempTagPrefix + uuid.NewString(),
		LifetimeStartMs: now,
		LifetimeEndMs:   end,
		Hidden:          true,
		Kind:            models.TagKindTag,
	}
	if err := ts.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete expires the alive visible tag name of repo. When the tag points at a manifest list, the hidden tags of the
// list's children are expired as well so that the children become collectable. It returns the expired tag.
func (s *Service) Delete(ctx context.Context, repo *models.Repository, name string) (*models.Tag, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}

	var deleted *models.Tag
	for attempt := 1; attempt <= maxRetargetAttempts; attempt++ {
		err := datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
			now := s.NowMs()
			ts := tagStoreConstructor(tx)

			t, err := ts.FindAlive(ctx, repo.ID, name, now)
			if err != nil {
				return err
			}
			if t == nil {
				return ErrTagUnknown
			}
			if err := s.expire(ctx, tx, repo, t, now); err != nil {
				return err
			}
			deleted = t
			return nil
		})
		if err == nil {
			return deleted, nil
		}
		if !errors.Is(err, datastore.ErrConcurrentUpdate) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("deleting tag %q: %w", name, datastore.ErrConcurrentUpdate)
}

// lifetimeEnd returns the time at which expiring t at now ends it. A tag ending in the future is cut short, but never
// before it started. A tag expired in the millisecond it was created ends where it starts and was never alive.
func lifetimeEnd(t *models.Tag, now int64) int64 {
	if now < t.LifetimeStartMs {
		return t.LifetimeStartMs
	}
	return now
}

func (s *Service) expire(ctx context.Context, q datastore.Queryer, repo *models.Repository, t *models.Tag, now int64) error {
	ts := tagStoreConstructor(q)

	ok, err := ts.SetLifetimeEnd(ctx, t, sql.NullInt64{Int64: lifetimeEnd(t, now), Valid: true})
	if err != nil {
		return err
	}
	if !ok {
		return datastore.ErrConcurrentUpdate
	}

	if !s.resetChildExpiration || !manifest.IsList(t.ManifestMediaType) {
		return nil
	}
	n, err := ts.ExpireHiddenChildTags(ctx, repo.ID, t.ManifestID, now)
	if err != nil {
		return err
	}
	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"repository_id": repo.ID,
		"manifest_id":   t.ManifestID,
		"count":         n,
	}).Info("expired child manifest tags")

	return nil
}

// DeleteForManifest expires every alive visible tag pointing at m and returns them.
func (s *Service) DeleteForManifest(ctx context.Context, repo *models.Repository, m *models.Manifest) (models.Tags, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}

	var deleted models.Tags
	err := datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		now := s.NowMs()
		tt, err := tagStoreConstructor(tx).AliveForManifest(ctx, m.ID, now)
		if err != nil {
			return err
		}
		for _, t := range tt {
			if t.RepositoryID != repo.ID {
				continue
			}
			if err := s.expire(ctx, tx, repo, t, now); err != nil {
				return err
			}
			deleted = append(deleted, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return deleted, nil
}

// RestoreFromTimeMachine points the tag name back at the manifest dgst it used to reference. The restored row is
// flagged as a reversion.
func (s *Service) RestoreFromTimeMachine(ctx context.Context, repo *models.Repository, name string, dgst digest.Digest) (*models.Tag, error) {
	m, err := manifestStoreConstructor(s.db).FindByDigest(ctx, repo.ID, dgst)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, datastore.ErrManifestNotFound
	}

	tt, _, err := s.History(ctx, repo, HistoryFilter{Name: name, Limit: 100})
	if err != nil {
		return nil, err
	}
	var found bool
	for _, t := range tt {
		if t.ManifestID == m.ID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrTagUnknown
	}

	return s.Retarget(ctx, repo, name, m, RetargetTagOpts{IsReversion: true})
}

// ChangeExpiration sets when the alive tag name of repo expires. A nil expiration removes it. It returns the
// previous expiration, if any.
func (s *Service) ChangeExpiration(ctx context.Context, repo *models.Repository, name string, expiration *time.Time) (sql.NullInt64, error) {
	if err := checkWritable(repo); err != nil {
		return sql.NullInt64{}, err
	}

	var previous sql.NullInt64
	err := datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		ts := tagStoreConstructor(tx)
		t, err := ts.FindAlive(ctx, repo.ID, name, s.NowMs())
		if err != nil {
			return err
		}
		if t == nil {
			return ErrTagUnknown
		}

		var end sql.NullInt64
		if expiration != nil {
			end = sql.NullInt64{Int64: internal.UnixMs(*expiration), Valid: true}
			if end.Int64 <= t.LifetimeStartMs {
				return ErrInvalidExpiration
			}
		}

		previous = t.LifetimeEndMs
		ok, err := ts.SetLifetimeEnd(ctx, t, end)
		if err != nil {
			return err
		}
		if !ok {
			return datastore.ErrConcurrentUpdate
		}
		return nil
	})

	return previous, err
}
