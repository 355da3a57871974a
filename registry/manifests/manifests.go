// Package manifests stores, validates and serves image manifests. Manifests are kept in the metadata store only,
// together with their references to blobs, child manifests and labels.
package manifests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/internal"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/quay/quay-sub006/registry/storage/cache"
	"github.com/quay/quay-sub006/registry/tags"
)

const (
	defaultTempTagExpiration = 5 * time.Minute
	defaultCacheTTL          = time.Hour
)

var (
	// ErrManifestUnknown is returned when a manifest cannot be found in a repository.
	ErrManifestUnknown = errors.New("manifest unknown")
	// ErrRepositoryNotWritable is returned for pushes to a read only repository or to one marked for deletion.
	ErrRepositoryNotWritable = errors.New("repository is not writable")
)

var (
	// for test purposes (mocking)
	manifestStoreConstructor = func(db datastore.Queryer) datastore.ManifestStore { return datastore.NewManifestStore(db) }
	blobStoreConstructor     = func(db datastore.Queryer) datastore.BlobStore { return datastore.NewBlobStore(db) }
	labelStoreConstructor    = func(db datastore.Queryer) datastore.LabelStore { return datastore.NewLabelStore(db) }
)

// InvalidError is returned when a pushed manifest is malformed, fails validation or does not match the request.
type InvalidError struct {
	Reason string
}

func (e InvalidError) Error() string {
	return "manifest invalid: " + e.Reason
}

// BlobUnknownError is returned when a manifest references a blob the repository does not hold.
type BlobUnknownError struct {
	Digest digest.Digest
}

func (e BlobUnknownError) Error() string {
	return fmt.Sprintf("manifest references unknown blob %s", e.Digest)
}

// Config holds the manifest service settings.
type Config struct {
	// TempTagExpiration is how long manifests pushed without a tag are protected from garbage collection.
	TempTagExpiration time.Duration
	// CacheTTL is how long converted manifests are cached.
	CacheTTL time.Duration
	// SigningKey signs manifests converted to schema 1. Unsigned schema 1 manifests are served when nil.
	SigningKey libtrust.PrivateKey
}

func (c *Config) applyDefaults() {
	if c.TempTagExpiration <= 0 {
		c.TempTagExpiration = defaultTempTagExpiration
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
}

// Service implements the manifest operations of the registry API.
type Service struct {
	db    datastore.Handler
	store *storage.Store
	tags  *tags.Service
	quota *quota.Engine
	cache cache.Cache
	clock clock.Clock
	cfg   Config
}

// Option provides functional options for NewService.
type Option func(*Service)

// WithClock sets the clock temporary links are evaluated against.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithCache enables caching of converted manifests.
func WithCache(c cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithQuota enables quota enforcement and accounting on manifest creation.
func WithQuota(e *quota.Engine) Option {
	return func(s *Service) {
		s.quota = e
	}
}

// NewService creates a new manifest Service. Tags created and expired on behalf of manifests go through ts.
func NewService(db datastore.Handler, store *storage.Store, ts *tags.Service, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		db:    db,
		store: store,
		tags:  ts,
		clock: clock.New(),
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkWritable(repo *models.Repository) error {
	switch repo.State {
	case models.RepositoryStateReadOnly, models.RepositoryStateMarkedForDeletion:
		return ErrRepositoryNotWritable
	}
	return nil
}

func loggerFor(ctx context.Context, ac auth.AuthContext, repo *models.Repository) dcontext.Logger {
	return dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"auth.user.name": ac.Subject(),
		"repository":     repo.Path(),
	})
}

func repositoryLogger(ctx context.Context, repo *models.Repository) dcontext.Logger {
	return dcontext.GetLoggerWithField(ctx, "repository", repo.Path())
}

func (s *Service) nowMs() int64 {
	return internal.NowMs(s.clock)
}

// Lookup returns the manifest dgst of repo if an alive tag, hidden or not, references it directly or through a
// manifest list.
func (s *Service) Lookup(ctx context.Context, repo *models.Repository, dgst digest.Digest) (*models.Manifest, error) {
	m, err := manifestStoreConstructor(s.db).FindAlive(ctx, repo.ID, dgst, s.nowMs(), true)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrManifestUnknown
	}
	return m, nil
}

// Delete expires every visible tag of repo pointing at manifest dgst. The manifest itself is left to the garbage
// collector. ErrManifestUnknown is returned when no tag pointed at the manifest.
func (s *Service) Delete(ctx context.Context, ac auth.AuthContext, repo *models.Repository, dgst digest.Digest) (models.Tags, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}

	m, err := s.Lookup(ctx, repo, dgst)
	if err != nil {
		return nil, err
	}

	deleted, err := s.tags.DeleteForManifest(ctx, repo, m)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, ErrManifestUnknown
	}

	names := make([]string, 0, len(deleted))
	for _, t := range deleted {
		names = append(names, t.Name)
	}
	loggerFor(ctx, ac, repo).WithFields(map[string]interface{}{
		"digest": dgst,
		"tags":   names,
	}).Info("manifest deleted")

	return deleted, nil
}

// annotated is implemented by the manifest variants that carry annotations.
type annotated interface {
	Annotations() map[string]string
}

// Referrers returns the OCI index listing the manifests of repo whose subject is dgst. An empty artifactType matches
// every referrer.
func (s *Service) Referrers(ctx context.Context, repo *models.Repository, dgst digest.Digest, artifactType string) ([]byte, error) {
	mm, err := manifestStoreConstructor(s.db).Referrers(ctx, repo.ID, dgst, artifactType)
	if err != nil {
		return nil, err
	}

	descriptors := make([]v1.Descriptor, 0, len(mm))
	for _, m := range mm {
		d := v1.Descriptor{
			MediaType: m.MediaType,
			Digest:    m.Digest,
			Size:      int64(len(m.Bytes)),
		}
		switch {
		case m.ArtifactType.Valid:
			d.ArtifactType = m.ArtifactType.String
		case m.ConfigMediaType.Valid:
			d.ArtifactType = m.ConfigMediaType.String
		}
		if parsed, err := manifest.Parse(m.MediaType, m.Bytes); err == nil {
			if a, ok := parsed.(annotated); ok {
				d.Annotations = a.Annotations()
			}
		} else {
			dcontext.GetLogger(ctx).WithError(err).WithField("digest", m.Digest).Warn("parsing stored referrer")
		}
		descriptors = append(descriptors, d)
	}

	return manifest.BuildReferrersIndex(descriptors)
}

// convertedManifest is the cached result of a manifest conversion.
type convertedManifest struct {
	MediaType string `json:"media_type"`
	Bytes     []byte `json:"bytes"`
}

func (s *Service) cachedConversion(ctx context.Context, key string) (*convertedManifest, bool) {
	if s.cache == nil {
		return nil, false
	}
	var cm convertedManifest
	found, err := cache.GetJSON(ctx, s.cache, key, &cm)
	if err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("reading converted manifest from cache")
		return nil, false
	}
	return &cm, found
}

func (s *Service) cacheConversion(ctx context.Context, key string, cm *convertedManifest) {
	if s.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.cache, key, cm, s.cfg.CacheTTL); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("caching converted manifest")
	}
}
