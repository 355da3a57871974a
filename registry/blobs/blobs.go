// Package blobs implements blob uploads, cross repository mounts and blob lookups for pulls.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/blobs/internal/metrics"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/storage"
	"github.com/quay/quay-sub006/registry/storage/cache"
)

const (
	defaultTempLinkExpiration = 5 * time.Minute
	defaultCacheTTL           = time.Minute
	defaultDownloadURLExpiry  = 20 * time.Minute
)

var (
	// ErrBlobUnknown is returned when a blob is not pullable from a repository.
	ErrBlobUnknown = errors.New("blob unknown to registry")
	// ErrBlobUploadUnknown is returned when an upload session does not exist in a repository.
	ErrBlobUploadUnknown = errors.New("blob upload unknown to registry")
	// ErrDigestInvalid is returned when the uploaded content does not match the declared digest.
	ErrDigestInvalid = errors.New("provided digest did not match uploaded content")
	// ErrRepositoryNotWritable is returned for pushes to a read only repository or to one marked for deletion.
	ErrRepositoryNotWritable = errors.New("repository is not writable")
)

var (
	// for test purposes (mocking)
	blobStoreConstructor       = func(db datastore.Queryer) datastore.BlobStore { return datastore.NewBlobStore(db) }
	uploadStoreConstructor     = func(db datastore.Queryer) datastore.UploadStore { return datastore.NewUploadStore(db) }
	repositoryStoreConstructor = func(db datastore.Queryer) datastore.RepositoryStore { return datastore.NewRepositoryStore(db) }
)

// LayerTooLargeError is returned when an upload grows past the configured maximum layer size.
type LayerTooLargeError struct {
	Uploaded int64
	Max      int64
}

func (e LayerTooLargeError) Error() string {
	return fmt.Sprintf("uploaded blob is larger than allowed: %d > %d bytes", e.Uploaded, e.Max)
}

// RangeError is returned when a chunk does not start at the current end of the upload. ByteCount is the number of
// bytes the upload holds.
type RangeError struct {
	ByteCount int64
}

func (e RangeError) Error() string {
	return fmt.Sprintf("chunk does not start at the upload offset %d", e.ByteCount)
}

// ReadChecker decides whether a caller may pull from a repository.
type ReadChecker interface {
	CanRead(ctx context.Context, ac auth.AuthContext, repo *models.Repository) (bool, error)
}

// Replicator queues newly committed blobs for copying to the storage locations they are not placed on yet. The copy
// itself happens outside the registry.
type Replicator interface {
	QueueReplication(ctx context.Context, namespace string, blob *models.ImageStorage) error
}

// Config holds the blob service settings.
type Config struct {
	// MaxLayerSize is the largest blob accepted, in bytes. Zero disables the limit.
	MaxLayerSize int64
	// TempLinkExpiration protects committed and mounted blobs from garbage collection until a manifest references
	// them.
	TempLinkExpiration time.Duration
	// MountTempLinkExpiration overrides TempLinkExpiration for mounted blobs.
	MountTempLinkExpiration time.Duration
	// CacheTTL is how long repository blob lookups are cached.
	CacheTTL time.Duration
	// DownloadURLExpiry bounds the validity of direct download URLs.
	DownloadURLExpiry time.Duration
	// DirectDownloadDisabled streams every blob through the registry instead of redirecting to the storage backend.
	DirectDownloadDisabled bool
}

func (c *Config) applyDefaults() {
	if c.TempLinkExpiration <= 0 {
		c.TempLinkExpiration = defaultTempLinkExpiration
	}
	if c.MountTempLinkExpiration <= 0 {
		c.MountTempLinkExpiration = c.TempLinkExpiration
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.DownloadURLExpiry <= 0 {
		c.DownloadURLExpiry = defaultDownloadURLExpiry
	}
}

// Service implements the blob operations of the registry API.
type Service struct {
	db       datastore.Handler
	store    *storage.Store
	cache    cache.Cache
	checker  ReadChecker
	replicas Replicator
	clock    clock.Clock
	cfg      Config
	newUUID  func() string
	location string
}

// Option provides functional options for NewService.
type Option func(*Service)

// WithClock sets the clock temporary link expirations are derived from.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithCache caches repository blob lookups.
func WithCache(c cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithReadChecker sets the permission check used for mount sources the caller's token does not grant pull on.
func WithReadChecker(rc ReadChecker) Option {
	return func(s *Service) {
		s.checker = rc
	}
}

// WithReplicator queues every committed blob for replication.
func WithReplicator(r Replicator) Option {
	return func(s *Service) {
		s.replicas = r
	}
}

// NewService creates a new blob Service. New uploads are written to the preferred location of store.
func NewService(db datastore.Handler, store *storage.Store, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		db:       db,
		store:    store,
		clock:    clock.New(),
		cfg:      cfg,
		newUUID:  newUUID,
		location: store.PreferredLocation(),
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

// cachedBlob is the cached form of a repository blob lookup.
type cachedBlob struct {
	ID               int64         `json:"id"`
	UUID             string        `json:"uuid"`
	Digest           digest.Digest `json:"digest"`
	Size             int64         `json:"size"`
	UncompressedSize *int64        `json:"uncompressed_size,omitempty"`
	CASPath          bool          `json:"cas_path"`
	Locations        []string      `json:"locations"`
}

func toCached(b *models.ImageStorage) cachedBlob {
	cb := cachedBlob{
		ID:        b.ID,
		UUID:      b.UUID,
		Digest:    b.ContentChecksum,
		Size:      b.ImageSize,
		CASPath:   b.CASPath,
		Locations: b.Locations,
	}
	if b.UncompressedSize.Valid {
		v := b.UncompressedSize.Int64
		cb.UncompressedSize = &v
	}
	return cb
}

func (cb cachedBlob) model() *models.ImageStorage {
	b := &models.ImageStorage{
		ID:              cb.ID,
		UUID:            cb.UUID,
		ContentChecksum: cb.Digest,
		ImageSize:       cb.Size,
		CASPath:         cb.CASPath,
		Locations:       cb.Locations,
	}
	if cb.UncompressedSize != nil {
		b.UncompressedSize.Int64, b.UncompressedSize.Valid = *cb.UncompressedSize, true
	}
	return b
}

func cacheKey(repo *models.Repository, dgst digest.Digest) string {
	return cache.RepositoryBlobKey(repo.NamespaceName, repo.Name, dgst)
}

// Stat returns the blob dgst of repo if it can be pulled from there. Lookups are served from the cache when one is
// configured.
func (s *Service) Stat(ctx context.Context, repo *models.Repository, dgst digest.Digest) (*models.ImageStorage, error) {
	key := cacheKey(repo, dgst)
	if s.cache != nil {
		var cb cachedBlob
		found, err := cache.GetJSON(ctx, s.cache, key, &cb)
		if err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("reading repository blob from cache")
		}
		if found {
			return cb.model(), nil
		}
	}

	bs := blobStoreConstructor(s.db)
	b, err := bs.FindInRepository(ctx, repo.ID, dgst, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if b == nil && manifest.IsSpecialBlob(dgst) {
		// shared blobs are referenced by converted manifests without being linked to the repository
		if b, err = bs.FindByDigest(ctx, dgst); err != nil {
			return nil, err
		}
		if b != nil && len(b.Locations) == 0 {
			b = nil
		}
	}
	if b == nil {
		return nil, ErrBlobUnknown
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, toCached(b), s.cfg.CacheTTL); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Warn("caching repository blob")
		}
	}
	return b, nil
}

// Download is a blob ready to be served. Exactly one of RedirectURL and Reader is set.
type Download struct {
	Blob         *models.ImageStorage
	RedirectURL  string
	Reader       io.ReadCloser
	AcceptRanges bool
}

// Open prepares blob dgst of repo for download. A direct download URL is preferred when the storage location can
// issue one, otherwise the content is streamed from offset. The caller must close Reader.
func (s *Service) Open(ctx context.Context, ac auth.AuthContext, repo *models.Repository, dgst digest.Digest, clientIP string, offset int64) (*Download, error) {
	b, err := s.Stat(ctx, repo, dgst)
	if err != nil {
		return nil, err
	}

	p, err := storage.StoragePath(b.CASPath, b.ContentChecksum, b.UUID)
	if err != nil {
		return nil, err
	}
	d := &Download{Blob: b, AcceptRanges: s.store.SupportsResumableDownloads(b.Locations)}

	var u string
	if !s.cfg.DirectDownloadDisabled {
		if u, err = s.store.DirectDownloadURL(ctx, b.Locations, p, clientIP, s.cfg.DownloadURLExpiry); err != nil {
			return nil, err
		}
	}
	if u != "" {
		loggerFor(ctx, ac, repo).WithField("digest", dgst).Debug("redirecting blob download")
		d.RedirectURL = u
		metrics.BlobPulled(b.ImageSize)
		return d, nil
	}

	var rc io.ReadCloser
	err = s.store.ReadWithRetry(ctx, func() error {
		var err error
		rc, err = s.store.StreamRead(ctx, b.Locations, p, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.Reader = rc
	metrics.BlobPulled(b.ImageSize - offset)

	return d, nil
}

// Mount links blob dgst of the repository fromNamespace/fromName into repo without transferring bytes. The caller
// needs pull access on the source, either through its token or because the source is public. Mount never fails: any
// problem is logged and reported as a nil blob so that the caller falls through to a regular upload.
func (s *Service) Mount(ctx context.Context, ac auth.AuthContext, repo *models.Repository, dgst digest.Digest, fromNamespace, fromName string) *models.ImageStorage {
	log := loggerFor(ctx, ac, repo).WithFields(map[string]interface{}{
		"digest": dgst,
		"from":   fromNamespace + "/" + fromName,
	})

	b, err := s.mount(ctx, ac, repo, dgst, fromNamespace, fromName)
	if err != nil {
		log.WithError(err).Info("blob mount failed, falling through to upload")
		metrics.Mount(false)
		return nil
	}
	if b == nil {
		log.Debug("blob not mountable, falling through to upload")
		metrics.Mount(false)
		return nil
	}

	log.Info("blob mounted")
	metrics.Mount(true)
	return b
}

func (s *Service) mount(ctx context.Context, ac auth.AuthContext, repo *models.Repository, dgst digest.Digest, fromNamespace, fromName string) (*models.ImageStorage, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}
	if err := dgst.Validate(); err != nil {
		return nil, err
	}

	from, err := repositoryStoreConstructor(s.db).FindByPath(ctx, fromNamespace, fromName)
	if err != nil || from == nil {
		return nil, err
	}
	if from.State == models.RepositoryStateMarkedForDeletion {
		return nil, nil
	}

	allowed := ac.Can(from.Path(), auth.ActionPull) || from.Visibility == models.VisibilityPublic
	if !allowed && s.checker != nil {
		if allowed, err = s.checker.CanRead(ctx, ac, from); err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, nil
	}

	b, err := s.Stat(ctx, from, dgst)
	if err != nil {
		if errors.Is(err, ErrBlobUnknown) {
			return nil, nil
		}
		return nil, err
	}

	err = datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		// the source may have lost the blob since the cached lookup
		fresh, err := blobStoreConstructor(tx).FindInRepository(ctx, from.ID, dgst, s.clock.Now())
		if err != nil {
			return err
		}
		if fresh == nil {
			return ErrBlobUnknown
		}
		b = fresh
		_, err = blobStoreConstructor(tx).LinkToRepository(ctx, repo.ID, b.ID, s.clock.Now().Add(s.cfg.MountTempLinkExpiration))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrBlobUnknown) {
			return nil, nil
		}
		return nil, err
	}

	return b, nil
}
