package manifests

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/storage"
)

// repositoryRetriever loads manifests and blobs of a single repository.
type repositoryRetriever struct {
	s    *Service
	repo *models.Repository
}

var _ manifest.ContentRetriever = (*repositoryRetriever)(nil)

// Retriever returns a content retriever scoped to repo.
func (s *Service) Retriever(repo *models.Repository) manifest.ContentRetriever {
	return &repositoryRetriever{s: s, repo: repo}
}

func (r *repositoryRetriever) GetManifestBytesWithDigest(ctx context.Context, d digest.Digest) ([]byte, error) {
	m, err := manifestStoreConstructor(r.s.db).FindByDigest(ctx, r.repo.ID, d)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("manifest %s: %w", d, ErrManifestUnknown)
	}
	return m.Bytes, nil
}

func (r *repositoryRetriever) GetBlobBytesWithDigest(ctx context.Context, d digest.Digest) ([]byte, error) {
	b, err := blobStoreConstructor(r.s.db).FindInRepository(ctx, r.repo.ID, d, r.s.clock.Now())
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, BlobUnknownError{Digest: d}
	}
	return r.s.readBlob(ctx, b)
}

func (s *Service) readBlob(ctx context.Context, b *models.ImageStorage) ([]byte, error) {
	p, err := storage.StoragePath(b.CASPath, b.ContentChecksum, b.UUID)
	if err != nil {
		return nil, err
	}

	var content []byte
	err = s.store.ReadWithRetry(ctx, func() error {
		var err error
		content, err = s.store.GetContent(ctx, b.Locations, p)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", b.ContentChecksum, err)
	}
	return content, nil
}

// sharedBlob returns the registry wide blob d, writing it to the preferred storage location first if it is not
// stored yet. Only blobs listed in manifest.SpecialBlobs can be provisioned this way.
func (s *Service) sharedBlob(ctx context.Context, d digest.Digest) (*models.ImageStorage, error) {
	content, ok := manifest.SpecialBlobs[d]
	if !ok {
		return nil, fmt.Errorf("blob %s is not a shared blob", d)
	}

	b, err := blobStoreConstructor(s.db).FindByDigest(ctx, d)
	if err != nil {
		return nil, err
	}
	if b != nil && len(b.Locations) > 0 {
		return b, nil
	}

	p, err := storage.BlobPath(d)
	if err != nil {
		return nil, err
	}
	location := s.store.PreferredLocation()
	if err := s.store.PutContent(ctx, []string{location}, p, content); err != nil {
		return nil, err
	}

	b = &models.ImageStorage{
		UUID:            uuid.NewString(),
		ContentChecksum: d,
		ImageSize:       int64(len(content)),
		CASPath:         true,
	}
	err = datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		bs := blobStoreConstructor(tx)
		if err := bs.CreateOrUpdate(ctx, b); err != nil {
			return err
		}
		if err := bs.AddPlacement(ctx, b.ID, location); err != nil {
			return err
		}
		locs, err := bs.Locations(ctx, b.ID)
		b.Locations = locs
		return err
	})
	if err != nil {
		return nil, err
	}

	dcontext.GetLoggerWithField(ctx, "digest", d).Info("provisioned shared blob")
	return b, nil
}
