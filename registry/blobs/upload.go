package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/blobs/internal/metrics"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/gc/worker"
	"github.com/quay/quay-sub006/registry/storage"
)

var _ worker.UploadSweeper = (*Service)(nil)

func newUUID() string {
	return uuid.NewString()
}

// Range is the inclusive byte range a chunk declares through its Content-Range header.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// StartUpload opens a new upload session in repo.
func (s *Service) StartUpload(ctx context.Context, ac auth.AuthContext, repo *models.Repository) (*models.BlobUpload, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}

	u := &models.BlobUpload{
		UUID:         s.newUUID(),
		RepositoryID: repo.ID,
		Location:     s.location,
	}
	if err := uploadStoreConstructor(s.db).Create(ctx, u); err != nil {
		return nil, err
	}

	loggerFor(ctx, ac, repo).WithField("upload_uuid", u.UUID).Info("blob upload started")
	return u, nil
}

// GetUpload returns the upload session id of repo.
func (s *Service) GetUpload(ctx context.Context, _ auth.AuthContext, repo *models.Repository, id string) (*models.BlobUpload, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrBlobUploadUnknown
	}
	u, err := uploadStoreConstructor(s.db).FindByUUID(ctx, repo.ID, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrBlobUploadUnknown
	}
	return u, nil
}

// limitedReader fails once more than n bytes have been read.
type limitedReader struct {
	r        io.Reader
	n        int64
	read     int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.n {
		l.exceeded = true
		return n, errLimitExceeded
	}
	return n, err
}

var errLimitExceeded = errors.New("upload size limit exceeded")

// AppendChunk appends the content of r to upload id of repo. When rng is set the chunk must start at the current
// size of the upload, otherwise a RangeError is returned. The running digest state and the storage resume token are
// persisted after the chunk is written. The database is not held while the chunk is streamed to storage.
func (s *Service) AppendChunk(ctx context.Context, ac auth.AuthContext, repo *models.Repository, id string, rng *Range, r io.Reader) (*models.BlobUpload, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}
	u, err := s.GetUpload(ctx, ac, repo, id)
	if err != nil {
		return nil, err
	}
	if err := s.appendChunk(ctx, ac, repo, u, rng, r); err != nil {
		return u, err
	}
	return u, nil
}

func (s *Service) appendChunk(ctx context.Context, ac auth.AuthContext, repo *models.Repository, u *models.BlobUpload, rng *Range, r io.Reader) error {
	log := loggerFor(ctx, ac, repo).WithFields(map[string]interface{}{
		"upload_uuid": u.UUID,
		"byte_count":  u.ByteCount,
	})

	if rng != nil {
		if rng.Start != u.ByteCount || rng.End < rng.Start-1 {
			return RangeError{ByteCount: u.ByteCount}
		}
		if s.cfg.MaxLayerSize > 0 && rng.End+1 > s.cfg.MaxLayerSize {
			return LayerTooLargeError{Uploaded: rng.End + 1, Max: s.cfg.MaxLayerSize}
		}
		if rng.Length() == 0 {
			return nil
		}
		r = io.LimitReader(r, rng.Length())
	}

	d, err := storage.RestoreDigester(u.ShaState)
	if err != nil {
		return err
	}

	var limited *limitedReader
	if s.cfg.MaxLayerSize > 0 {
		limited = &limitedReader{r: r, n: s.cfg.MaxLayerSize - u.ByteCount}
		r = limited
	}

	done := metrics.ChunkUpload(u.Location)
	offset, token, err := s.store.StreamWriteChunk(ctx, []string{u.Location}, storage.UploadPath(u.UUID), u.ByteCount,
		io.TeeReader(r, d), u.StorageMetadata)
	if err != nil {
		if limited != nil && limited.exceeded {
			return LayerTooLargeError{Uploaded: u.ByteCount + limited.read, Max: s.cfg.MaxLayerSize}
		}
		log.WithError(err).Error("writing upload chunk")
		return fmt.Errorf("writing upload chunk: %w", err)
	}
	written := offset - u.ByteCount
	done(written)

	state, err := d.State()
	if err != nil {
		return err
	}

	if written > 0 {
		u.ChunkCount++
	}
	u.ByteCount = offset
	u.ShaState = state
	u.StorageMetadata = token

	if err := uploadStoreConstructor(s.db).Update(ctx, u); err != nil {
		if errors.Is(err, datastore.ErrUploadNotFound) {
			return ErrBlobUploadUnknown
		}
		return err
	}

	log.WithField("written", written).Debug("upload chunk written")
	return nil
}

// CommitUpload finishes upload id of repo as blob dgst. The upload content must hash to dgst, otherwise the upload is
// cancelled and ErrDigestInvalid returned. The committed blob is placed on the upload's location and linked to repo
// so that garbage collection leaves it alone until a manifest references it.
func (s *Service) CommitUpload(ctx context.Context, ac auth.AuthContext, repo *models.Repository, id string, dgst digest.Digest, last io.Reader, rng *Range) (*models.ImageStorage, error) {
	if err := checkWritable(repo); err != nil {
		return nil, err
	}
	u, err := s.GetUpload(ctx, ac, repo, id)
	if err != nil {
		return nil, err
	}

	if last != nil {
		if err := s.appendChunk(ctx, ac, repo, u, rng, last); err != nil {
			return nil, err
		}
	}

	b, err := s.commit(ctx, ac, repo, u, dgst)
	if err != nil {
		if errors.Is(err, ErrDigestInvalid) {
			if cerr := s.cancel(ctx, u); cerr != nil {
				loggerFor(ctx, ac, repo).WithError(cerr).Warn("cancelling upload after digest mismatch")
			}
		}
		return nil, err
	}
	return b, nil
}

func (s *Service) commit(ctx context.Context, ac auth.AuthContext, repo *models.Repository, u *models.BlobUpload, dgst digest.Digest) (*models.ImageStorage, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDigestInvalid, err)
	}
	d, err := storage.RestoreDigester(u.ShaState)
	if err != nil {
		return nil, err
	}
	computed := d.Digest()
	if computed != dgst {
		loggerFor(ctx, ac, repo).WithFields(map[string]interface{}{
			"upload_uuid": u.UUID,
			"expected":    dgst,
			"computed":    computed,
		}).Warn("upload digest mismatch")
		return nil, ErrDigestInvalid
	}

	finalPath, err := storage.BlobPath(computed)
	if err != nil {
		return nil, err
	}
	locations := []string{u.Location}
	uploadPath := storage.UploadPath(u.UUID)

	// storage is finalized outside of the transaction
	exists, err := s.store.Exists(ctx, locations, finalPath)
	if err != nil {
		return nil, err
	}
	if exists {
		err = s.store.CancelChunkedUpload(ctx, locations, uploadPath)
	} else {
		err = s.store.CompleteChunkedUpload(ctx, locations, uploadPath, u.StorageMetadata, finalPath)
	}
	if err != nil {
		return nil, err
	}

	b := &models.ImageStorage{
		UUID:            s.newUUID(),
		ContentChecksum: computed,
		ImageSize:       u.ByteCount,
		CASPath:         true,
	}
	if u.ChunkCount <= 1 {
		b.UncompressedSize = u.UncompressedByteCount
	}

	err = datastore.WithTransaction(ctx, s.db, func(tx datastore.Transactor) error {
		bs := blobStoreConstructor(tx)
		if err := bs.CreateOrUpdate(ctx, b); err != nil {
			return err
		}
		if err := bs.AddPlacement(ctx, b.ID, u.Location); err != nil {
			return err
		}
		if _, err := bs.LinkToRepository(ctx, repo.ID, b.ID, s.clock.Now().Add(s.cfg.TempLinkExpiration)); err != nil {
			return err
		}
		locs, err := bs.Locations(ctx, b.ID)
		if err != nil {
			return err
		}
		b.Locations = locs
		return uploadStoreConstructor(tx).Delete(ctx, u.ID)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, cacheKey(repo, computed))
	}

	loggerFor(ctx, ac, repo).WithFields(map[string]interface{}{
		"upload_uuid":    u.UUID,
		"digest":         computed,
		"size":           b.ImageSize,
		"already_stored": exists,
	}).Info("blob upload committed")

	if s.replicas != nil {
		if err := s.replicas.QueueReplication(ctx, repo.NamespaceName, b); err != nil {
			loggerFor(ctx, ac, repo).WithError(err).WithField("digest", computed).Error("queueing blob replication")
		}
	}

	return b, nil
}

// CancelUpload discards upload id of repo along with the data written so far.
func (s *Service) CancelUpload(ctx context.Context, ac auth.AuthContext, repo *models.Repository, id string) error {
	u, err := s.GetUpload(ctx, ac, repo, id)
	if err != nil {
		return err
	}
	if err := s.cancel(ctx, u); err != nil {
		return err
	}
	loggerFor(ctx, ac, repo).WithField("upload_uuid", u.UUID).Info("blob upload cancelled")
	return nil
}

func (s *Service) cancel(ctx context.Context, u *models.BlobUpload) error {
	if err := s.store.CancelChunkedUpload(ctx, []string{u.Location}, storage.UploadPath(u.UUID)); err != nil {
		return err
	}
	return uploadStoreConstructor(s.db).Delete(ctx, u.ID)
}

// MonolithicUpload uploads the content of r as blob dgst in a single step. The upload session is discarded if the
// blob cannot be committed.
func (s *Service) MonolithicUpload(ctx context.Context, ac auth.AuthContext, repo *models.Repository, dgst digest.Digest, rng *Range, r io.Reader) (*models.ImageStorage, error) {
	u, err := s.StartUpload(ctx, ac, repo)
	if err != nil {
		return nil, err
	}

	b, err := func() (*models.ImageStorage, error) {
		if err := s.appendChunk(ctx, ac, repo, u, rng, r); err != nil {
			return nil, err
		}
		return s.commit(ctx, ac, repo, u, dgst)
	}()
	if err != nil {
		if cerr := s.cancel(ctx, u); cerr != nil {
			loggerFor(ctx, ac, repo).WithError(cerr).Warn("cancelling failed monolithic upload")
		}
		return nil, err
	}
	return b, nil
}

// SweepStaleUploads cancels up to limit upload sessions created before before, removing their partial data.
func (s *Service) SweepStaleUploads(ctx context.Context, before time.Time, limit int) (int, error) {
	uu, err := uploadStoreConstructor(s.db).FindStale(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	var (
		result *multierror.Error
		n      int
	)
	for _, u := range uu {
		if err := s.cancel(ctx, u); err != nil {
			result = multierror.Append(result, fmt.Errorf("cancelling upload %q: %w", u.UUID, err))
			continue
		}
		n++
	}

	if n > 0 {
		dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
			"count":  n,
			"before": before,
		}).Info("stale blob uploads cancelled")
	}
	return n, result.ErrorOrNil()
}
