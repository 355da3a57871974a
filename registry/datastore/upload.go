package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// UploadReader is the interface that defines read operations for a blob upload store.
type UploadReader interface {
	FindByUUID(ctx context.Context, repositoryID int64, uuid string) (*models.BlobUpload, error)
	FindStale(ctx context.Context, before time.Time, limit int) ([]*models.BlobUpload, error)
}

// UploadWriter is the interface that defines write operations for a blob upload store.
type UploadWriter interface {
	Create(ctx context.Context, u *models.BlobUpload) error
	Update(ctx context.Context, u *models.BlobUpload) error
	Delete(ctx context.Context, id int64) error
}

// UploadStore is the interface that a blob upload store should conform to.
type UploadStore interface {
	UploadReader
	UploadWriter
}

// uploadStore is the concrete implementation of an UploadStore.
type uploadStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewUploadStore builds a new uploadStore.
func NewUploadStore(db Queryer) *uploadStore {
	return &uploadStore{db: db}
}

const uploadColumns = `u.id,
			u.uuid,
			u.repository_id,
			l.name,
			u.byte_count,
			u.uncompressed_byte_count,
			u.chunk_count,
			u.sha_state,
			u.storage_metadata,
			u.created_at`

func scanUpload(sc scanner) (*models.BlobUpload, error) {
	u := new(models.BlobUpload)
	err := sc.Scan(&u.ID, &u.UUID, &u.RepositoryID, &u.Location, &u.ByteCount, &u.UncompressedByteCount, &u.ChunkCount,
		&u.ShaState, &u.StorageMetadata, &u.CreatedAt)
	return u, err
}

// FindByUUID finds an in-progress upload of a repository.
func (s *uploadStore) FindByUUID(ctx context.Context, repositoryID int64, uuid string) (*models.BlobUpload, error) {
	defer metrics.InstrumentQuery("upload_find_by_uuid")()
	q := `SELECT ` + uploadColumns + `
		FROM
			blob_uploads AS u
			JOIN image_storage_locations AS l ON l.id = u.location_id
		WHERE
			u.repository_id = $1
			AND u.uuid = $2`

	u, err := scanUpload(s.db.QueryRowContext(ctx, q, repositoryID, uuid))
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning blob upload: %w", err)
		}
		return nil, nil
	}

	return u, nil
}

// FindStale finds up to limit uploads created before the given time, oldest first.
func (s *uploadStore) FindStale(ctx context.Context, before time.Time, limit int) ([]*models.BlobUpload, error) {
	defer metrics.InstrumentQuery("upload_find_stale")()
	q := `SELECT ` + uploadColumns + `
		FROM
			blob_uploads AS u
			JOIN image_storage_locations AS l ON l.id = u.location_id
		WHERE
			u.created_at < $1
		ORDER BY
			u.created_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, before, limit)
	if err != nil {
		return nil, fmt.Errorf("finding stale blob uploads: %w", err)
	}
	defer rows.Close()

	uu := make([]*models.BlobUpload, 0)
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blob upload: %w", err)
		}
		uu = append(uu, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning blob uploads: %w", err)
	}

	return uu, nil
}

// Create saves a new upload. The location must exist.
func (s *uploadStore) Create(ctx context.Context, u *models.BlobUpload) error {
	defer metrics.InstrumentQuery("upload_create")()
	q := `INSERT INTO blob_uploads (uuid, repository_id, location_id, byte_count, uncompressed_byte_count, chunk_count,
			sha_state, storage_metadata)
			SELECT
				$1, $2, id, $4, $5, $6, $7, $8
			FROM
				image_storage_locations
			WHERE
				name = $3
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, u.UUID, u.RepositoryID, u.Location, u.ByteCount, u.UncompressedByteCount,
		u.ChunkCount, u.ShaState, u.StorageMetadata)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("storage location %q %w", u.Location, ErrNotFound)
		}
		return fmt.Errorf("creating blob upload: %w", err)
	}

	return nil
}

// Update persists the progress of an upload: byte counts, chunk count, digest state and storage metadata.
func (s *uploadStore) Update(ctx context.Context, u *models.BlobUpload) error {
	defer metrics.InstrumentQuery("upload_update")()
	q := `UPDATE
			blob_uploads
		SET
			byte_count = $1,
			uncompressed_byte_count = $2,
			chunk_count = $3,
			sha_state = $4,
			storage_metadata = $5
		WHERE
			id = $6`

	res, err := s.db.ExecContext(ctx, q, u.ByteCount, u.UncompressedByteCount, u.ChunkCount, u.ShaState, u.StorageMetadata, u.ID)
	if err != nil {
		return fmt.Errorf("updating blob upload: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("updating blob upload: %w", err)
	} else if n == 0 {
		return fmt.Errorf("updating blob upload: %w", ErrUploadNotFound)
	}

	return nil
}

// Delete removes an upload. Deleting an upload that no longer exists is not an error.
func (s *uploadStore) Delete(ctx context.Context, id int64) error {
	defer metrics.InstrumentQuery("upload_delete")()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM blob_uploads WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting blob upload: %w", err)
	}

	return nil
}
