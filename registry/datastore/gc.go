package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// RepositoryPurgeTables are the repository scoped tables emptied in chunks before a repository row is deleted.
var RepositoryPurgeTables = []string{
	"repository_permissions",
	"repository_action_counts",
	"repository_stars",
	"repository_notifications",
	"blob_uploads",
	"repository_mirrors",
}

// GCStore is the interface that defines the reference checks and deletions performed by the garbage collector.
type GCStore interface {
	LockBlob(ctx context.Context, id int64) (*models.ImageStorage, error)
	BlobIsOrphan(ctx context.Context, id int64) (bool, error)
	DeleteBlob(ctx context.Context, id int64) ([]string, error)
	FindUploadedBlobs(ctx context.Context, repositoryID int64, expiredBefore time.Time, limit int) ([]*models.UploadedBlob, error)
	DeleteUploadedBlob(ctx context.Context, id int64) error
	DeleteRepositoryRows(ctx context.Context, table string, repositoryID int64, limit int) (int64, error)
}

// gcStore is the concrete implementation of a GCStore.
type gcStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewGCStore builds a new gcStore.
func NewGCStore(db Queryer) *gcStore {
	return &gcStore{db: db}
}

// LockBlob loads a blob and locks its row until the enclosing transaction ends. Returns nil if the blob no longer
// exists.
func (s *gcStore) LockBlob(ctx context.Context, id int64) (*models.ImageStorage, error) {
	defer metrics.InstrumentQuery("gc_lock_blob")()
	q := `SELECT ` + blobColumns + `
		FROM
			image_storages AS b
		WHERE
			b.id = $1
		FOR UPDATE OF b`

	return scanFullBlob(s.db.QueryRowContext(ctx, q, id))
}

// BlobIsOrphan reports whether no manifest and no temporary repository link references a blob.
func (s *gcStore) BlobIsOrphan(ctx context.Context, id int64) (bool, error) {
	defer metrics.InstrumentQuery("gc_blob_is_orphan")()
	q := `SELECT
			NOT EXISTS (
				SELECT
					1
				FROM
					manifest_blobs
				WHERE
					blob_id = $1)
			AND NOT EXISTS (
				SELECT
					1
				FROM
					uploaded_blobs
				WHERE
					blob_id = $1)`

	var orphan bool
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&orphan); err != nil {
		return false, fmt.Errorf("checking blob references: %w", err)
	}

	return orphan, nil
}

// DeleteBlob deletes a blob and its placements. The names of the locations the blob was placed on are returned.
func (s *gcStore) DeleteBlob(ctx context.Context, id int64) ([]string, error) {
	defer metrics.InstrumentQuery("gc_delete_blob")()
	q := `WITH deleted AS (
			DELETE FROM image_storage_placements
			WHERE blob_id = $1
			RETURNING
				location_id
		)
		SELECT
			l.name
		FROM
			deleted AS d
			JOIN image_storage_locations AS l ON l.id = d.location_id
		ORDER BY
			l.id`

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("deleting blob placements: %w", err)
	}
	defer rows.Close()

	locations := make([]string, 0)
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scanning blob placement: %w", err)
		}
		locations = append(locations, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning blob placements: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM image_storages WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("deleting blob: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("deleting blob: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("deleting blob: %w", ErrBlobNotFound)
	}

	return locations, nil
}

// FindUploadedBlobs returns up to limit temporary blob links of a repository that expired before expiredBefore.
func (s *gcStore) FindUploadedBlobs(ctx context.Context, repositoryID int64, expiredBefore time.Time, limit int) ([]*models.UploadedBlob, error) {
	defer metrics.InstrumentQuery("gc_find_uploaded_blobs")()
	q := `SELECT
			id,
			repository_id,
			blob_id,
			uploaded_at,
			expires_at
		FROM
			uploaded_blobs
		WHERE
			repository_id = $1
			AND expires_at <= $2
		ORDER BY
			id
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, expiredBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("finding uploaded blobs: %w", err)
	}
	defer rows.Close()

	uu := make([]*models.UploadedBlob, 0)
	for rows.Next() {
		u := new(models.UploadedBlob)
		if err := rows.Scan(&u.ID, &u.RepositoryID, &u.BlobID, &u.UploadedAt, &u.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning uploaded blob: %w", err)
		}
		uu = append(uu, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning uploaded blobs: %w", err)
	}

	return uu, nil
}

// DeleteUploadedBlob removes a temporary blob link.
func (s *gcStore) DeleteUploadedBlob(ctx context.Context, id int64) error {
	defer metrics.InstrumentQuery("gc_delete_uploaded_blob")()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM uploaded_blobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting uploaded blob: %w", err)
	}

	return nil
}

// DeleteRepositoryRows deletes up to limit rows of a repository from one of RepositoryPurgeTables. Returns the number
// of rows deleted.
func (s *gcStore) DeleteRepositoryRows(ctx context.Context, table string, repositoryID int64, limit int) (int64, error) {
	defer metrics.InstrumentQuery("gc_delete_repository_rows")()

	known := false
	for _, t := range RepositoryPurgeTables {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return 0, fmt.Errorf("table %q is not repository scoped", table)
	}

	q := fmt.Sprintf(`DELETE FROM %s
		WHERE id IN (
				SELECT
					id
				FROM
					%s
				WHERE
					repository_id = $1
				LIMIT $2)`, table, table)

	res, err := s.db.ExecContext(ctx, q, repositoryID, limit)
	if err != nil {
		return 0, fmt.Errorf("deleting %s rows: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting %s rows: %w", table, err)
	}

	return n, nil
}
