package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// BlobReader is the interface that defines read operations for a blob store.
type BlobReader interface {
	FindByID(ctx context.Context, id int64) (*models.ImageStorage, error)
	FindByDigest(ctx context.Context, d digest.Digest) (*models.ImageStorage, error)
	FindInRepository(ctx context.Context, repositoryID int64, d digest.Digest, now time.Time) (*models.ImageStorage, error)
	Locations(ctx context.Context, blobID int64) ([]string, error)
	ChecksumExists(ctx context.Context, d digest.Digest) (bool, error)
}

// BlobWriter is the interface that defines write operations for a blob store.
type BlobWriter interface {
	CreateOrUpdate(ctx context.Context, b *models.ImageStorage) error
	EnsureLocations(ctx context.Context, names ...string) error
	AddPlacement(ctx context.Context, blobID int64, location string) error
	LinkToRepository(ctx context.Context, repositoryID, blobID int64, expiresAt time.Time) (*models.UploadedBlob, error)
}

// BlobStore is the interface that a blob store should conform to.
type BlobStore interface {
	BlobReader
	BlobWriter
}

// blobStore is the concrete implementation of a BlobStore.
type blobStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewBlobStore builds a new blobStore.
func NewBlobStore(db Queryer) *blobStore {
	return &blobStore{db: db}
}

// placement location names are aggregated into a comma separated list, ordered by location ID.
const blobColumns = `b.id,
			b.uuid,
			b.content_checksum,
			b.image_size,
			b.uncompressed_size,
			b.cas_path,
			b.uploading,
			b.created_at,
			COALESCE((
				SELECT
					string_agg(l.name, ',' ORDER BY l.id)
				FROM
					image_storage_placements AS p
					JOIN image_storage_locations AS l ON l.id = p.location_id
				WHERE
					p.blob_id = b.id), '')`

func scanBlob(sc scanner) (*models.ImageStorage, error) {
	b := new(models.ImageStorage)
	var locations string
	if err := sc.Scan(&b.ID, &b.UUID, &b.ContentChecksum, &b.ImageSize, &b.UncompressedSize, &b.CASPath, &b.Uploading,
		&b.CreatedAt, &locations); err != nil {
		return nil, err
	}
	b.Locations = make([]string, 0)
	if locations != "" {
		b.Locations = strings.Split(locations, ",")
	}

	return b, nil
}

func scanFullBlob(row *sql.Row) (*models.ImageStorage, error) {
	b, err := scanBlob(row)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning blob: %w", err)
		}
		return nil, nil
	}

	return b, nil
}

func scanFullBlobs(rows *sql.Rows) (models.ImageStorages, error) {
	bb := make(models.ImageStorages, 0)
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blob: %w", err)
		}
		bb = append(bb, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning blobs: %w", err)
	}

	return bb, nil
}

// FindByID finds a blob by ID.
func (s *blobStore) FindByID(ctx context.Context, id int64) (*models.ImageStorage, error) {
	defer metrics.InstrumentQuery("blob_find_by_id")()
	q := `SELECT ` + blobColumns + `
		FROM
			image_storages AS b
		WHERE
			b.id = $1`

	return scanFullBlob(s.db.QueryRowContext(ctx, q, id))
}

// FindByDigest finds a blob by content checksum.
func (s *blobStore) FindByDigest(ctx context.Context, d digest.Digest) (*models.ImageStorage, error) {
	defer metrics.InstrumentQuery("blob_find_by_digest")()
	q := `SELECT ` + blobColumns + `
		FROM
			image_storages AS b
		WHERE
			b.content_checksum = $1`

	return scanFullBlob(s.db.QueryRowContext(ctx, q, d.String()))
}

// FindInRepository finds a pullable blob by digest within a repository. A blob belongs to a repository if a manifest
// of the repository references it or if an unexpired temporary link points at it. Blobs that are still uploading or
// that have no placement are ignored.
func (s *blobStore) FindInRepository(ctx context.Context, repositoryID int64, d digest.Digest, now time.Time) (*models.ImageStorage, error) {
	defer metrics.InstrumentQuery("blob_find_in_repository")()
	q := `SELECT ` + blobColumns + `
		FROM
			image_storages AS b
		WHERE
			b.content_checksum = $2
			AND NOT b.uploading
			AND EXISTS (
				SELECT
					1
				FROM
					image_storage_placements AS p
				WHERE
					p.blob_id = b.id)
			AND (EXISTS (
					SELECT
						1
					FROM
						manifest_blobs AS mb
					WHERE
						mb.repository_id = $1
						AND mb.blob_id = b.id)
				OR EXISTS (
					SELECT
						1
					FROM
						uploaded_blobs AS ub
					WHERE
						ub.repository_id = $1
						AND ub.blob_id = b.id
						AND ub.expires_at > $3))`

	return scanFullBlob(s.db.QueryRowContext(ctx, q, repositoryID, d.String(), now))
}

// Locations returns the names of the locations a blob is placed on.
func (s *blobStore) Locations(ctx context.Context, blobID int64) ([]string, error) {
	defer metrics.InstrumentQuery("blob_locations")()
	q := `SELECT
			l.name
		FROM
			image_storage_placements AS p
			JOIN image_storage_locations AS l ON l.id = p.location_id
		WHERE
			p.blob_id = $1
		ORDER BY
			l.id`

	rows, err := s.db.QueryContext(ctx, q, blobID)
	if err != nil {
		return nil, fmt.Errorf("finding blob locations: %w", err)
	}
	defer rows.Close()

	ll := make([]string, 0)
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scanning blob location: %w", err)
		}
		ll = append(ll, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning blob locations: %w", err)
	}

	return ll, nil
}

// ChecksumExists reports whether any blob row has content checksum d.
func (s *blobStore) ChecksumExists(ctx context.Context, d digest.Digest) (bool, error) {
	defer metrics.InstrumentQuery("blob_checksum_exists")()
	q := "SELECT EXISTS (SELECT 1 FROM image_storages WHERE content_checksum = $1)"

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, d.String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking blob checksum: %w", err)
	}

	return ok, nil
}

// CreateOrUpdate inserts a blob keyed by its content checksum. If a blob with the same checksum already exists its
// size is refreshed, it is flagged as no longer uploading and the existing row is loaded into b.
func (s *blobStore) CreateOrUpdate(ctx context.Context, b *models.ImageStorage) error {
	defer metrics.InstrumentQuery("blob_create_or_update")()
	q := `INSERT INTO image_storages (uuid, content_checksum, image_size, uncompressed_size, cas_path, uploading)
			VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (content_checksum) WHERE content_checksum IS NOT NULL
			DO UPDATE SET
				image_size = EXCLUDED.image_size,
				uncompressed_size = COALESCE(EXCLUDED.uncompressed_size, image_storages.uncompressed_size),
				uploading = FALSE
		RETURNING
			id, uuid, cas_path, created_at`

	row := s.db.QueryRowContext(ctx, q, b.UUID, b.ContentChecksum.String(), b.ImageSize, b.UncompressedSize, b.CASPath)
	if err := row.Scan(&b.ID, &b.UUID, &b.CASPath, &b.CreatedAt); err != nil {
		return fmt.Errorf("creating or updating blob: %w", err)
	}
	b.Uploading = false

	return nil
}

// EnsureLocations creates the named storage locations if they do not exist yet.
func (s *blobStore) EnsureLocations(ctx context.Context, names ...string) error {
	defer metrics.InstrumentQuery("blob_ensure_locations")()
	q := `INSERT INTO image_storage_locations (name)
			SELECT
				$1
			WHERE
				NOT EXISTS (
					SELECT
						1
					FROM
						image_storage_locations
					WHERE
						name = $1)`

	for _, n := range names {
		if _, err := s.db.ExecContext(ctx, q, n); err != nil {
			return fmt.Errorf("creating storage location %q: %w", n, err)
		}
	}

	return nil
}

// AddPlacement records that a blob is present on location. No error is returned if the placement already exists.
func (s *blobStore) AddPlacement(ctx context.Context, blobID int64, location string) error {
	defer metrics.InstrumentQuery("blob_add_placement")()
	q := `INSERT INTO image_storage_placements (blob_id, location_id)
			SELECT
				$1, id
			FROM
				image_storage_locations
			WHERE
				name = $2
		ON CONFLICT
			DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, blobID, location)
	if err != nil {
		return fmt.Errorf("creating blob placement: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		locs, err := s.Locations(ctx, blobID)
		if err != nil {
			return err
		}
		for _, l := range locs {
			if l == location {
				return nil
			}
		}
		return fmt.Errorf("storage location %q %w", location, ErrNotFound)
	}

	return nil
}

// LinkToRepository creates a temporary link between a repository and a blob, protecting the blob from garbage
// collection until expiresAt.
func (s *blobStore) LinkToRepository(ctx context.Context, repositoryID, blobID int64, expiresAt time.Time) (*models.UploadedBlob, error) {
	defer metrics.InstrumentQuery("blob_link_to_repository")()
	q := `INSERT INTO uploaded_blobs (repository_id, blob_id, expires_at)
			VALUES ($1, $2, $3)
		RETURNING
			id, uploaded_at`

	ub := &models.UploadedBlob{RepositoryID: repositoryID, BlobID: blobID, ExpiresAt: expiresAt}
	if err := s.db.QueryRowContext(ctx, q, repositoryID, blobID, expiresAt).Scan(&ub.ID, &ub.UploadedAt); err != nil {
		return nil, fmt.Errorf("linking blob to repository: %w", err)
	}

	return ub, nil
}
