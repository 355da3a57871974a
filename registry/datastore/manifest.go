package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// ManifestReader is the interface that defines read operations for a manifest store.
type ManifestReader interface {
	FindByID(ctx context.Context, id int64) (*models.Manifest, error)
	FindByDigest(ctx context.Context, repositoryID int64, d digest.Digest) (*models.Manifest, error)
	FindAlive(ctx context.Context, repositoryID int64, d digest.Digest, nowMs int64, allowHidden bool) (*models.Manifest, error)
	FindIDsByRepository(ctx context.Context, repositoryID int64) ([]int64, error)
	Blobs(ctx context.Context, repositoryID, manifestID int64) (models.ImageStorages, error)
	Children(ctx context.Context, repositoryID, manifestID int64) (models.Manifests, error)
	Labels(ctx context.Context, manifestID int64) (models.Labels, error)
	Referrers(ctx context.Context, repositoryID int64, subject digest.Digest, artifactType string) (models.Manifests, error)
	IsUsed(ctx context.Context, id int64) (bool, error)
}

// ManifestWriter is the interface that defines write operations for a manifest store.
type ManifestWriter interface {
	CreateOrFind(ctx context.Context, m *models.Manifest) (bool, error)
	AssociateBlobs(ctx context.Context, repositoryID, manifestID int64, blobIDs ...int64) error
	AssociateChild(ctx context.Context, repositoryID, manifestID, childID int64) error
	AssociateLabel(ctx context.Context, repositoryID, manifestID, labelID int64) error
	LockForUpdate(ctx context.Context, id int64) (*models.Manifest, error)
	Delete(ctx context.Context, m *models.Manifest) (*DeletedManifest, error)
}

// ManifestStore is the interface that a manifest store should conform to.
type ManifestStore interface {
	ManifestReader
	ManifestWriter
}

// DeletedManifest lists the rows that referenced a deleted manifest and are now candidates for garbage collection.
type DeletedManifest struct {
	BlobIDs  []int64
	LabelIDs []int64
}

// manifestStore is the concrete implementation of a ManifestStore.
type manifestStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewManifestStore builds a new manifestStore.
func NewManifestStore(db Queryer) *manifestStore {
	return &manifestStore{db: db}
}

const manifestColumns = `m.id,
			m.repository_id,
			m.digest,
			mt.media_type,
			m.manifest_bytes,
			m.config_media_type,
			m.layers_compressed_size,
			m.subject_digest,
			m.artifact_type,
			m.created_at`

func scanManifest(sc scanner) (*models.Manifest, error) {
	m := new(models.Manifest)
	err := sc.Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.Bytes, &m.ConfigMediaType,
		&m.LayersCompressedSize, &m.SubjectDigest, &m.ArtifactType, &m.CreatedAt)
	return m, err
}

func scanFullManifest(row *sql.Row) (*models.Manifest, error) {
	m, err := scanManifest(row)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning manifest: %w", err)
		}
		return nil, nil
	}

	return m, nil
}

func scanFullManifests(rows *sql.Rows) (models.Manifests, error) {
	mm := make(models.Manifests, 0)
	defer rows.Close()

	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning manifest: %w", err)
		}
		mm = append(mm, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning manifests: %w", err)
	}

	return mm, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// FindByID finds a manifest by ID.
func (s *manifestStore) FindByID(ctx context.Context, id int64) (*models.Manifest, error) {
	defer metrics.InstrumentQuery("manifest_find_by_id")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
		WHERE
			m.id = $1`

	return scanFullManifest(s.db.QueryRowContext(ctx, q, id))
}

// FindByDigest finds a manifest by digest within a repository.
func (s *manifestStore) FindByDigest(ctx context.Context, repositoryID int64, d digest.Digest) (*models.Manifest, error) {
	defer metrics.InstrumentQuery("manifest_find_by_digest")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
		WHERE
			m.repository_id = $1
			AND m.digest = $2`

	return scanFullManifest(s.db.QueryRowContext(ctx, q, repositoryID, d.String()))
}

// FindAlive finds a manifest by digest within a repository, provided it is referenced by an alive tag, either directly
// or as the child of a manifest list. Hidden tags only count when allowHidden is set.
func (s *manifestStore) FindAlive(ctx context.Context, repositoryID int64, d digest.Digest, nowMs int64, allowHidden bool) (*models.Manifest, error) {
	defer metrics.InstrumentQuery("manifest_find_alive")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
		WHERE
			m.repository_id = $1
			AND m.digest = $2
			AND (EXISTS (
					SELECT
						1
					FROM
						tags AS t
					WHERE
						t.manifest_id = m.id
						AND ($4 OR NOT t.hidden)
						AND (t.lifetime_end_ms IS NULL
							OR t.lifetime_end_ms > $3))
				OR EXISTS (
					SELECT
						1
					FROM
						manifest_children AS mc
						JOIN tags AS t ON t.manifest_id = mc.manifest_id
					WHERE
						mc.repository_id = m.repository_id
						AND mc.child_manifest_id = m.id
						AND ($4 OR NOT t.hidden)
						AND (t.lifetime_end_ms IS NULL
							OR t.lifetime_end_ms > $3)))`

	return scanFullManifest(s.db.QueryRowContext(ctx, q, repositoryID, d.String(), nowMs, allowHidden))
}

// FindIDsByRepository returns the IDs of every manifest of a repository.
func (s *manifestStore) FindIDsByRepository(ctx context.Context, repositoryID int64) ([]int64, error) {
	defer metrics.InstrumentQuery("manifest_find_ids_by_repository")()
	q := "SELECT id FROM manifests WHERE repository_id = $1 ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("finding repository manifests: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning repository manifests: %w", err)
	}

	return ids, nil
}

// Blobs returns the blobs referenced by a manifest.
func (s *manifestStore) Blobs(ctx context.Context, repositoryID, manifestID int64) (models.ImageStorages, error) {
	defer metrics.InstrumentQuery("manifest_blobs")()
	q := `SELECT ` + blobColumns + `
		FROM
			image_storages AS b
			JOIN manifest_blobs AS mb ON mb.blob_id = b.id
		WHERE
			mb.repository_id = $1
			AND mb.manifest_id = $2
		ORDER BY
			b.id`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, manifestID)
	if err != nil {
		return nil, fmt.Errorf("finding manifest blobs: %w", err)
	}

	return scanFullBlobs(rows)
}

// Children returns the child manifests of a manifest list. Children are always resolved within the repository.
func (s *manifestStore) Children(ctx context.Context, repositoryID, manifestID int64) (models.Manifests, error) {
	defer metrics.InstrumentQuery("manifest_children")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
			JOIN manifest_children AS mc ON mc.child_manifest_id = m.id
		WHERE
			mc.repository_id = $1
			AND mc.manifest_id = $2
			AND m.repository_id = $1
		ORDER BY
			mc.id`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, manifestID)
	if err != nil {
		return nil, fmt.Errorf("finding child manifests: %w", err)
	}

	return scanFullManifests(rows)
}

// Labels returns the labels of a manifest.
func (s *manifestStore) Labels(ctx context.Context, manifestID int64) (models.Labels, error) {
	defer metrics.InstrumentQuery("manifest_labels")()
	q := `SELECT ` + labelColumns + `
		FROM
			labels AS l
			JOIN manifest_labels AS ml ON ml.label_id = l.id
		WHERE
			ml.manifest_id = $1
		ORDER BY
			l.id`

	rows, err := s.db.QueryContext(ctx, q, manifestID)
	if err != nil {
		return nil, fmt.Errorf("finding manifest labels: %w", err)
	}

	return scanFullLabels(rows)
}

// Referrers returns the manifests of a repository whose subject is the given digest. An empty artifactType matches
// every referrer.
func (s *manifestStore) Referrers(ctx context.Context, repositoryID int64, subject digest.Digest, artifactType string) (models.Manifests, error) {
	defer metrics.InstrumentQuery("manifest_referrers")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
		WHERE
			m.repository_id = $1
			AND m.subject_digest = $2
			AND ($3 = ''
				OR COALESCE(m.artifact_type, m.config_media_type) = $3)
		ORDER BY
			m.id`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, subject.String(), artifactType)
	if err != nil {
		return nil, fmt.Errorf("finding referrers: %w", err)
	}

	return scanFullManifests(rows)
}

// IsUsed reports whether a manifest is referenced by a tag (alive or not), is the child of a manifest list or is the
// subject of another manifest.
func (s *manifestStore) IsUsed(ctx context.Context, id int64) (bool, error) {
	defer metrics.InstrumentQuery("manifest_is_used")()
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					tags
				WHERE
					manifest_id = $1)
			OR EXISTS (
				SELECT
					1
				FROM
					manifest_children
				WHERE
					child_manifest_id = $1)
			OR EXISTS (
				SELECT
					1
				FROM
					manifests AS r
					JOIN manifests AS m ON m.repository_id = r.repository_id
						AND r.subject_digest = m.digest
				WHERE
					m.id = $1
					AND r.id <> $1)`

	var used bool
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&used); err != nil {
		return false, fmt.Errorf("checking manifest usage: %w", err)
	}

	return used, nil
}

// CreateOrFind attempts to create a manifest. If a manifest with the same digest already exists in the repository,
// that record is loaded into m. The returned boolean reports whether a new row was created.
func (s *manifestStore) CreateOrFind(ctx context.Context, m *models.Manifest) (bool, error) {
	defer metrics.InstrumentQuery("manifest_create_or_find")()
	q := `INSERT INTO manifests (repository_id, digest, media_type_id, manifest_bytes, config_media_type,
			layers_compressed_size, subject_digest, artifact_type)
			SELECT
				$1, $2, id, $4, $5, $6, $7, $8
			FROM
				media_types
			WHERE
				media_type = $3
		ON CONFLICT (repository_id, digest)
			DO NOTHING
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, m.RepositoryID, m.Digest.String(), m.MediaType, m.Bytes, m.ConfigMediaType,
		m.LayersCompressedSize, m.SubjectDigest, m.ArtifactType)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("creating manifest: %w", err)
		}
		// either the manifest already exists or the media type is unknown
		tmp, err := s.FindByDigest(ctx, m.RepositoryID, m.Digest)
		if err != nil {
			return false, err
		}
		if tmp == nil {
			return false, fmt.Errorf("creating manifest: unknown media type %q", m.MediaType)
		}
		*m = *tmp
		return false, nil
	}

	return true, nil
}

// AssociateBlobs links blobs to a manifest. Existing links are left untouched.
func (s *manifestStore) AssociateBlobs(ctx context.Context, repositoryID, manifestID int64, blobIDs ...int64) error {
	defer metrics.InstrumentQuery("manifest_associate_blobs")()
	q := `INSERT INTO manifest_blobs (repository_id, manifest_id, blob_id)
			VALUES ($1, $2, $3)
		ON CONFLICT (manifest_id, blob_id)
			DO NOTHING`

	for _, id := range blobIDs {
		if _, err := s.db.ExecContext(ctx, q, repositoryID, manifestID, id); err != nil {
			return fmt.Errorf("associating manifest blob: %w", err)
		}
	}

	return nil
}

// AssociateChild links a child manifest to a manifest list. Both must belong to the repository.
func (s *manifestStore) AssociateChild(ctx context.Context, repositoryID, manifestID, childID int64) error {
	defer metrics.InstrumentQuery("manifest_associate_child")()
	q := `INSERT INTO manifest_children (repository_id, manifest_id, child_manifest_id)
			SELECT
				$1, p.id, c.id
			FROM
				manifests AS p
				JOIN manifests AS c ON c.repository_id = p.repository_id
			WHERE
				p.repository_id = $1
				AND p.id = $2
				AND c.id = $3
		ON CONFLICT (manifest_id, child_manifest_id)
			DO NOTHING`

	if _, err := s.db.ExecContext(ctx, q, repositoryID, manifestID, childID); err != nil {
		return fmt.Errorf("associating child manifest: %w", err)
	}

	return nil
}

// AssociateLabel links a label to a manifest.
func (s *manifestStore) AssociateLabel(ctx context.Context, repositoryID, manifestID, labelID int64) error {
	defer metrics.InstrumentQuery("manifest_associate_label")()
	q := `INSERT INTO manifest_labels (repository_id, manifest_id, label_id)
			VALUES ($1, $2, $3)
		ON CONFLICT (manifest_id, label_id)
			DO NOTHING`

	if _, err := s.db.ExecContext(ctx, q, repositoryID, manifestID, labelID); err != nil {
		return fmt.Errorf("associating manifest label: %w", err)
	}

	return nil
}

// LockForUpdate loads a manifest and locks its row until the enclosing transaction ends. Returns nil if the manifest
// no longer exists.
func (s *manifestStore) LockForUpdate(ctx context.Context, id int64) (*models.Manifest, error) {
	defer metrics.InstrumentQuery("manifest_lock_for_update")()
	q := `SELECT ` + manifestColumns + `
		FROM
			manifests AS m
			JOIN media_types AS mt ON mt.id = m.media_type_id
		WHERE
			m.id = $1
		FOR UPDATE OF m`

	return scanFullManifest(s.db.QueryRowContext(ctx, q, id))
}

// Delete removes a manifest along with its label, child, blob and security status rows. The IDs of the blobs and
// labels it referenced are returned so that they can be checked for orphaning.
func (s *manifestStore) Delete(ctx context.Context, m *models.Manifest) (*DeletedManifest, error) {
	defer metrics.InstrumentQuery("manifest_delete")()

	del := &DeletedManifest{}

	rows, err := s.db.QueryContext(ctx, "DELETE FROM manifest_labels WHERE manifest_id = $1 RETURNING label_id", m.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting manifest labels: %w", err)
	}
	if del.LabelIDs, err = scanIDs(rows); err != nil {
		return nil, fmt.Errorf("deleting manifest labels: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM manifest_children WHERE manifest_id = $1", m.ID); err != nil {
		return nil, fmt.Errorf("deleting manifest children: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "DELETE FROM manifest_blobs WHERE manifest_id = $1 RETURNING blob_id", m.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting manifest blobs: %w", err)
	}
	if del.BlobIDs, err = scanIDs(rows); err != nil {
		return nil, fmt.Errorf("deleting manifest blobs: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM manifest_security_statuses WHERE manifest_id = $1", m.ID); err != nil {
		return nil, fmt.Errorf("deleting manifest security status: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM manifests WHERE id = $1", m.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting manifest: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("deleting manifest: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("deleting manifest: %w", ErrManifestNotFound)
	}

	return del, nil
}
