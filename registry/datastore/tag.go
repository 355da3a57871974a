package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// TagHistoryFilter restricts the rows returned by TagReader.History.
type TagHistoryFilter struct {
	// Name only returns rows with this tag name. Empty matches every name.
	Name string
	// OnlyAlive only returns tags alive at NowMs.
	OnlyAlive bool
	// SinceMs only returns tags created or expired after this timestamp. Zero disables the filter.
	SinceMs int64
	NowMs   int64
	// Limit caps the number of rows. Zero returns every row.
	Limit  int
	Offset int
}

// TagReader is the interface that defines read operations for a tag store.
type TagReader interface {
	FindByID(ctx context.Context, id int64) (*models.Tag, error)
	FindAlive(ctx context.Context, repositoryID int64, name string, nowMs int64) (*models.Tag, error)
	FindLatestByName(ctx context.Context, repositoryID int64, name string) (*models.Tag, error)
	ListAlive(ctx context.Context, repositoryID int64, nowMs int64, lastName string, limit int) (models.Tags, error)
	History(ctx context.Context, repositoryID int64, filter TagHistoryFilter) (models.Tags, error)
	AliveForManifest(ctx context.Context, manifestID int64, nowMs int64) (models.Tags, error)
	KeepsManifestAlive(ctx context.Context, manifestID int64, untilMs int64) (bool, error)
	ExpiredUnrecoverable(ctx context.Context, repositoryID int64, nowMs int64, limit int) (models.Tags, error)
	FindByRepository(ctx context.Context, repositoryID int64, limit int) (models.Tags, error)
	FindRepositoryWithGarbage(ctx context.Context, windowS int64, nowMs int64, candidates int) (int64, error)
}

// TagWriter is the interface that defines write operations for a tag store.
type TagWriter interface {
	LockName(ctx context.Context, repositoryID int64, name string) error
	Create(ctx context.Context, t *models.Tag) error
	SetLifetimeEnd(ctx context.Context, t *models.Tag, endMs sql.NullInt64) (bool, error)
	ExpireHiddenChildTags(ctx context.Context, repositoryID, manifestID int64, nowMs int64) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// TagStore is the interface that a tag store should conform to.
type TagStore interface {
	TagReader
	TagWriter
}

// tagStore is the concrete implementation of a TagStore.
type tagStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewTagStore builds a new tagStore.
func NewTagStore(db Queryer) *tagStore {
	return &tagStore{db: db}
}

const tagColumns = `t.id,
			t.repository_id,
			t.manifest_id,
			t.name,
			t.lifetime_start_ms,
			t.lifetime_end_ms,
			t.hidden,
			t.reversion,
			t.tag_kind,
			m.digest,
			mt.media_type`

const tagFrom = `tags AS t
			JOIN manifests AS m ON m.id = t.manifest_id
			JOIN media_types AS mt ON mt.id = m.media_type_id`

func scanTag(sc scanner) (*models.Tag, error) {
	t := new(models.Tag)
	err := sc.Scan(&t.ID, &t.RepositoryID, &t.ManifestID, &t.Name, &t.LifetimeStartMs, &t.LifetimeEndMs, &t.Hidden,
		&t.Reversion, &t.Kind, &t.ManifestDigest, &t.ManifestMediaType)
	return t, err
}

func scanFullTag(row *sql.Row) (*models.Tag, error) {
	t, err := scanTag(row)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		return nil, nil
	}

	return t, nil
}

func scanFullTags(rows *sql.Rows) (models.Tags, error) {
	tt := make(models.Tags, 0)
	defer rows.Close()

	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tt = append(tt, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning tags: %w", err)
	}

	return tt, nil
}

// FindByID finds a tag by ID.
func (s *tagStore) FindByID(ctx context.Context, id int64) (*models.Tag, error) {
	defer metrics.InstrumentQuery("tag_find_by_id")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.id = $1`

	return scanFullTag(s.db.QueryRowContext(ctx, q, id))
}

// FindAlive finds the alive and visible tag with the given name.
func (s *tagStore) FindAlive(ctx context.Context, repositoryID int64, name string, nowMs int64) (*models.Tag, error) {
	defer metrics.InstrumentQuery("tag_find_alive_by_name")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.repository_id = $1
			AND t.name = $2
			AND NOT t.hidden
			AND (t.lifetime_end_ms IS NULL
				OR t.lifetime_end_ms > $3)
		ORDER BY
			t.lifetime_start_ms DESC,
			t.id DESC
		LIMIT 1`

	return scanFullTag(s.db.QueryRowContext(ctx, q, repositoryID, name, nowMs))
}

// FindLatestByName finds the most recent visible tag row with the given name, alive or not.
func (s *tagStore) FindLatestByName(ctx context.Context, repositoryID int64, name string) (*models.Tag, error) {
	defer metrics.InstrumentQuery("tag_find_latest_by_name")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.repository_id = $1
			AND t.name = $2
			AND NOT t.hidden
		ORDER BY
			t.lifetime_start_ms DESC,
			t.id DESC
		LIMIT 1`

	return scanFullTag(s.db.QueryRowContext(ctx, q, repositoryID, name))
}

// ListAlive lists up to limit alive and visible tags of a repository in lexicographic order, starting after lastName.
func (s *tagStore) ListAlive(ctx context.Context, repositoryID int64, nowMs int64, lastName string, limit int) (models.Tags, error) {
	defer metrics.InstrumentQuery("tag_list_alive")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.repository_id = $1
			AND NOT t.hidden
			AND (t.lifetime_end_ms IS NULL
				OR t.lifetime_end_ms > $2)
			AND t.name > $3
		ORDER BY
			t.name
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, nowMs, lastName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alive tags: %w", err)
	}

	return scanFullTags(rows)
}

// History returns visible tag rows of a repository ordered by most recent start first, then by name.
func (s *tagStore) History(ctx context.Context, repositoryID int64, filter TagHistoryFilter) (models.Tags, error) {
	defer metrics.InstrumentQuery("tag_history")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.repository_id = $1
			AND NOT t.hidden
			AND ($2 = ''
				OR t.name = $2)
			AND (NOT $3
				OR t.lifetime_end_ms IS NULL
				OR t.lifetime_end_ms > $4)
			AND ($5 = 0
				OR t.lifetime_start_ms > $5
				OR t.lifetime_end_ms > $5)
		ORDER BY
			t.lifetime_start_ms DESC,
			t.name,
			t.id DESC
		LIMIT NULLIF($6, 0) OFFSET $7`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, filter.Name, filter.OnlyAlive, filter.NowMs, filter.SinceMs,
		filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("finding tag history: %w", err)
	}

	return scanFullTags(rows)
}

// AliveForManifest returns the alive and visible tags pointing at a manifest.
func (s *tagStore) AliveForManifest(ctx context.Context, manifestID int64, nowMs int64) (models.Tags, error) {
	defer metrics.InstrumentQuery("tag_alive_for_manifest")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.manifest_id = $1
			AND NOT t.hidden
			AND (t.lifetime_end_ms IS NULL
				OR t.lifetime_end_ms > $2)
		ORDER BY
			t.name`

	rows, err := s.db.QueryContext(ctx, q, manifestID, nowMs)
	if err != nil {
		return nil, fmt.Errorf("finding alive tags for manifest: %w", err)
	}

	return scanFullTags(rows)
}

// KeepsManifestAlive reports whether any tag, hidden or not, keeps the manifest alive until at least untilMs.
func (s *tagStore) KeepsManifestAlive(ctx context.Context, manifestID int64, untilMs int64) (bool, error) {
	defer metrics.InstrumentQuery("tag_keeps_manifest_alive")()
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					tags
				WHERE
					manifest_id = $1
					AND (lifetime_end_ms IS NULL
						OR lifetime_end_ms >= $2))`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, manifestID, untilMs).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking manifest tag lifetime: %w", err)
	}

	return ok, nil
}

// ExpiredUnrecoverable returns up to limit tags of a repository that expired before the time machine window of the
// owning namespace, i.e. lifetime_end_ms + removed_tag_expiration_s <= nowMs.
func (s *tagStore) ExpiredUnrecoverable(ctx context.Context, repositoryID int64, nowMs int64, limit int) (models.Tags, error) {
	defer metrics.InstrumentQuery("tag_expired_unrecoverable")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
			JOIN repositories AS r ON r.id = t.repository_id
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			t.repository_id = $1
			AND t.lifetime_end_ms IS NOT NULL
			AND t.lifetime_end_ms + n.removed_tag_expiration_s * 1000 <= $2
		ORDER BY
			t.id
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("finding unrecoverable tags: %w", err)
	}

	return scanFullTags(rows)
}

// FindByRepository returns up to limit tags of a repository regardless of their lifetime or visibility.
func (s *tagStore) FindByRepository(ctx context.Context, repositoryID int64, limit int) (models.Tags, error) {
	defer metrics.InstrumentQuery("tag_find_by_repository")()
	q := `SELECT ` + tagColumns + `
		FROM
			` + tagFrom + `
		WHERE
			t.repository_id = $1
		ORDER BY
			t.id
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, repositoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("finding repository tags: %w", err)
	}

	return scanFullTags(rows)
}

// FindRepositoryWithGarbage picks, at random among up to candidates repositories, one repository owned by an enabled
// namespace with time machine window windowS that has unrecoverable tags. Returns zero if there is none.
func (s *tagStore) FindRepositoryWithGarbage(ctx context.Context, windowS int64, nowMs int64, candidates int) (int64, error) {
	defer metrics.InstrumentQuery("tag_find_repository_with_garbage")()
	q := `SELECT DISTINCT
			t.repository_id
		FROM
			tags AS t
			JOIN repositories AS r ON r.id = t.repository_id
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			n.enabled
			AND n.removed_tag_expiration_s = $1
			AND r.state <> 'MARKED_FOR_DELETION'
			AND t.lifetime_end_ms IS NOT NULL
			AND t.lifetime_end_ms <= $2 - $1 * 1000
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, windowS, nowMs, candidates)
	if err != nil {
		return 0, fmt.Errorf("finding repositories with garbage: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return 0, fmt.Errorf("scanning repositories with garbage: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	return ids[rand.Intn(len(ids))], nil
}

// LockName blocks until the calling transaction holds the write lock for a tag name within a repository. The lock
// is released when the transaction ends. Outside a transaction it is released immediately and serializes nothing.
func (s *tagStore) LockName(ctx context.Context, repositoryID int64, name string) error {
	defer metrics.InstrumentQuery("tag_lock_name")()
	q := `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2, 0))`

	if _, err := s.db.ExecContext(ctx, q, repositoryID, name); err != nil {
		return fmt.Errorf("locking tag name: %w", err)
	}

	return nil
}

// Create saves a new tag row.
func (s *tagStore) Create(ctx context.Context, t *models.Tag) error {
	defer metrics.InstrumentQuery("tag_create")()
	if t.Kind == 0 {
		t.Kind = models.TagKindTag
	}
	q := `INSERT INTO tags (repository_id, manifest_id, name, lifetime_start_ms, lifetime_end_ms, hidden, reversion, tag_kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING
			id`

	row := s.db.QueryRowContext(ctx, q, t.RepositoryID, t.ManifestID, t.Name, t.LifetimeStartMs, t.LifetimeEndMs, t.Hidden,
		t.Reversion, t.Kind)
	if err := row.Scan(&t.ID); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("creating tag %q: %w", t.Name, ErrConcurrentUpdate)
		}
		return fmt.Errorf("creating tag: %w", err)
	}

	return nil
}

// SetLifetimeEnd updates the lifetime end of a tag, pinning the previously observed value of t.LifetimeEndMs. It
// returns false if another writer changed the tag in the meantime. On success t is updated.
func (s *tagStore) SetLifetimeEnd(ctx context.Context, t *models.Tag, endMs sql.NullInt64) (bool, error) {
	defer metrics.InstrumentQuery("tag_set_lifetime_end")()
	q := `UPDATE
			tags
		SET
			lifetime_end_ms = $1
		WHERE
			id = $2
			AND lifetime_end_ms IS NOT DISTINCT FROM $3`

	res, err := s.db.ExecContext(ctx, q, endMs, t.ID, t.LifetimeEndMs)
	if err != nil {
		return false, fmt.Errorf("updating tag lifetime: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating tag lifetime: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	t.LifetimeEndMs = endMs

	return true, nil
}

// ExpireHiddenChildTags expires the alive hidden tags pointing at the child manifests of a manifest list. Returns
// the number of tags updated.
func (s *tagStore) ExpireHiddenChildTags(ctx context.Context, repositoryID, manifestID int64, nowMs int64) (int64, error) {
	defer metrics.InstrumentQuery("tag_expire_hidden_child_tags")()
	q := `UPDATE
			tags
		SET
			lifetime_end_ms = GREATEST (lifetime_start_ms, $3)
		WHERE
			repository_id = $1
			AND hidden
			AND (lifetime_end_ms IS NULL
				OR lifetime_end_ms > $3)
			AND manifest_id IN (
				SELECT
					child_manifest_id
				FROM
					manifest_children
				WHERE
					repository_id = $1
					AND manifest_id = $2)`

	res, err := s.db.ExecContext(ctx, q, repositoryID, manifestID, nowMs)
	if err != nil {
		return 0, fmt.Errorf("expiring child manifest tags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expiring child manifest tags: %w", err)
	}

	return n, nil
}

// Delete removes a tag row along with its notification records.
func (s *tagStore) Delete(ctx context.Context, id int64) error {
	defer metrics.InstrumentQuery("tag_delete")()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tag_notification_successes WHERE tag_id = $1", id); err != nil {
		return fmt.Errorf("deleting tag notifications: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM tags WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	} else if n == 0 {
		return fmt.Errorf("deleting tag: %w", ErrNotFound)
	}

	return nil
}
