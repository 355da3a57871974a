package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// QuotaScope selects the namespace or repository quota counters.
type QuotaScope int

const (
	QuotaScopeNamespace QuotaScope = iota
	QuotaScopeRepository
)

func (s QuotaScope) table() string {
	if s == QuotaScopeRepository {
		return "quota_repository_sizes"
	}
	return "quota_namespace_sizes"
}

func (s QuotaScope) column() string {
	if s == QuotaScopeRepository {
		return "repository_id"
	}
	return "namespace_id"
}

func (s QuotaScope) String() string {
	if s == QuotaScopeRepository {
		return "repository"
	}
	return "namespace"
}

// QuotaReader is the interface that defines read operations for a quota store.
type QuotaReader interface {
	Size(ctx context.Context, scope QuotaScope, id int64) (*models.QuotaSize, error)
	BlobReferencedElsewhere(ctx context.Context, scope QuotaScope, id, manifestID, blobID int64) (bool, error)
	CountManifests(ctx context.Context, scope QuotaScope, id int64) (int64, error)
	Compute(ctx context.Context, scope QuotaScope, id int64) (int64, error)
	FindNamespacesNeedingBackfill(ctx context.Context, staleBeforeMs int64, limit int) ([]int64, error)
	RegistrySize(ctx context.Context) (*models.QuotaRegistrySize, error)
	TotalStorageSize(ctx context.Context) (int64, error)
}

// QuotaWriter is the interface that defines write operations for a quota store.
type QuotaWriter interface {
	CreateComplete(ctx context.Context, scope QuotaScope, id, size int64) (bool, error)
	ApplyDelta(ctx context.Context, scope QuotaScope, id, delta int64) (bool, error)
	StartBackfill(ctx context.Context, scope QuotaScope, id, nowMs int64) error
	CompleteBackfill(ctx context.Context, scope QuotaScope, id, startMs, size int64) (bool, error)
	Reset(ctx context.Context, scope QuotaScope, id int64) error
	Delete(ctx context.Context, scope QuotaScope, id int64) error
	QueueRegistrySize(ctx context.Context) error
	ClaimRegistrySize(ctx context.Context) (bool, error)
	CompleteRegistrySize(ctx context.Context, size, nowMs int64) error
}

// QuotaStore is the interface that a quota store should conform to.
type QuotaStore interface {
	QuotaReader
	QuotaWriter
}

// quotaStore is the concrete implementation of a QuotaStore.
type quotaStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewQuotaStore builds a new quotaStore.
func NewQuotaStore(db Queryer) *quotaStore {
	return &quotaStore{db: db}
}

// manifestScope returns the condition restricting manifests aliased m to the repository or namespace bound to $1.
func manifestScope(scope QuotaScope) string {
	if scope == QuotaScopeRepository {
		return "m.repository_id = $1"
	}
	return "m.repository_id IN (SELECT id FROM repositories WHERE namespace_id = $1)"
}

// Size returns the counter of a namespace or repository, or nil if there is none.
func (s *quotaStore) Size(ctx context.Context, scope QuotaScope, id int64) (*models.QuotaSize, error) {
	defer metrics.InstrumentQuery("quota_size")()
	q := fmt.Sprintf(`SELECT
			%s,
			size_bytes,
			backfill_start_ms,
			backfill_complete
		FROM
			%s
		WHERE
			%s = $1`, scope.column(), scope.table(), scope.column())

	qs := new(models.QuotaSize)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&qs.ScopeID, &qs.SizeBytes, &qs.BackfillStartMs, &qs.BackfillComplete)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding %s quota size: %w", scope, err)
	}

	return qs, nil
}

// BlobReferencedElsewhere reports whether a manifest other than manifestID references the blob within the scope.
func (s *quotaStore) BlobReferencedElsewhere(ctx context.Context, scope QuotaScope, id, manifestID, blobID int64) (bool, error) {
	defer metrics.InstrumentQuery("quota_blob_referenced_elsewhere")()
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					manifest_blobs AS m
				WHERE
					` + manifestScope(scope) + `
					AND m.blob_id = $3
					AND m.manifest_id <> $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, id, manifestID, blobID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking %s blob references: %w", scope, err)
	}

	return ok, nil
}

// CountManifests counts the manifests of a namespace or repository.
func (s *quotaStore) CountManifests(ctx context.Context, scope QuotaScope, id int64) (int64, error) {
	defer metrics.InstrumentQuery("quota_count_manifests")()
	q := "SELECT COUNT(*) FROM manifests AS m WHERE " + manifestScope(scope)

	var n int64
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s manifests: %w", scope, err)
	}

	return n, nil
}

// Compute sums the size of the distinct blobs referenced by any manifest in the scope.
func (s *quotaStore) Compute(ctx context.Context, scope QuotaScope, id int64) (int64, error) {
	defer metrics.InstrumentQuery("quota_compute")()
	q := `SELECT
			COALESCE(SUM(b.image_size), 0)
		FROM
			image_storages AS b
		WHERE
			b.id IN (
				SELECT
					m.blob_id
				FROM
					manifest_blobs AS m
				WHERE
					` + manifestScope(scope) + `)`

	var size int64
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&size); err != nil {
		return 0, fmt.Errorf("computing %s size: %w", scope, err)
	}

	return size, nil
}

// FindNamespacesNeedingBackfill returns up to limit eligible namespaces whose counter is missing or incomplete and not
// claimed by a backfill started after staleBeforeMs.
func (s *quotaStore) FindNamespacesNeedingBackfill(ctx context.Context, staleBeforeMs int64, limit int) ([]int64, error) {
	defer metrics.InstrumentQuery("quota_find_namespaces_needing_backfill")()
	q := `SELECT
			n.id
		FROM
			namespaces AS n
			LEFT JOIN quota_namespace_sizes AS qs ON qs.namespace_id = n.id
		WHERE
			n.enabled
			AND NOT n.is_robot
			AND (qs.namespace_id IS NULL
				OR (NOT qs.backfill_complete
					AND (qs.backfill_start_ms IS NULL
						OR qs.backfill_start_ms < $1)))
		ORDER BY
			n.id
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, staleBeforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("finding namespaces needing backfill: %w", err)
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning namespaces needing backfill: %w", err)
	}

	return ids, nil
}

// CreateComplete inserts an authoritative counter. Returns false if a counter already exists.
func (s *quotaStore) CreateComplete(ctx context.Context, scope QuotaScope, id, size int64) (bool, error) {
	defer metrics.InstrumentQuery("quota_create_complete")()
	q := fmt.Sprintf(`INSERT INTO %s (%s, size_bytes, backfill_complete)
			VALUES ($1, $2, TRUE)
		ON CONFLICT
			DO NOTHING`, scope.table(), scope.column())

	res, err := s.db.ExecContext(ctx, q, id, size)
	if err != nil {
		return false, fmt.Errorf("creating %s quota size: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creating %s quota size: %w", scope, err)
	}

	return n > 0, nil
}

// ApplyDelta atomically adds delta to a complete counter. Returns false if the counter is missing or incomplete.
func (s *quotaStore) ApplyDelta(ctx context.Context, scope QuotaScope, id, delta int64) (bool, error) {
	defer metrics.InstrumentQuery("quota_apply_delta")()
	q := fmt.Sprintf(`UPDATE
			%s
		SET
			size_bytes = GREATEST (size_bytes + $2, 0)
		WHERE
			%s = $1
			AND backfill_complete`, scope.table(), scope.column())

	res, err := s.db.ExecContext(ctx, q, id, delta)
	if err != nil {
		return false, fmt.Errorf("updating %s quota size: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating %s quota size: %w", scope, err)
	}

	return n > 0, nil
}

// StartBackfill marks a counter as not authoritative and claims it with nowMs.
func (s *quotaStore) StartBackfill(ctx context.Context, scope QuotaScope, id, nowMs int64) error {
	defer metrics.InstrumentQuery("quota_start_backfill")()
	q := fmt.Sprintf(`INSERT INTO %s (%s, size_bytes, backfill_start_ms, backfill_complete)
			VALUES ($1, 0, $2, FALSE)
		ON CONFLICT (%s)
			DO UPDATE SET
				backfill_start_ms = EXCLUDED.backfill_start_ms,
				backfill_complete = FALSE`, scope.table(), scope.column(), scope.column())

	if _, err := s.db.ExecContext(ctx, q, id, nowMs); err != nil {
		return fmt.Errorf("starting %s quota backfill: %w", scope, err)
	}

	return nil
}

// CompleteBackfill stores a recomputed size and marks the counter authoritative, provided the backfill claim startMs
// still holds. Returns false if another backfill took over.
func (s *quotaStore) CompleteBackfill(ctx context.Context, scope QuotaScope, id, startMs, size int64) (bool, error) {
	defer metrics.InstrumentQuery("quota_complete_backfill")()
	q := fmt.Sprintf(`UPDATE
			%s
		SET
			size_bytes = $3,
			backfill_complete = TRUE
		WHERE
			%s = $1
			AND backfill_start_ms = $2`, scope.table(), scope.column())

	res, err := s.db.ExecContext(ctx, q, id, startMs, size)
	if err != nil {
		return false, fmt.Errorf("completing %s quota backfill: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("completing %s quota backfill: %w", scope, err)
	}

	return n > 0, nil
}

// Reset zeroes a counter and flags it for a new backfill.
func (s *quotaStore) Reset(ctx context.Context, scope QuotaScope, id int64) error {
	defer metrics.InstrumentQuery("quota_reset")()
	q := fmt.Sprintf(`UPDATE
			%s
		SET
			size_bytes = 0,
			backfill_start_ms = NULL,
			backfill_complete = FALSE
		WHERE
			%s = $1`, scope.table(), scope.column())

	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("resetting %s quota size: %w", scope, err)
	}

	return nil
}

// Delete removes a counter.
func (s *quotaStore) Delete(ctx context.Context, scope QuotaScope, id int64) error {
	defer metrics.InstrumentQuery("quota_delete")()
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", scope.table(), scope.column())

	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting %s quota size: %w", scope, err)
	}

	return nil
}

// RegistrySize returns the registry-wide rollup row.
func (s *quotaStore) RegistrySize(ctx context.Context) (*models.QuotaRegistrySize, error) {
	defer metrics.InstrumentQuery("quota_registry_size")()
	q := "SELECT size_bytes, running, queued, completed_ms FROM quota_registry_size WHERE id = 1"

	rs := new(models.QuotaRegistrySize)
	if err := s.db.QueryRowContext(ctx, q).Scan(&rs.SizeBytes, &rs.Running, &rs.Queued, &rs.CompletedMs); err != nil {
		return nil, fmt.Errorf("finding registry size: %w", err)
	}

	return rs, nil
}

// TotalStorageSize sums the size of every committed blob.
func (s *quotaStore) TotalStorageSize(ctx context.Context) (int64, error) {
	defer metrics.InstrumentQuery("quota_total_storage_size")()
	q := "SELECT COALESCE(SUM(image_size), 0) FROM image_storages WHERE NOT uploading"

	var size int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&size); err != nil {
		return 0, fmt.Errorf("computing total storage size: %w", err)
	}

	return size, nil
}

// QueueRegistrySize requests a registry size recomputation.
func (s *quotaStore) QueueRegistrySize(ctx context.Context) error {
	defer metrics.InstrumentQuery("quota_queue_registry_size")()
	if _, err := s.db.ExecContext(ctx, "UPDATE quota_registry_size SET queued = TRUE WHERE id = 1"); err != nil {
		return fmt.Errorf("queueing registry size: %w", err)
	}

	return nil
}

// ClaimRegistrySize moves a queued recomputation to running. Returns false if nothing is queued or a recomputation is
// already running.
func (s *quotaStore) ClaimRegistrySize(ctx context.Context) (bool, error) {
	defer metrics.InstrumentQuery("quota_claim_registry_size")()
	q := `UPDATE
			quota_registry_size
		SET
			running = TRUE,
			queued = FALSE
		WHERE
			id = 1
			AND queued
			AND NOT running`

	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return false, fmt.Errorf("claiming registry size: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming registry size: %w", err)
	}

	return n > 0, nil
}

// CompleteRegistrySize stores the recomputed registry size and releases the running flag.
func (s *quotaStore) CompleteRegistrySize(ctx context.Context, size, nowMs int64) error {
	defer metrics.InstrumentQuery("quota_complete_registry_size")()
	q := `UPDATE
			quota_registry_size
		SET
			size_bytes = $1,
			running = FALSE,
			completed_ms = $2
		WHERE
			id = 1`

	if _, err := s.db.ExecContext(ctx, q, size, nowMs); err != nil {
		return fmt.Errorf("completing registry size: %w", err)
	}

	return nil
}
