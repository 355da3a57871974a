package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// NamespaceReader is the interface that defines read operations for a namespace store.
type NamespaceReader interface {
	FindByID(ctx context.Context, id int64) (*models.Namespace, error)
	FindByName(ctx context.Context, name string) (*models.Namespace, error)
	IsMember(ctx context.Context, orgID, memberID int64) (bool, error)
	IsAdmin(ctx context.Context, orgID, memberID int64) (bool, error)
	GeoRestrictions(ctx context.Context, id int64) ([]string, error)
	TagExpirationPolicies(ctx context.Context) ([]int64, error)
}

// NamespaceWriter is the interface that defines write operations for a namespace store.
type NamespaceWriter interface {
	Create(ctx context.Context, n *models.Namespace) error
	CreateOrFind(ctx context.Context, n *models.Namespace) error
	AddMember(ctx context.Context, orgID, memberID int64, admin bool) error
	SetQuotaLimit(ctx context.Context, id int64, limit sql.NullInt64) error
}

// NamespaceStore is the interface that a namespace store should conform to.
type NamespaceStore interface {
	NamespaceReader
	NamespaceWriter
}

// namespaceStore is the concrete implementation of a NamespaceStore.
type namespaceStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewNamespaceStore builds a new namespaceStore.
func NewNamespaceStore(db Queryer) *namespaceStore {
	return &namespaceStore{db: db}
}

const namespaceColumns = `id,
			username,
			enabled,
			removed_tag_expiration_s,
			is_robot,
			is_organization,
			quota_limit_bytes,
			proxy_cache_upstream,
			created_at`

func scanFullNamespace(row *sql.Row) (*models.Namespace, error) {
	n := new(models.Namespace)

	err := row.Scan(&n.ID, &n.Username, &n.Enabled, &n.RemovedTagExpirationS, &n.IsRobot, &n.IsOrganization,
		&n.QuotaLimitBytes, &n.ProxyCacheUpstream, &n.CreatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		return nil, nil
	}

	return n, nil
}

// FindByID finds a namespace by ID.
func (s *namespaceStore) FindByID(ctx context.Context, id int64) (*models.Namespace, error) {
	defer metrics.InstrumentQuery("namespace_find_by_id")()
	q := `SELECT ` + namespaceColumns + `
		FROM
			namespaces
		WHERE
			id = $1`

	return scanFullNamespace(s.db.QueryRowContext(ctx, q, id))
}

// FindByName finds a namespace by username.
func (s *namespaceStore) FindByName(ctx context.Context, name string) (*models.Namespace, error) {
	defer metrics.InstrumentQuery("namespace_find_by_name")()
	q := `SELECT ` + namespaceColumns + `
		FROM
			namespaces
		WHERE
			username = $1`

	return scanFullNamespace(s.db.QueryRowContext(ctx, q, name))
}

// IsMember reports whether memberID belongs to the organization orgID.
func (s *namespaceStore) IsMember(ctx context.Context, orgID, memberID int64) (bool, error) {
	defer metrics.InstrumentQuery("namespace_is_member")()
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					namespace_members
				WHERE
					organization_id = $1
					AND member_id = $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, orgID, memberID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking organization membership: %w", err)
	}

	return ok, nil
}

// IsAdmin reports whether memberID administers the organization orgID.
func (s *namespaceStore) IsAdmin(ctx context.Context, orgID, memberID int64) (bool, error) {
	defer metrics.InstrumentQuery("namespace_is_admin")()
	q := `SELECT
			EXISTS (
				SELECT
					1
				FROM
					namespace_members
				WHERE
					organization_id = $1
					AND member_id = $2
					AND is_admin)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, orgID, memberID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking organization admin: %w", err)
	}

	return ok, nil
}

// GeoRestrictions returns the ISO country codes pulls from the namespace are denied for.
func (s *namespaceStore) GeoRestrictions(ctx context.Context, id int64) ([]string, error) {
	defer metrics.InstrumentQuery("namespace_geo_restrictions")()
	q := `SELECT
			country_code
		FROM
			namespace_geo_restrictions
		WHERE
			namespace_id = $1
		ORDER BY
			country_code`

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("finding geo restrictions: %w", err)
	}
	defer rows.Close()

	codes := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning geo restriction: %w", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning geo restrictions: %w", err)
	}

	return codes, nil
}

// TagExpirationPolicies returns the distinct time machine windows configured across enabled namespaces.
func (s *namespaceStore) TagExpirationPolicies(ctx context.Context) ([]int64, error) {
	defer metrics.InstrumentQuery("namespace_tag_expiration_policies")()
	q := `SELECT DISTINCT
			removed_tag_expiration_s
		FROM
			namespaces
		WHERE
			enabled
		ORDER BY
			removed_tag_expiration_s`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding tag expiration policies: %w", err)
	}
	defer rows.Close()

	var pp []int64
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning tag expiration policy: %w", err)
		}
		pp = append(pp, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning tag expiration policies: %w", err)
	}

	return pp, nil
}

// Create saves a new namespace.
func (s *namespaceStore) Create(ctx context.Context, n *models.Namespace) error {
	defer metrics.InstrumentQuery("namespace_create")()
	q := `INSERT INTO namespaces (username, enabled, removed_tag_expiration_s, is_robot, is_organization, quota_limit_bytes)
			VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, n.Username, n.Enabled, n.RemovedTagExpirationS, n.IsRobot, n.IsOrganization, n.QuotaLimitBytes)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("creating namespace %q: %w", n.Username, ErrAlreadyExists)
		}
		return fmt.Errorf("creating namespace: %w", err)
	}

	return nil
}

// CreateOrFind attempts to create a namespace. If the namespace already exists (same username) that record is loaded
// from the database into n.
func (s *namespaceStore) CreateOrFind(ctx context.Context, n *models.Namespace) error {
	defer metrics.InstrumentQuery("namespace_create_or_find")()
	q := `INSERT INTO namespaces (username, enabled, removed_tag_expiration_s, is_robot, is_organization)
			VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username)
			DO NOTHING
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, n.Username, n.Enabled, n.RemovedTagExpirationS, n.IsRobot, n.IsOrganization)
	if err := row.Scan(&n.ID, &n.CreatedAt); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("creating namespace: %w", err)
		}
		// if the result set has no rows, then the namespace already exists
		tmp, err := s.FindByName(ctx, n.Username)
		if err != nil {
			return err
		}
		*n = *tmp
	}

	return nil
}

// AddMember adds memberID to the organization orgID.
func (s *namespaceStore) AddMember(ctx context.Context, orgID, memberID int64, admin bool) error {
	defer metrics.InstrumentQuery("namespace_add_member")()
	q := `INSERT INTO namespace_members (organization_id, member_id, is_admin)
			VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, member_id)
			DO UPDATE SET
				is_admin = EXCLUDED.is_admin`

	if _, err := s.db.ExecContext(ctx, q, orgID, memberID, admin); err != nil {
		return fmt.Errorf("adding organization member: %w", err)
	}

	return nil
}

// SetQuotaLimit configures the quota limit of a namespace. A null limit disables enforcement.
func (s *namespaceStore) SetQuotaLimit(ctx context.Context, id int64, limit sql.NullInt64) error {
	defer metrics.InstrumentQuery("namespace_set_quota_limit")()
	q := "UPDATE namespaces SET quota_limit_bytes = $1 WHERE id = $2"

	res, err := s.db.ExecContext(ctx, q, limit, id)
	if err != nil {
		return fmt.Errorf("updating namespace quota limit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating namespace quota limit: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("namespace %w", ErrNotFound)
	}

	return nil
}
