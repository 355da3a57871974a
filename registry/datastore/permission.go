package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// PermissionReader is the interface that defines read operations for a repository permission store.
type PermissionReader interface {
	RoleFor(ctx context.Context, repositoryID, namespaceID int64) (models.Role, error)
}

// PermissionWriter is the interface that defines write operations for a repository permission store.
type PermissionWriter interface {
	Grant(ctx context.Context, p *models.RepositoryPermission) error
}

// PermissionStore is the interface that a repository permission store should conform to.
type PermissionStore interface {
	PermissionReader
	PermissionWriter
}

// permissionStore is the concrete implementation of a PermissionStore.
type permissionStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewPermissionStore builds a new permissionStore.
func NewPermissionStore(db Queryer) *permissionStore {
	return &permissionStore{db: db}
}

// RoleFor returns the effective role of a user or robot on a repository. Owners of the repository namespace and
// administrators of the owning organization are admins. An empty role is returned when no permission applies.
func (s *permissionStore) RoleFor(ctx context.Context, repositoryID, namespaceID int64) (models.Role, error) {
	defer metrics.InstrumentQuery("permission_role_for")()
	q := `SELECT
			CASE WHEN r.namespace_id = $2
				OR EXISTS (
					SELECT
						1
					FROM
						namespace_members AS m
					WHERE
						m.organization_id = r.namespace_id
						AND m.member_id = $2
						AND m.is_admin) THEN
				'admin'
			ELSE
				COALESCE((
					SELECT
						p.role
					FROM
						repository_permissions AS p
					WHERE
						p.repository_id = r.id
						AND p.namespace_id = $2), '')
			END
		FROM
			repositories AS r
		WHERE
			r.id = $1`

	var role string
	if err := s.db.QueryRowContext(ctx, q, repositoryID, namespaceID).Scan(&role); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("finding repository role: %w", ErrRepositoryNotFound)
		}
		return "", fmt.Errorf("finding repository role: %w", err)
	}

	return models.Role(role), nil
}

// Grant sets the role of a user or robot on a repository, replacing any previous role.
func (s *permissionStore) Grant(ctx context.Context, p *models.RepositoryPermission) error {
	defer metrics.InstrumentQuery("permission_grant")()
	q := `INSERT INTO repository_permissions (repository_id, namespace_id, role)
			VALUES ($1, $2, $3)
		ON CONFLICT (repository_id, namespace_id)
			DO UPDATE SET
				role = EXCLUDED.role
		RETURNING
			id`

	if err := s.db.QueryRowContext(ctx, q, p.RepositoryID, p.NamespaceID, p.Role).Scan(&p.ID); err != nil {
		return fmt.Errorf("granting repository permission: %w", err)
	}

	return nil
}
