package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// CatalogFilter restricts the repositories returned by RepositoryReader.FindVisiblePaginated.
type CatalogFilter struct {
	// UserID is the namespace ID of the caller. Zero for anonymous callers.
	UserID int64
	// IncludePublic includes public repositories the caller has no explicit permission on.
	IncludePublic bool
	// All ignores visibility and permissions.
	All bool
	// AfterID excludes repositories with an ID lower or equal to it.
	AfterID int64
	Limit   int
}

// RepositoryReader is the interface that defines read operations for a repository store.
type RepositoryReader interface {
	FindByID(ctx context.Context, id int64) (*models.Repository, error)
	FindByPath(ctx context.Context, namespace, name string) (*models.Repository, error)
	FindByNamespace(ctx context.Context, namespaceID int64) (models.Repositories, error)
	FindVisiblePaginated(ctx context.Context, filter CatalogFilter) (models.Repositories, error)
	FindMarkedForDeletion(ctx context.Context, limit int) (models.Repositories, error)
}

// RepositoryWriter is the interface that defines write operations for a repository store.
type RepositoryWriter interface {
	Create(ctx context.Context, r *models.Repository) error
	SetState(ctx context.Context, id int64, state models.RepositoryState) error
	SetVisibility(ctx context.Context, id int64, v models.Visibility) error
	MarkForDeletion(ctx context.Context, r *models.Repository, newName string) error
	Delete(ctx context.Context, id int64) error
}

// RepositoryStore is the interface that a repository store should conform to.
type RepositoryStore interface {
	RepositoryReader
	RepositoryWriter
}

// repositoryStore is the concrete implementation of a RepositoryStore.
type repositoryStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewRepositoryStore builds a new repositoryStore.
func NewRepositoryStore(db Queryer) *repositoryStore {
	return &repositoryStore{db: db}
}

const repositoryColumns = `r.id,
			r.namespace_id,
			r.name,
			r.kind,
			r.state,
			r.visibility,
			r.description,
			r.trust_enabled,
			r.mirror_robot_id,
			r.created_at,
			n.username`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(sc scanner) (*models.Repository, error) {
	r := new(models.Repository)
	err := sc.Scan(&r.ID, &r.NamespaceID, &r.Name, &r.Kind, &r.State, &r.Visibility, &r.Description, &r.TrustEnabled,
		&r.MirrorRobotID, &r.CreatedAt, &r.NamespaceName)
	return r, err
}

func scanFullRepository(row *sql.Row) (*models.Repository, error) {
	r, err := scanRepository(row)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		return nil, nil
	}

	return r, nil
}

func scanFullRepositories(rows *sql.Rows) (models.Repositories, error) {
	rr := make(models.Repositories, 0)
	defer rows.Close()

	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		rr = append(rr, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning repositories: %w", err)
	}

	return rr, nil
}

// FindByID finds a repository by ID.
func (s *repositoryStore) FindByID(ctx context.Context, id int64) (*models.Repository, error) {
	defer metrics.InstrumentQuery("repository_find_by_id")()
	q := `SELECT ` + repositoryColumns + `
		FROM
			repositories AS r
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			r.id = $1`

	return scanFullRepository(s.db.QueryRowContext(ctx, q, id))
}

// FindByPath finds a repository by namespace and name.
func (s *repositoryStore) FindByPath(ctx context.Context, namespace, name string) (*models.Repository, error) {
	defer metrics.InstrumentQuery("repository_find_by_path")()
	q := `SELECT ` + repositoryColumns + `
		FROM
			repositories AS r
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			n.username = $1
			AND r.name = $2`

	return scanFullRepository(s.db.QueryRowContext(ctx, q, namespace, name))
}

// FindByNamespace finds all repositories of a namespace which are not marked for deletion.
func (s *repositoryStore) FindByNamespace(ctx context.Context, namespaceID int64) (models.Repositories, error) {
	defer metrics.InstrumentQuery("repository_find_by_namespace")()
	q := `SELECT ` + repositoryColumns + `
		FROM
			repositories AS r
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			r.namespace_id = $1
			AND r.state <> 'MARKED_FOR_DELETION'
		ORDER BY
			r.id`

	rows, err := s.db.QueryContext(ctx, q, namespaceID)
	if err != nil {
		return nil, fmt.Errorf("finding repositories by namespace: %w", err)
	}

	return scanFullRepositories(rows)
}

// FindVisiblePaginated finds up to filter.Limit image repositories visible to filter.UserID, ordered by ID. This is
// used by the GET /v2/_catalog API route.
func (s *repositoryStore) FindVisiblePaginated(ctx context.Context, filter CatalogFilter) (models.Repositories, error) {
	defer metrics.InstrumentQuery("repository_find_visible_paginated")()
	q := `SELECT ` + repositoryColumns + `
		FROM
			repositories AS r
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			r.id > $1
			AND r.kind = 'image'
			AND r.state <> 'MARKED_FOR_DELETION'
			AND n.enabled
			AND ($2
				OR ($3 AND r.visibility = 'public')
				OR r.namespace_id = $4
				OR EXISTS (
					SELECT
						1
					FROM
						repository_permissions AS p
					WHERE
						p.repository_id = r.id
						AND p.namespace_id = $4)
				OR EXISTS (
					SELECT
						1
					FROM
						namespace_members AS m
					WHERE
						m.organization_id = r.namespace_id
						AND m.member_id = $4
						AND m.is_admin))
		ORDER BY
			r.id
		LIMIT $5`

	rows, err := s.db.QueryContext(ctx, q, filter.AfterID, filter.All, filter.IncludePublic, filter.UserID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("finding visible repositories with pagination: %w", err)
	}

	return scanFullRepositories(rows)
}

// FindMarkedForDeletion finds up to limit repositories waiting to be purged.
func (s *repositoryStore) FindMarkedForDeletion(ctx context.Context, limit int) (models.Repositories, error) {
	defer metrics.InstrumentQuery("repository_find_marked_for_deletion")()
	q := `SELECT ` + repositoryColumns + `
		FROM
			repositories AS r
			JOIN namespaces AS n ON n.id = r.namespace_id
		WHERE
			r.state = 'MARKED_FOR_DELETION'
		ORDER BY
			r.id
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("finding repositories marked for deletion: %w", err)
	}

	return scanFullRepositories(rows)
}

// Create saves a new repository.
func (s *repositoryStore) Create(ctx context.Context, r *models.Repository) error {
	defer metrics.InstrumentQuery("repository_create")()
	q := `INSERT INTO repositories (namespace_id, name, kind, state, visibility, description, trust_enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING
			id, created_at`

	if r.Kind == "" {
		r.Kind = models.RepositoryKindImage
	}
	if r.State == "" {
		r.State = models.RepositoryStateNormal
	}
	if r.Visibility == "" {
		r.Visibility = models.VisibilityPrivate
	}

	row := s.db.QueryRowContext(ctx, q, r.NamespaceID, r.Name, r.Kind, r.State, r.Visibility, r.Description, r.TrustEnabled)
	if err := row.Scan(&r.ID, &r.CreatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("creating repository %q: %w", r.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("creating repository: %w", err)
	}

	return nil
}

func (s *repositoryStore) exec(ctx context.Context, op, q string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrRepositoryNotFound)
	}

	return nil
}

// SetState updates the state of a repository.
func (s *repositoryStore) SetState(ctx context.Context, id int64, state models.RepositoryState) error {
	defer metrics.InstrumentQuery("repository_set_state")()
	return s.exec(ctx, "updating repository state", "UPDATE repositories SET state = $1 WHERE id = $2", state, id)
}

// SetVisibility updates the visibility of a repository.
func (s *repositoryStore) SetVisibility(ctx context.Context, id int64, v models.Visibility) error {
	defer metrics.InstrumentQuery("repository_set_visibility")()
	return s.exec(ctx, "updating repository visibility", "UPDATE repositories SET visibility = $1 WHERE id = $2", v, id)
}

// MarkForDeletion renames a repository to newName, freeing its name for reuse, and moves it to the
// MARKED_FOR_DELETION state so that the purge worker picks it up.
func (s *repositoryStore) MarkForDeletion(ctx context.Context, r *models.Repository, newName string) error {
	defer metrics.InstrumentQuery("repository_mark_for_deletion")()
	q := `UPDATE
			repositories
		SET
			name = $1,
			state = 'MARKED_FOR_DELETION',
			visibility = 'private'
		WHERE
			id = $2
			AND state <> 'MARKED_FOR_DELETION'`

	if err := s.exec(ctx, "marking repository for deletion", q, newName, r.ID); err != nil {
		return err
	}
	r.Name = newName
	r.State = models.RepositoryStateMarkedForDeletion
	r.Visibility = models.VisibilityPrivate

	return nil
}

// Delete deletes a repository row. All repository scoped rows must have been removed beforehand.
func (s *repositoryStore) Delete(ctx context.Context, id int64) error {
	defer metrics.InstrumentQuery("repository_delete")()
	return s.exec(ctx, "deleting repository", "DELETE FROM repositories WHERE id = $1", id)
}
