package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// LabelReader is the interface that defines read operations for a label store.
type LabelReader interface {
	FindByID(ctx context.Context, id int64) (*models.Label, error)
	IsReferenced(ctx context.Context, id int64) (bool, error)
}

// LabelWriter is the interface that defines write operations for a label store.
type LabelWriter interface {
	CreateOrFind(ctx context.Context, l *models.Label) error
	Delete(ctx context.Context, id int64) error
}

// LabelStore is the interface that a label store should conform to.
type LabelStore interface {
	LabelReader
	LabelWriter
}

// labelStore is the concrete implementation of a LabelStore.
type labelStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewLabelStore builds a new labelStore.
func NewLabelStore(db Queryer) *labelStore {
	return &labelStore{db: db}
}

const labelColumns = `l.id,
			l.key,
			l.value,
			l.source_type,
			l.media_type`

func scanLabel(sc scanner) (*models.Label, error) {
	l := new(models.Label)
	err := sc.Scan(&l.ID, &l.Key, &l.Value, &l.SourceType, &l.MediaType)
	return l, err
}

func scanFullLabels(rows *sql.Rows) (models.Labels, error) {
	ll := make(models.Labels, 0)
	defer rows.Close()

	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning label: %w", err)
		}
		ll = append(ll, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning labels: %w", err)
	}

	return ll, nil
}

// FindByID finds a label by ID.
func (s *labelStore) FindByID(ctx context.Context, id int64) (*models.Label, error) {
	defer metrics.InstrumentQuery("label_find_by_id")()
	q := `SELECT ` + labelColumns + `
		FROM
			labels AS l
		WHERE
			l.id = $1`

	l, err := scanLabel(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning label: %w", err)
		}
		return nil, nil
	}

	return l, nil
}

// IsReferenced reports whether any manifest still carries the label.
func (s *labelStore) IsReferenced(ctx context.Context, id int64) (bool, error) {
	defer metrics.InstrumentQuery("label_is_referenced")()
	q := "SELECT EXISTS (SELECT 1 FROM manifest_labels WHERE label_id = $1)"

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking label references: %w", err)
	}

	return ok, nil
}

// CreateOrFind creates a label. Labels are content addressable, so if an identical label already exists that record
// is loaded into l.
func (s *labelStore) CreateOrFind(ctx context.Context, l *models.Label) error {
	defer metrics.InstrumentQuery("label_create_or_find")()
	if l.MediaType == "" {
		l.MediaType = "text/plain"
	}
	q := `INSERT INTO labels (key, value, source_type, media_type)
			VALUES ($1, $2, $3, $4)
		ON CONFLICT (key, value, source_type, media_type)
			DO NOTHING
		RETURNING
			id`

	err := s.db.QueryRowContext(ctx, q, l.Key, l.Value, l.SourceType, l.MediaType).Scan(&l.ID)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("creating label: %w", err)
	}

	q = `SELECT
			id
		FROM
			labels
		WHERE
			key = $1
			AND value = $2
			AND source_type = $3
			AND media_type = $4`
	if err := s.db.QueryRowContext(ctx, q, l.Key, l.Value, l.SourceType, l.MediaType).Scan(&l.ID); err != nil {
		return fmt.Errorf("finding label: %w", err)
	}

	return nil
}

// Delete removes a label.
func (s *labelStore) Delete(ctx context.Context, id int64) error {
	defer metrics.InstrumentQuery("label_delete")()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM labels WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting label: %w", err)
	}

	return nil
}
