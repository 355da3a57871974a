package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quay/quay-sub006/registry/datastore/metrics"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// AuthKeyReader is the interface that defines read operations for an auth signing key store.
type AuthKeyReader interface {
	FindByKID(ctx context.Context, kid string) (*models.AuthSigningKey, error)
	FindValid(ctx context.Context, service string, now time.Time) ([]*models.AuthSigningKey, error)
}

// AuthKeyWriter is the interface that defines write operations for an auth signing key store.
type AuthKeyWriter interface {
	Create(ctx context.Context, k *models.AuthSigningKey) error
}

// AuthKeyStore is the interface that an auth signing key store should conform to.
type AuthKeyStore interface {
	AuthKeyReader
	AuthKeyWriter
}

// authKeyStore is the concrete implementation of an AuthKeyStore.
type authKeyStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// NewAuthKeyStore builds a new authKeyStore.
func NewAuthKeyStore(db Queryer) *authKeyStore {
	return &authKeyStore{db: db}
}

const authKeyColumns = `id,
			kid,
			service,
			public_key,
			approved,
			expiration,
			created_at`

func scanAuthKey(sc scanner) (*models.AuthSigningKey, error) {
	k := new(models.AuthSigningKey)
	err := sc.Scan(&k.ID, &k.KID, &k.Service, &k.PublicKey, &k.Approved, &k.Expiration, &k.CreatedAt)
	return k, err
}

// FindByKID finds a key by key ID.
func (s *authKeyStore) FindByKID(ctx context.Context, kid string) (*models.AuthSigningKey, error) {
	defer metrics.InstrumentQuery("auth_key_find_by_kid")()
	q := `SELECT ` + authKeyColumns + `
		FROM
			auth_signing_keys
		WHERE
			kid = $1`

	k, err := scanAuthKey(s.db.QueryRowContext(ctx, q, kid))
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("scanning auth signing key: %w", err)
		}
		return nil, nil
	}

	return k, nil
}

// FindValid returns the approved and unexpired keys of a service.
func (s *authKeyStore) FindValid(ctx context.Context, service string, now time.Time) ([]*models.AuthSigningKey, error) {
	defer metrics.InstrumentQuery("auth_key_find_valid")()
	q := `SELECT ` + authKeyColumns + `
		FROM
			auth_signing_keys
		WHERE
			service = $1
			AND approved
			AND (expiration IS NULL
				OR expiration > $2)
		ORDER BY
			id`

	rows, err := s.db.QueryContext(ctx, q, service, now)
	if err != nil {
		return nil, fmt.Errorf("finding valid auth signing keys: %w", err)
	}
	defer rows.Close()

	kk := make([]*models.AuthSigningKey, 0)
	for rows.Next() {
		k, err := scanAuthKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auth signing key: %w", err)
		}
		kk = append(kk, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning auth signing keys: %w", err)
	}

	return kk, nil
}

// Create saves a new key.
func (s *authKeyStore) Create(ctx context.Context, k *models.AuthSigningKey) error {
	defer metrics.InstrumentQuery("auth_key_create")()
	q := `INSERT INTO auth_signing_keys (kid, service, public_key, approved, expiration)
			VALUES ($1, $2, $3, $4, $5)
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, k.KID, k.Service, k.PublicKey, k.Approved, k.Expiration)
	if err := row.Scan(&k.ID, &k.CreatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("creating auth signing key %q: %w", k.KID, ErrAlreadyExists)
		}
		return fmt.Errorf("creating auth signing key: %w", err)
	}

	return nil
}
