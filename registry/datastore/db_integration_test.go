//go:build integration
// +build integration

package datastore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		dsnFactory func() (*datastore.DSN, error)
		wantErr    bool
	}{
		{
			name:       "success",
			dsnFactory: testutil.NewDSN,
			wantErr:    false,
		},
		{
			name: "error",
			dsnFactory: func() (*datastore.DSN, error) {
				dsn, err := testutil.NewDSN()
				if err != nil {
					return nil, err
				}
				dsn.DBName = "nonexistent"
				return dsn, nil
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := tt.dsnFactory()
			require.NoError(t, err)

			db, err := datastore.Open(dsn)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				defer db.Close()
				require.NoError(t, err)
				require.IsType(t, new(datastore.DB), db)
				require.False(t, db.ReadOnly())
			}
		})
	}
}

func TestOpen_ReadOnly(t *testing.T) {
	reloadAllFixtures(t)

	db, err := testutil.NewDB(datastore.WithReadOnly())
	require.NoError(t, err)
	defer db.Close()
	require.True(t, db.ReadOnly())

	s := datastore.NewNamespaceStore(db)
	n, err := s.FindByName(suite.ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, n)

	err = s.Create(suite.ctx, &models.Namespace{Username: "readonly"})
	require.Error(t, err)
	require.True(t, datastore.IsReadOnly(err))
}

func TestWithTransaction(t *testing.T) {
	reloadAllFixtures(t)

	boom := errors.New("boom")
	err := datastore.WithTransaction(suite.ctx, suite.db, func(tx datastore.Transactor) error {
		s := datastore.NewNamespaceStore(tx)
		if err := s.Create(suite.ctx, &models.Namespace{Username: "rolledback", Enabled: true}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := datastore.NewNamespaceStore(suite.db).FindByName(suite.ctx, "rolledback")
	require.NoError(t, err)
	require.Nil(t, n)

	err = datastore.WithTransaction(suite.ctx, suite.db, func(tx datastore.Transactor) error {
		return datastore.NewNamespaceStore(tx).Create(suite.ctx, &models.Namespace{Username: "committed", Enabled: true})
	})
	require.NoError(t, err)

	n, err = datastore.NewNamespaceStore(suite.db).FindByName(suite.ctx, "committed")
	require.NoError(t, err)
	require.NotNil(t, n)
}

func TestReadOnlyHandler(t *testing.T) {
	reloadAllFixtures(t)

	h := datastore.NewReadOnlyHandler(suite.db)
	s := datastore.NewNamespaceStore(h)

	// reads go through
	n, err := s.FindByName(suite.ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, n)

	// Exec based writes
	err = s.AddMember(suite.ctx, 1, 4, false)
	require.ErrorIs(t, err, datastore.ErrReadOnly)

	// QueryRow based writes
	err = s.Create(suite.ctx, &models.Namespace{Username: "blocked"})
	require.Error(t, err)
	require.True(t, datastore.IsReadOnly(err))

	// transactions
	err = datastore.WithTransaction(suite.ctx, h, func(tx datastore.Transactor) error {
		return datastore.NewNamespaceStore(tx).SetQuotaLimit(suite.ctx, 1, n.QuotaLimitBytes)
	})
	require.Error(t, err)
	require.True(t, datastore.IsReadOnly(err))

	// allowed calls
	ctx := datastore.AllowReadOnlyCall(context.Background())
	require.NoError(t, s.AddMember(ctx, 1, 4, false))
	ok, err := s.IsMember(suite.ctx, 1, 4)
	require.NoError(t, err)
	require.True(t, ok)
}
