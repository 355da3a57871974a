//go:build integration
// +build integration

package migrations_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/migrations"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

func TestMigrator_Version(t *testing.T) {
	db, err := testutil.NewDB()
	require.NoError(t, err)
	defer db.Close()

	m := migrations.NewMigrator(db.DB)
	_, err = m.Up()
	require.NoError(t, err)

	latest, err := m.LatestVersion()
	require.NoError(t, err)

	current, err := m.Version()
	require.NoError(t, err)
	require.Equal(t, latest, current)
}

func TestMigrator_Version_NoMigrations(t *testing.T) {
	db, err := testutil.NewDB()
	require.NoError(t, err)
	defer db.Close()

	m := migrations.NewMigrator(db.DB)
	_, err = m.Down()
	require.NoError(t, err)
	defer m.Up()

	v, err := m.Version()
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestMigrator_UpN(t *testing.T) {
	db, err := testutil.NewDB()
	require.NoError(t, err)
	defer db.Close()

	m := migrations.NewMigrator(db.DB)
	_, err = m.Down()
	require.NoError(t, err)
	defer m.Up()

	all := migrations.All()
	n := len(all) - 2

	count, err := m.UpN(n)
	require.NoError(t, err)
	require.Equal(t, n, count)

	plan, err := m.UpNPlan(0)
	require.NoError(t, err)
	require.Equal(t, []string{all[len(all)-2].Id, all[len(all)-1].Id}, plan)

	count, err = m.UpN(0)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// idempotent
	count, err = m.UpN(100)
	require.NoError(t, err)
	require.Zero(t, count)

	status, err := m.Status()
	require.NoError(t, err)
	for _, mig := range all {
		require.Contains(t, status, mig.Id)
		require.False(t, status[mig.Id].Unknown)
		require.NotEmpty(t, status[mig.Id].AppliedAt)
	}
}

func TestMigrator_SkipPostDeployment(t *testing.T) {
	db, err := testutil.NewDB()
	require.NoError(t, err)
	defer db.Close()

	m := migrations.NewMigrator(db.DB, migrations.SkipPostDeployment())
	_, err = m.Down()
	require.NoError(t, err)
	defer migrations.NewMigrator(db.DB).Up()

	count, err := m.Up()
	require.NoError(t, err)
	require.Equal(t, len(migrations.NonPostDeployment()), count)
}
