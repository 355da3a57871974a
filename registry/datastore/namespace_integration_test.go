//go:build integration
// +build integration

package datastore_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

func reloadNamespaceFixtures(tb testing.TB) {
	testutil.ReloadFixtures(tb, suite.db, suite.basePath,
		testutil.NamespacesTable, testutil.NamespaceMembersTable, testutil.NamespaceGeoRestrictionsTable)
}

func unloadNamespaceFixtures(tb testing.TB) {
	require.NoError(tb, testutil.TruncateTables(suite.db, testutil.NamespacesTable))
}

func TestNamespaceStore_ImplementsReaderAndWriter(t *testing.T) {
	require.Implements(t, (*datastore.NamespaceStore)(nil), datastore.NewNamespaceStore(suite.db))
}

func TestNamespaceStore_FindByName(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	n, err := s.FindByName(suite.ctx, "acme")
	require.NoError(t, err)

	// see testdata/fixtures/namespaces.sql
	require.Equal(t, &models.Namespace{
		ID:                    1,
		Username:              "acme",
		Enabled:               true,
		RemovedTagExpirationS: 1209600,
		IsOrganization:        true,
		QuotaLimitBytes:       sql.NullInt64{Int64: 1000, Valid: true},
		CreatedAt:             testutil.ParseTimestamp(t, "2020-03-02 17:50:26.461745", n.CreatedAt.Location()),
	}, n)
}

func TestNamespaceStore_FindByName_NotFound(t *testing.T) {
	unloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	n, err := s.FindByName(suite.ctx, "foo")
	require.Nil(t, n)
	require.NoError(t, err)
}

func TestNamespaceStore_FindByID(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	n, err := s.FindByID(suite.ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "cache", n.Username)
	require.Equal(t, sql.NullString{String: "docker.io", Valid: true}, n.ProxyCacheUpstream)

	n, err = s.FindByID(suite.ctx, 100)
	require.NoError(t, err)
	require.Nil(t, n)
}

func TestNamespaceStore_Membership(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)

	tcs := map[string]struct {
		orgID, memberID int64
		member, admin   bool
	}{
		"admin":      {orgID: 1, memberID: 2, member: true, admin: true},
		"member":     {orgID: 1, memberID: 6, member: true},
		"non member": {orgID: 7, memberID: 2},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			ok, err := s.IsMember(suite.ctx, tc.orgID, tc.memberID)
			require.NoError(t, err)
			require.Equal(t, tc.member, ok)

			ok, err = s.IsAdmin(suite.ctx, tc.orgID, tc.memberID)
			require.NoError(t, err)
			require.Equal(t, tc.admin, ok)
		})
	}
}

func TestNamespaceStore_GeoRestrictions(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	codes, err := s.GeoRestrictions(suite.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"CU", "KP"}, codes)

	codes, err = s.GeoRestrictions(suite.ctx, 2)
	require.NoError(t, err)
	require.Empty(t, codes)
}

func TestNamespaceStore_TagExpirationPolicies(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	pp, err := s.TagExpirationPolicies(suite.ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1209600}, pp)
}

func TestNamespaceStore_Create(t *testing.T) {
	unloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	n := &models.Namespace{Username: "carol", Enabled: true, RemovedTagExpirationS: 3600}
	require.NoError(t, s.Create(suite.ctx, n))
	require.NotEmpty(t, n.ID)
	require.NotEmpty(t, n.CreatedAt)

	err := s.Create(suite.ctx, &models.Namespace{Username: "carol"})
	require.ErrorIs(t, err, datastore.ErrAlreadyExists)
}

func TestNamespaceStore_CreateOrFind(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)

	n := &models.Namespace{Username: "acme"}
	require.NoError(t, s.CreateOrFind(suite.ctx, n))
	require.EqualValues(t, 1, n.ID)
	require.True(t, n.IsOrganization)

	n = &models.Namespace{Username: "dave", Enabled: true}
	require.NoError(t, s.CreateOrFind(suite.ctx, n))
	require.NotEmpty(t, n.ID)

	found, err := s.FindByName(suite.ctx, "dave")
	require.NoError(t, err)
	require.Equal(t, n.ID, found.ID)
}

func TestNamespaceStore_AddMember(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	require.NoError(t, s.AddMember(suite.ctx, 7, 2, false))

	ok, err := s.IsMember(suite.ctx, 7, 2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.IsAdmin(suite.ctx, 7, 2)
	require.NoError(t, err)
	require.False(t, ok)

	// promote
	require.NoError(t, s.AddMember(suite.ctx, 7, 2, true))
	ok, err = s.IsAdmin(suite.ctx, 7, 2)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNamespaceStore_SetQuotaLimit(t *testing.T) {
	reloadNamespaceFixtures(t)

	s := datastore.NewNamespaceStore(suite.db)
	require.NoError(t, s.SetQuotaLimit(suite.ctx, 2, sql.NullInt64{Int64: 50, Valid: true}))

	n, err := s.FindByID(suite.ctx, 2)
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: 50, Valid: true}, n.QuotaLimitBytes)

	require.NoError(t, s.SetQuotaLimit(suite.ctx, 2, sql.NullInt64{}))
	n, err = s.FindByID(suite.ctx, 2)
	require.NoError(t, err)
	require.False(t, n.QuotaLimitBytes.Valid)

	err = s.SetQuotaLimit(suite.ctx, 100, sql.NullInt64{})
	require.ErrorIs(t, err, datastore.ErrNotFound)
}
