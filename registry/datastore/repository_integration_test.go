//go:build integration
// +build integration

package datastore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

func reloadRepositoryFixtures(tb testing.TB) {
	testutil.ReloadFixtures(tb, suite.db, suite.basePath,
		testutil.NamespacesTable, testutil.NamespaceMembersTable, testutil.RepositoriesTable,
		testutil.RepositoryPermissionsTable)
}

func unloadRepositoryFixtures(tb testing.TB) {
	require.NoError(tb, testutil.TruncateTables(suite.db, testutil.RepositoriesTable))
}

func TestRepositoryStore_ImplementsReaderAndWriter(t *testing.T) {
	require.Implements(t, (*datastore.RepositoryStore)(nil), datastore.NewRepositoryStore(suite.db))
}

func TestRepositoryStore_FindByPath(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	r, err := s.FindByPath(suite.ctx, "acme", "web")
	require.NoError(t, err)

	// see testdata/fixtures/repositories.sql
	require.Equal(t, &models.Repository{
		ID:            1,
		NamespaceID:   1,
		Name:          "web",
		Kind:          models.RepositoryKindImage,
		State:         models.RepositoryStateNormal,
		Visibility:    models.VisibilityPublic,
		Description:   "web frontend",
		CreatedAt:     testutil.ParseTimestamp(t, "2020-03-02 17:50:26.461745", r.CreatedAt.Location()),
		NamespaceName: "acme",
	}, r)
	require.Equal(t, "acme/web", r.Path())
}

func TestRepositoryStore_FindByPath_NotFound(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	r, err := s.FindByPath(suite.ctx, "alice", "web")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestRepositoryStore_FindByID(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	r, err := s.FindByID(suite.ctx, 4)
	require.NoError(t, err)
	require.Equal(t, models.RepositoryStateMirror, r.State)
	require.True(t, r.MirrorRobotID.Valid)
	require.EqualValues(t, 3, r.MirrorRobotID.Int64)

	r, err = s.FindByID(suite.ctx, 100)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestRepositoryStore_FindByNamespace(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	rr, err := s.FindByNamespace(suite.ctx, 1)
	require.NoError(t, err)

	var ids []int64
	for _, r := range rr {
		ids = append(ids, r.ID)
	}
	// the repository marked for deletion is excluded
	require.Equal(t, []int64{1, 2, 4, 5}, ids)
}

func TestRepositoryStore_FindVisiblePaginated(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)

	tcs := map[string]struct {
		filter datastore.CatalogFilter
		want   []int64
	}{
		"anonymous public": {
			filter: datastore.CatalogFilter{IncludePublic: true, Limit: 100},
			want:   []int64{1},
		},
		"org admin": {
			filter: datastore.CatalogFilter{UserID: 2, Limit: 100},
			want:   []int64{1, 2, 3, 4, 5},
		},
		"direct permission": {
			filter: datastore.CatalogFilter{UserID: 6, Limit: 100},
			want:   []int64{2},
		},
		"all": {
			filter: datastore.CatalogFilter{All: true, Limit: 100},
			want:   []int64{1, 2, 3, 4, 5, 6},
		},
		"paginated": {
			filter: datastore.CatalogFilter{All: true, AfterID: 2, Limit: 2},
			want:   []int64{3, 4},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			rr, err := s.FindVisiblePaginated(suite.ctx, tc.filter)
			require.NoError(t, err)

			ids := make([]int64, 0, len(rr))
			for _, r := range rr {
				ids = append(ids, r.ID)
			}
			require.Equal(t, tc.want, ids)
		})
	}
}

func TestRepositoryStore_FindMarkedForDeletion(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	rr, err := s.FindMarkedForDeletion(suite.ctx, 10)
	require.NoError(t, err)
	require.Len(t, rr, 1)
	require.EqualValues(t, 7, rr[0].ID)
}

func TestRepositoryStore_Create(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	r := &models.Repository{NamespaceID: 2, Name: "tools"}
	require.NoError(t, s.Create(suite.ctx, r))
	require.NotEmpty(t, r.ID)
	require.Equal(t, models.RepositoryKindImage, r.Kind)
	require.Equal(t, models.RepositoryStateNormal, r.State)
	require.Equal(t, models.VisibilityPrivate, r.Visibility)

	err := s.Create(suite.ctx, &models.Repository{NamespaceID: 1, Name: "web"})
	require.ErrorIs(t, err, datastore.ErrAlreadyExists)
}

func TestRepositoryStore_SetStateAndVisibility(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	require.NoError(t, s.SetState(suite.ctx, 2, models.RepositoryStateReadOnly))
	require.NoError(t, s.SetVisibility(suite.ctx, 2, models.VisibilityPublic))

	r, err := s.FindByID(suite.ctx, 2)
	require.NoError(t, err)
	require.Equal(t, models.RepositoryStateReadOnly, r.State)
	require.Equal(t, models.VisibilityPublic, r.Visibility)

	err = s.SetState(suite.ctx, 100, models.RepositoryStateNormal)
	require.ErrorIs(t, err, datastore.ErrRepositoryNotFound)
}

func TestRepositoryStore_MarkForDeletion(t *testing.T) {
	reloadRepositoryFixtures(t)

	s := datastore.NewRepositoryStore(suite.db)
	r, err := s.FindByID(suite.ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.MarkForDeletion(suite.ctx, r, "0e3f5c4a-9d6b-4a1e-8f2c-7b5d3e1a9c08"))
	require.Equal(t, models.RepositoryStateMarkedForDeletion, r.State)
	require.Equal(t, models.VisibilityPrivate, r.Visibility)

	// the name is free for reuse
	found, err := s.FindByPath(suite.ctx, "acme", "web")
	require.NoError(t, err)
	require.Nil(t, found)
	require.NoError(t, s.Create(suite.ctx, &models.Repository{NamespaceID: 1, Name: "web"}))

	// marking twice fails
	err = s.MarkForDeletion(suite.ctx, r, "other")
	require.ErrorIs(t, err, datastore.ErrRepositoryNotFound)
}

func TestRepositoryStore_Delete(t *testing.T) {
	unloadRepositoryFixtures(t)
	testutil.ReloadFixtures(t, suite.db, suite.basePath, testutil.NamespacesTable)

	s := datastore.NewRepositoryStore(suite.db)
	r := &models.Repository{NamespaceID: 1, Name: "tmp"}
	require.NoError(t, s.Create(suite.ctx, r))

	require.NoError(t, s.Delete(suite.ctx, r.ID))
	found, err := s.FindByID(suite.ctx, r.ID)
	require.NoError(t, err)
	require.Nil(t, found)

	require.ErrorIs(t, s.Delete(suite.ctx, r.ID), datastore.ErrRepositoryNotFound)
}
