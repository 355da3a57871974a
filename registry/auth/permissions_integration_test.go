//go:build integration
// +build integration

package auth_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/quay/quay-sub006/migrations"
	"github.com/quay/quay-sub006/registry/auth"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
	"github.com/stretchr/testify/require"
)

var db *datastore.DB

func TestMain(m *testing.M) {
	var err error
	db, err = testutil.NewDB()
	if err != nil {
		panic(fmt.Errorf("setup error: %w", err))
	}
	if _, err := migrations.NewMigrator(db.DB).Up(); err != nil {
		panic(fmt.Errorf("setup error: %w", err))
	}

	code := m.Run()

	if err := testutil.TruncateAllTables(db); err != nil {
		panic(fmt.Errorf("teardown error: %w", err))
	}
	db.Close()

	os.Exit(code)
}

func reloadFixtures(t *testing.T) {
	testutil.ReloadAllFixtures(t, db, filepath.Join("..", "datastore"))
}

var (
	alice  = auth.ForUser(&models.Namespace{ID: 2, Username: "alice"})
	bob    = auth.ForUser(&models.Namespace{ID: 6, Username: "bob"})
	robot  = auth.ForUser(&models.Namespace{ID: 3, Username: "acme+builder", IsRobot: true})
	parser = auth.NewScopeParser(auth.ScopeOptions{LibraryNamespace: "library"})
)

func authorize(t *testing.T, pc *auth.PermissionChecker, ac auth.AuthContext, scope string) []string {
	t.Helper()

	s, err := parser.Parse(scope)
	require.NoError(t, err)
	ra, err := pc.Authorize(context.Background(), ac, s)
	require.NoError(t, err)
	return ra.Actions
}

func TestPermissionChecker_Authorize(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{AnonymousPulls: true, GlobalReadOnlySuperUsers: []string{"auditor"}})

	tcs := []struct {
		name  string
		ac    auth.AuthContext
		scope string
		want  []string
	}{
		{name: "anonymous pull public", ac: auth.Anonymous(), scope: "repository:acme/web:pull,push", want: []string{"pull"}},
		{name: "anonymous pull private", ac: auth.Anonymous(), scope: "repository:acme/base:pull", want: []string{}},
		{name: "org admin", ac: alice, scope: "repository:acme/base:pull,push,*", want: []string{"push", "pull", "*"}},
		{name: "direct read", ac: bob, scope: "repository:acme/base:pull,push", want: []string{"pull"}},
		{name: "mirror robot push", ac: robot, scope: "repository:acme/mirror:push", want: []string{"push"}},
		{name: "mirror non robot push", ac: alice, scope: "repository:acme/mirror:push,*", want: []string{}},
		{name: "read only push", ac: alice, scope: "repository:acme/frozen:push,pull", want: []string{"pull"}},
		{name: "no permission", ac: bob, scope: "repository:alice/private:pull", want: []string{}},
		{name: "global reader", ac: auth.ForUser(&models.Namespace{ID: 99, Username: "auditor"}), scope: "repository:alice/private:pull,push", want: []string{"pull"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, authorize(t, pc, tc.ac, tc.scope))
		})
	}
}

func TestPermissionChecker_Authorize_DisabledNamespace(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{})
	s, err := parser.Parse("repository:disabled/foo:pull")
	require.NoError(t, err)

	_, err = pc.Authorize(context.Background(), alice, s)
	require.ErrorIs(t, err, auth.ErrNamespaceDisabled)
}

func TestPermissionChecker_Authorize_MarkedForDeletion(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{})
	s, err := parser.Parse("repository:acme/b6a2d5f0-1c34-4f3a-9a7e-5b2f3c1d0e9a:pull")
	require.NoError(t, err)

	_, err = pc.Authorize(context.Background(), alice, s)
	require.ErrorIs(t, err, auth.ErrRepositoryUnknown)
}

func TestPermissionChecker_Authorize_CreateOnPush(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{CreatePrivateRepoOnPush: true})
	require.Equal(t, []string{"push", "pull"}, authorize(t, pc, alice, "repository:alice/newrepo:push,pull"))

	r, err := datastore.NewRepositoryStore(db).FindByPath(context.Background(), "alice", "newrepo")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, models.VisibilityPrivate, r.Visibility)

	role, err := datastore.NewPermissionStore(db).RoleFor(context.Background(), r.ID, alice.UserID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, role)

	// bob cannot create repositories in alice's namespace
	require.Equal(t, []string{}, authorize(t, pc, bob, "repository:alice/other:push"))

	// robots never create repositories
	require.Equal(t, []string{}, authorize(t, pc, robot, "repository:acme/robotrepo:push"))
}

func TestPermissionChecker_Authorize_CreateNamespaceOnPush(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{CreateNamespaceOnPush: true})
	require.Equal(t, []string{"push"}, authorize(t, pc, bob, "repository:neworg/app:push"))

	ns, err := datastore.NewNamespaceStore(db).FindByName(context.Background(), "neworg")
	require.NoError(t, err)
	require.NotNil(t, ns)

	admin, err := datastore.NewNamespaceStore(db).IsAdmin(context.Background(), ns.ID, bob.UserID)
	require.NoError(t, err)
	require.True(t, admin)
}

func TestPermissionChecker_CanRead_ProxyCache(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	r := &models.Repository{NamespaceID: 7, Name: "alpine", Visibility: models.VisibilityPrivate}
	require.NoError(t, datastore.NewRepositoryStore(db).Create(ctx, r))

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{ProxyCache: true})
	ok, err := pc.CanRead(ctx, bob, r)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pc.CanRead(ctx, alice, r)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPermissionChecker_Authorize_RestrictedUsers(t *testing.T) {
	reloadFixtures(t)

	pc := auth.NewPermissionChecker(db, auth.PermissionConfig{
		CreateNamespaceOnPush: true,
		RestrictedUsers:       true,
		SuperUsers:            []string{"bob"},
	})

	require.Equal(t, []string{}, authorize(t, pc, alice, "repository:alice/newrepo:push"))
	require.Equal(t, []string{}, authorize(t, pc, alice, "repository:aliceorg/app:push"))
	require.Equal(t, []string{"push"}, authorize(t, pc, alice, "repository:acme/newrepo:push"))
	require.Equal(t, []string{"push"}, authorize(t, pc, bob, "repository:bob/newrepo:push"))
}
