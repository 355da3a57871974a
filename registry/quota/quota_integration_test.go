//go:build integration
// +build integration

package quota_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quay/quay-sub006/migrations"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
	"github.com/quay/quay-sub006/registry/quota"
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

func newEngine(cfg quota.Config) *quota.Engine {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	return quota.NewEngine(db, cfg, quota.WithClock(clk))
}

func findRepository(t *testing.T, id int64) *models.Repository {
	t.Helper()

	r, err := datastore.NewRepositoryStore(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func requireSize(t *testing.T, scope datastore.QuotaScope, id, want int64, complete bool) {
	t.Helper()

	qs, err := datastore.NewQuotaStore(db).Size(context.Background(), scope, id)
	require.NoError(t, err)
	require.NotNil(t, qs)
	require.Equal(t, want, qs.SizeBytes)
	require.Equal(t, complete, qs.BackfillComplete)
}

func TestEngine_UpdateQuota_Subtract(t *testing.T) {
	reloadFixtures(t)

	e := newEngine(quota.Config{Enabled: true})
	// blob 1 is still referenced by manifest 1, blob 6 is unique to manifest 2
	err := e.UpdateQuota(context.Background(), db, findRepository(t, 1), 2, map[int64]int64{1: 100, 6: 15}, quota.Subtract)
	require.NoError(t, err)

	requireSize(t, datastore.QuotaScopeNamespace, 1, 310, true)
	requireSize(t, datastore.QuotaScopeRepository, 1, 310, true)
}

func TestEngine_UpdateQuota_RepositoryUniqueNamespaceShared(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	e := newEngine(quota.Config{Enabled: true})

	// a manifest in repository 2 referencing blob 6, which manifest 2 of repository 1 already references
	m := &models.Manifest{
		RepositoryID: 2,
		Digest:       "sha256:1b3f5c5ad3e1a9b5d24c1b7a7f9d2bc4f0e4c8bd1e2a5c3f8e6d7c9b0a1f2e3d",
		MediaType:    "application/vnd.docker.distribution.manifest.v2+json",
		Bytes:        []byte(`{"schemaVersion":2}`),
	}
	ms := datastore.NewManifestStore(db)
	_, err := ms.CreateOrFind(ctx, m)
	require.NoError(t, err)
	require.NoError(t, ms.AssociateBlobs(ctx, m.RepositoryID, m.ID, 6))

	require.NoError(t, e.UpdateQuota(ctx, db, findRepository(t, 2), m.ID, map[int64]int64{6: 15}, quota.Add))

	// unchanged namespace total, new repository total
	requireSize(t, datastore.QuotaScopeNamespace, 1, 325, true)
	requireSize(t, datastore.QuotaScopeRepository, 2, 15, true)
}

func TestEngine_UpdateQuota_BackfillPending(t *testing.T) {
	reloadFixtures(t)

	e := newEngine(quota.Config{Enabled: true})
	require.NoError(t, e.UpdateQuota(context.Background(), db, findRepository(t, 3), 999, map[int64]int64{7: 400}, quota.Add))

	// the incomplete namespace total is left to the backfill worker
	requireSize(t, datastore.QuotaScopeNamespace, 2, 0, false)
	// repository 3 has no other manifest, so its total is created as authoritative
	requireSize(t, datastore.QuotaScopeRepository, 3, 400, true)
}

func TestEngine_UpdateQuota_IneligibleNamespace(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	r := &models.Repository{NamespaceID: 4, Name: "app"}
	require.NoError(t, datastore.NewRepositoryStore(db).Create(ctx, r))

	e := newEngine(quota.Config{Enabled: true})
	require.NoError(t, e.UpdateQuota(ctx, db, r, 999, map[int64]int64{7: 400}, quota.Add))

	qs, err := datastore.NewQuotaStore(db).Size(ctx, datastore.QuotaScopeRepository, r.ID)
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestEngine_UpdateQuota_DisabledInvalidatesTotals(t *testing.T) {
	reloadFixtures(t)

	e := newEngine(quota.Config{InvalidateTotals: true})
	require.NoError(t, e.UpdateQuota(context.Background(), db, findRepository(t, 1), 2, map[int64]int64{6: 15}, quota.Subtract))

	requireSize(t, datastore.QuotaScopeNamespace, 1, 0, false)
	requireSize(t, datastore.QuotaScopeRepository, 1, 0, false)
}

func TestEngine_UpdateQuota_SuppressFailures(t *testing.T) {
	reloadFixtures(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := findRepository(t, 1)

	e := newEngine(quota.Config{Enabled: true})
	require.Error(t, e.UpdateQuota(ctx, db, r, 2, map[int64]int64{6: 15}, quota.Subtract))

	e = newEngine(quota.Config{Enabled: true, SuppressFailures: true})
	require.NoError(t, e.UpdateQuota(ctx, db, r, 2, map[int64]int64{6: 15}, quota.Subtract))
}

func TestEngine_RunBackfill(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	e := newEngine(quota.Config{Enabled: true})
	require.NoError(t, e.ResetBackfill(ctx, db, findRepository(t, 1)))
	requireSize(t, datastore.QuotaScopeNamespace, 1, 0, false)

	require.NoError(t, e.RunBackfill(ctx, 1))

	requireSize(t, datastore.QuotaScopeNamespace, 1, 325, true)
	requireSize(t, datastore.QuotaScopeRepository, 1, 325, true)
	requireSize(t, datastore.QuotaScopeRepository, 2, 0, true)

	// repositories marked for deletion are not backfilled
	qs, err := datastore.NewQuotaStore(db).Size(ctx, datastore.QuotaScopeRepository, 7)
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestEngine_RunBackfill_IneligibleNamespace(t *testing.T) {
	reloadFixtures(t)

	e := newEngine(quota.Config{Enabled: true})
	require.NoError(t, e.RunBackfill(context.Background(), 3))

	qs, err := datastore.NewQuotaStore(db).Size(context.Background(), datastore.QuotaScopeNamespace, 3)
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestEngine_RegistrySize(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	qs := datastore.NewQuotaStore(db)
	// drain state left over by other suites
	_, err := qs.ClaimRegistrySize(ctx)
	require.NoError(t, err)
	require.NoError(t, qs.CompleteRegistrySize(ctx, 0, 0))

	e := newEngine(quota.Config{Enabled: true})

	ok, err := e.CalculateRegistrySize(ctx)
	require.NoError(t, err)
	require.False(t, ok, "nothing queued")

	queued, already, err := e.QueueRegistrySize(ctx)
	require.NoError(t, err)
	require.True(t, queued)
	require.False(t, already)

	queued, already, err = e.QueueRegistrySize(ctx)
	require.NoError(t, err)
	require.True(t, queued)
	require.True(t, already)

	ok, err = e.CalculateRegistrySize(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rs, err := e.RegistrySize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1057, rs.SizeBytes)
	require.False(t, rs.Running)
	require.False(t, rs.Queued)
	require.Equal(t, int64(1700000000000), rs.CompletedMs.Int64)
}

func TestEngine_CheckPushAllowed(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	e := newEngine(quota.Config{Enabled: true})

	require.NoError(t, e.CheckPushAllowed(ctx, db, 1, 675))
	require.ErrorIs(t, e.CheckPushAllowed(ctx, db, 1, 676), quota.ErrExceeded)

	// no limit
	require.NoError(t, e.CheckPushAllowed(ctx, db, 5, 1<<40))

	// accounting disabled
	require.NoError(t, newEngine(quota.Config{}).CheckPushAllowed(ctx, db, 1, 1<<40))
}

func TestEngine_CheckManifestAllowed(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	e := newEngine(quota.Config{Enabled: true})
	repo := &models.Repository{ID: 1, NamespaceID: 1}

	// blob 1 is already counted in the namespace
	require.NoError(t, e.CheckManifestAllowed(ctx, db, repo, map[int64]int64{1: 1 << 40}))
	// blob 7 is only linked through an upload
	require.NoError(t, e.CheckManifestAllowed(ctx, db, repo, map[int64]int64{1: 100, 7: 675}))
	require.ErrorIs(t, e.CheckManifestAllowed(ctx, db, repo, map[int64]int64{1: 100, 7: 676}), quota.ErrExceeded)
}

func TestBackfillWorker(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	w := quota.NewBackfillWorker(newEngine(quota.Config{Enabled: true}))

	// namespace 2 has a stale claim, namespaces 6 and 7 have no total
	n, err := w.QueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	found, err := w.Run(ctx)
	require.NoError(t, err)
	require.True(t, found)
	requireSize(t, datastore.QuotaScopeNamespace, 2, 0, true)
	requireSize(t, datastore.QuotaScopeRepository, 3, 0, true)

	for i := 0; i < 2; i++ {
		found, err = w.Run(ctx)
		require.NoError(t, err)
		require.True(t, found)
	}

	found, err = w.Run(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRegistrySizeWorker(t *testing.T) {
	reloadFixtures(t)

	ctx := context.Background()
	qs := datastore.NewQuotaStore(db)
	_, err := qs.ClaimRegistrySize(ctx)
	require.NoError(t, err)
	require.NoError(t, qs.CompleteRegistrySize(ctx, 0, 0))

	e := newEngine(quota.Config{Enabled: true})
	w := quota.NewRegistrySizeWorker(e)

	n, err := w.QueueSize(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, _, err = e.QueueRegistrySize(ctx)
	require.NoError(t, err)
	n, err = w.QueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := w.Run(ctx)
	require.NoError(t, err)
	require.True(t, found)

	found, err = w.Run(ctx)
	require.NoError(t, err)
	require.False(t, found)
}
