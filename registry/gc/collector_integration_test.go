//go:build integration
// +build integration

package gc_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/opencontainers/go-digest"
	"github.com/quay/quay-sub006/migrations"
	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
	"github.com/quay/quay-sub006/registry/gc"
	"github.com/quay/quay-sub006/registry/gc/worker"
	wmocks "github.com/quay/quay-sub006/registry/gc/worker/mocks"
	"github.com/quay/quay-sub006/registry/quota"
	"github.com/quay/quay-sub006/registry/storage"
	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/inmemory"
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

type recordingNotifier struct {
	deleted []digest.Digest
}

func (n *recordingNotifier) ManifestDeleted(_ context.Context, _ *models.Repository, d digest.Digest) error {
	n.deleted = append(n.deleted, d)
	return nil
}

type env struct {
	ctx      context.Context
	store    *storage.Store
	driver   storagedriver.StorageDriver
	notifier *recordingNotifier
	c        *gc.Collector
}

func newEnv(t *testing.T) *env {
	t.Helper()

	testutil.ReloadAllFixtures(t, db, filepath.Join("..", "datastore"))

	d := inmemory.New()
	s, err := storage.NewStore("local_us", []string{"local_us", "local_eu"}, map[string]storagedriver.StorageDriver{
		"local_us": d,
		"local_eu": inmemory.New(),
	})
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	n := &recordingNotifier{}
	q := quota.NewEngine(db, quota.Config{Enabled: true}, quota.WithClock(clk))

	return &env{
		ctx:      context.Background(),
		store:    s,
		driver:   d,
		notifier: n,
		c:        gc.NewCollector(db, storage.NewVacuum(s), q, gc.WithCollectorClock(clk), gc.WithSecurityNotifier(n)),
	}
}

// seedBlob writes fake content for a blob to the local_us driver and returns its path.
func (e *env) seedBlob(t *testing.T, id int64) string {
	t.Helper()

	b, err := datastore.NewBlobStore(db).FindByID(e.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, b)

	p, err := storage.StoragePath(b.CASPath, b.ContentChecksum, b.UUID)
	require.NoError(t, err)
	require.NoError(t, e.driver.PutContent(e.ctx, p, []byte("data")))
	return p
}

func (e *env) requireExists(t *testing.T, p string, want bool) {
	t.Helper()

	_, err := e.driver.Stat(e.ctx, p)
	if want {
		require.NoError(t, err)
	} else {
		require.True(t, storagedriver.IsPathNotFound(err), "expected %q to be removed, got %v", p, err)
	}
}

func findRepository(t *testing.T, id int64) *models.Repository {
	t.Helper()

	r, err := datastore.NewRepositoryStore(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func requireQuota(t *testing.T, scope datastore.QuotaScope, id, want int64) {
	t.Helper()

	qs, err := datastore.NewQuotaStore(db).Size(context.Background(), scope, id)
	require.NoError(t, err)
	require.NotNil(t, qs)
	require.Equal(t, want, qs.SizeBytes)
}

func TestCollector_GarbageCollectRepository(t *testing.T) {
	e := newEnv(t)
	p4 := e.seedBlob(t, 4)
	p5 := e.seedBlob(t, 5)

	// tag "gone" of gcns/app expired and the namespace keeps no history
	changed, err := e.c.GarbageCollectRepository(e.ctx, findRepository(t, 6))
	require.NoError(t, err)
	require.True(t, changed)

	m, err := datastore.NewManifestStore(db).FindByID(e.ctx, 6)
	require.NoError(t, err)
	require.Nil(t, m)

	// the manifest kept alive by "stable" survives
	m, err = datastore.NewManifestStore(db).FindByID(e.ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, m)

	// blob 5 was only referenced by the deleted manifest but is the shared empty layer
	b, err := datastore.NewBlobStore(db).FindByID(e.ctx, 5)
	require.NoError(t, err)
	require.Nil(t, b)
	e.requireExists(t, p5, true)
	e.requireExists(t, p4, true)

	// the label of the deleted manifest is gone
	l, err := datastore.NewLabelStore(db).FindByID(e.ctx, 3)
	require.NoError(t, err)
	require.Nil(t, l)

	requireQuota(t, datastore.QuotaScopeNamespace, 5, 310)
	requireQuota(t, datastore.QuotaScopeRepository, 6, 310)
	require.Len(t, e.notifier.deleted, 1)

	// nothing left to collect
	changed, err = e.c.GarbageCollectRepository(e.ctx, findRepository(t, 6))
	require.NoError(t, err)
	require.False(t, changed)
}

func TestCollector_GarbageCollectRepository_ManifestStillTagged(t *testing.T) {
	e := newEnv(t)
	p1 := e.seedBlob(t, 1)

	// the expired tags of acme/web point at manifest 2, still tagged "v1", and the expired upload link of blob 1
	changed, err := e.c.GarbageCollectRepository(e.ctx, findRepository(t, 1))
	require.NoError(t, err)
	require.True(t, changed)

	m, err := datastore.NewManifestStore(db).FindByID(e.ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, m)

	b, err := datastore.NewBlobStore(db).FindByID(e.ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, b)
	e.requireExists(t, p1, true)

	requireQuota(t, datastore.QuotaScopeNamespace, 1, 325)
	require.Empty(t, e.notifier.deleted)

	tags, err := datastore.NewTagStore(db).ExpiredUnrecoverable(e.ctx, 1, 1700000000000, 10)
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestCollector_PurgeRepository(t *testing.T) {
	e := newEnv(t)
	p3 := e.seedBlob(t, 3)
	p4 := e.seedBlob(t, 4)

	repo := findRepository(t, 6)
	require.NoError(t, datastore.NewRepositoryStore(db).MarkForDeletion(e.ctx, repo, "c0ffee00-1c34-4f3a-9a7e-5b2f3c1d0e9a"))

	purged, err := e.c.PurgeRepository(e.ctx, repo)
	require.NoError(t, err)
	require.True(t, purged)

	r, err := datastore.NewRepositoryStore(db).FindByID(e.ctx, 6)
	require.NoError(t, err)
	require.Nil(t, r)

	ids, err := datastore.NewManifestStore(db).FindIDsByRepository(e.ctx, 6)
	require.NoError(t, err)
	require.Empty(t, ids)

	// blob 3 is still referenced by acme/web
	e.requireExists(t, p3, true)
	e.requireExists(t, p4, false)

	requireQuota(t, datastore.QuotaScopeNamespace, 5, 0)
	qs, err := datastore.NewQuotaStore(db).Size(e.ctx, datastore.QuotaScopeRepository, 6)
	require.NoError(t, err)
	require.Nil(t, qs)

	require.Len(t, e.notifier.deleted, 2)
}

func TestCollector_PurgeRepository_NotMarked(t *testing.T) {
	e := newEnv(t)

	_, err := e.c.PurgeRepository(e.ctx, findRepository(t, 1))
	require.ErrorIs(t, err, gc.ErrNotMarkedForDeletion)
}

func TestPurgeWorker(t *testing.T) {
	e := newEnv(t)
	w := worker.NewPurgeWorker(db, e.c)

	n, err := w.QueueSize(e.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := w.Run(e.ctx)
	require.NoError(t, err)
	require.True(t, found)

	r, err := datastore.NewRepositoryStore(db).FindByID(e.ctx, 7)
	require.NoError(t, err)
	require.Nil(t, r)

	found, err = w.Run(e.ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGarbageWorker(t *testing.T) {
	e := newEnv(t)
	w := worker.NewGarbageWorker(db, e.c, worker.WithExpirationPolicies(0))

	n, err := w.QueueSize(e.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := w.Run(e.ctx)
	require.NoError(t, err)
	require.True(t, found)

	m, err := datastore.NewManifestStore(db).FindByID(e.ctx, 6)
	require.NoError(t, err)
	require.Nil(t, m)

	found, err = w.Run(e.ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGarbageWorker_CollectorError(t *testing.T) {
	testutil.ReloadAllFixtures(t, db, filepath.Join("..", "datastore"))

	ctrl := gomock.NewController(t)
	cMock := wmocks.NewMockRepositoryCollector(ctrl)
	cMock.EXPECT().GarbageCollectRepository(gomock.Any(), gomock.Any()).Return(false, context.Canceled).Times(1)

	w := worker.NewGarbageWorker(db, cMock, worker.WithExpirationPolicies(0))
	found, err := w.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, found)
}
