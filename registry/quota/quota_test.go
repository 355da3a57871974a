package quota

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

// fakeQuotaStore overrides the quota store methods exercised by a test. Calling any other method panics.
type fakeQuotaStore struct {
	datastore.QuotaStore

	backfillIDs   []int64
	staleBeforeMs int64
	limit         int
	registrySize  *models.QuotaRegistrySize
	queued        bool
	claim         bool
	total         int64
	completedSize int64
	completedMs   int64
	size          *models.QuotaSize
	sharedBlobs   map[int64]bool
	err           error
}

func (f *fakeQuotaStore) FindNamespacesNeedingBackfill(_ context.Context, staleBeforeMs int64, limit int) ([]int64, error) {
	f.staleBeforeMs, f.limit = staleBeforeMs, limit
	return f.backfillIDs, f.err
}

func (f *fakeQuotaStore) RegistrySize(context.Context) (*models.QuotaRegistrySize, error) {
	return f.registrySize, f.err
}

func (f *fakeQuotaStore) QueueRegistrySize(context.Context) error {
	f.queued = true
	return f.err
}

func (f *fakeQuotaStore) ClaimRegistrySize(context.Context) (bool, error) {
	return f.claim, f.err
}

func (f *fakeQuotaStore) TotalStorageSize(context.Context) (int64, error) {
	return f.total, f.err
}

func (f *fakeQuotaStore) CompleteRegistrySize(_ context.Context, size, nowMs int64) error {
	f.completedSize, f.completedMs = size, nowMs
	return f.err
}

func (f *fakeQuotaStore) Size(context.Context, datastore.QuotaScope, int64) (*models.QuotaSize, error) {
	return f.size, f.err
}

func (f *fakeQuotaStore) BlobReferencedElsewhere(_ context.Context, _ datastore.QuotaScope, _, _, blobID int64) (bool, error) {
	return f.sharedBlobs[blobID], f.err
}

type fakeNamespaceStore struct {
	datastore.NamespaceStore

	ns *models.Namespace
}

func (f *fakeNamespaceStore) FindByID(context.Context, int64) (*models.Namespace, error) {
	return f.ns, nil
}

func stubQuotaStore(tb testing.TB, f *fakeQuotaStore) {
	tb.Helper()

	bkp := quotaStoreConstructor
	quotaStoreConstructor = func(datastore.Queryer) datastore.QuotaStore { return f }
	tb.Cleanup(func() { quotaStoreConstructor = bkp })
}

func stubNamespaceStore(tb testing.TB, f *fakeNamespaceStore) {
	tb.Helper()

	bkp := namespaceStoreConstructor
	namespaceStoreConstructor = func(datastore.Queryer) datastore.NamespaceStore { return f }
	tb.Cleanup(func() { namespaceStoreConstructor = bkp })
}

var testNow = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

func newTestEngine(cfg Config) *Engine {
	clk := clock.NewMock()
	clk.Set(testNow)
	return NewEngine(nil, cfg, WithClock(clk))
}

func TestBackfillWorker_Run_NothingToDo(t *testing.T) {
	f := &fakeQuotaStore{}
	stubQuotaStore(t, f)

	w := NewBackfillWorker(newTestEngine(Config{Enabled: true}), WithStaleClaim(30*time.Minute))
	require.Equal(t, "registry.quota.BackfillWorker", w.Name())
	require.Equal(t, "quota_namespace_sizes", w.QueueName())

	found, err := w.Run(context.Background())
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, f.limit)
	require.Equal(t, testNow.Add(-30*time.Minute).UnixNano()/1e6, f.staleBeforeMs)
}

func TestBackfillWorker_Run_Error(t *testing.T) {
	f := &fakeQuotaStore{err: errors.New("boom")}
	stubQuotaStore(t, f)

	found, err := NewBackfillWorker(newTestEngine(Config{})).Run(context.Background())
	require.EqualError(t, err, "boom")
	require.False(t, found)
}

func TestBackfillWorker_QueueSize(t *testing.T) {
	f := &fakeQuotaStore{backfillIDs: []int64{1, 2, 3}}
	stubQuotaStore(t, f)

	n, err := NewBackfillWorker(newTestEngine(Config{})).QueueSize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, queueSizeLimit, f.limit)
	require.Equal(t, testNow.Add(-defaultStaleClaim).UnixNano()/1e6, f.staleBeforeMs)
}

func TestRegistrySizeWorker_QueueSize(t *testing.T) {
	f := &fakeQuotaStore{registrySize: &models.QuotaRegistrySize{}}
	stubQuotaStore(t, f)

	w := NewRegistrySizeWorker(newTestEngine(Config{}))
	require.Equal(t, "registry.quota.RegistrySizeWorker", w.Name())

	n, err := w.QueueSize(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	f.registrySize.Queued = true
	n, err = w.QueueSize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEngine_QueueRegistrySize(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := &fakeQuotaStore{registrySize: &models.QuotaRegistrySize{}}
		stubQuotaStore(t, f)

		queued, already, err := newTestEngine(Config{}).QueueRegistrySize(context.Background())
		require.NoError(t, err)
		require.True(t, queued)
		require.False(t, already)
		require.True(t, f.queued)
	})

	t.Run("running", func(t *testing.T) {
		f := &fakeQuotaStore{registrySize: &models.QuotaRegistrySize{Running: true}}
		stubQuotaStore(t, f)

		queued, already, err := newTestEngine(Config{}).QueueRegistrySize(context.Background())
		require.NoError(t, err)
		require.True(t, queued)
		require.True(t, already)
		require.False(t, f.queued)
	})
}

func TestEngine_CalculateRegistrySize(t *testing.T) {
	t.Run("nothing queued", func(t *testing.T) {
		f := &fakeQuotaStore{}
		stubQuotaStore(t, f)

		found, err := NewRegistrySizeWorker(newTestEngine(Config{})).Run(context.Background())
		require.NoError(t, err)
		require.False(t, found)
		require.Zero(t, f.completedMs)
	})

	t.Run("claimed", func(t *testing.T) {
		f := &fakeQuotaStore{claim: true, total: 4096}
		stubQuotaStore(t, f)

		found, err := newTestEngine(Config{}).CalculateRegistrySize(context.Background())
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(4096), f.completedSize)
		require.Equal(t, testNow.UnixNano()/1e6, f.completedMs)
	})
}

func TestEngine_CheckPushAllowed(t *testing.T) {
	limited := &models.Namespace{ID: 1, Username: "acme", QuotaLimitBytes: sql.NullInt64{Int64: 1000, Valid: true}}

	tests := []struct {
		name       string
		cfg        Config
		ns         *models.Namespace
		size       *models.QuotaSize
		additional int64
		wantErr    string
	}{
		{name: "disabled", cfg: Config{}, ns: limited, size: &models.QuotaSize{SizeBytes: 5000}, additional: 1},
		{name: "no limit", cfg: Config{Enabled: true}, ns: &models.Namespace{ID: 1}, size: &models.QuotaSize{SizeBytes: 5000}, additional: 1},
		{name: "unknown namespace", cfg: Config{Enabled: true}, additional: 5000},
		{name: "no total within limit", cfg: Config{Enabled: true}, ns: limited, additional: 1000},
		{
			name:       "no total over limit",
			cfg:        Config{Enabled: true},
			ns:         limited,
			additional: 1 << 20,
			wantErr:    `quota exceeded: namespace "acme" uses 0 of 1000 bytes`,
		},
		{
			name:       "backfill pending within limit",
			cfg:        Config{Enabled: true},
			ns:         limited,
			size:       &models.QuotaSize{SizeBytes: 0, BackfillComplete: false},
			additional: 1000,
		},
		{
			name:       "backfill pending over limit",
			cfg:        Config{Enabled: true},
			ns:         limited,
			size:       &models.QuotaSize{SizeBytes: 700, BackfillComplete: false},
			additional: 301,
			wantErr:    `quota exceeded: namespace "acme" uses 700 of 1000 bytes`,
		},
		{name: "within limit", cfg: Config{Enabled: true}, ns: limited, size: &models.QuotaSize{SizeBytes: 400, BackfillComplete: true}, additional: 600},
		{
			name:       "over limit",
			cfg:        Config{Enabled: true},
			ns:         limited,
			size:       &models.QuotaSize{SizeBytes: 400, BackfillComplete: true},
			additional: 601,
			wantErr:    `quota exceeded: namespace "acme" uses 400 of 1000 bytes`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			stubQuotaStore(t, &fakeQuotaStore{size: test.size})
			stubNamespaceStore(t, &fakeNamespaceStore{ns: test.ns})

			err := newTestEngine(test.cfg).CheckPushAllowed(context.Background(), nil, 1, test.additional)
			if test.wantErr != "" {
				require.ErrorIs(t, err, ErrExceeded)
				require.EqualError(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEngine_CheckManifestAllowed_FirstPush(t *testing.T) {
	stubNamespaceStore(t, &fakeNamespaceStore{ns: &models.Namespace{
		ID:              1,
		Username:        "acme",
		QuotaLimitBytes: sql.NullInt64{Int64: 10, Valid: true},
	}})
	stubQuotaStore(t, &fakeQuotaStore{})

	repo := &models.Repository{ID: 5, NamespaceID: 1}
	err := newTestEngine(Config{Enabled: true}).CheckManifestAllowed(context.Background(), nil, repo, map[int64]int64{11: 1 << 20})
	require.ErrorIs(t, err, ErrExceeded)
}

func TestEngine_CheckManifestAllowed(t *testing.T) {
	stubNamespaceStore(t, &fakeNamespaceStore{ns: &models.Namespace{
		ID:              1,
		Username:        "acme",
		QuotaLimitBytes: sql.NullInt64{Int64: 1000, Valid: true},
	}})
	stubQuotaStore(t, &fakeQuotaStore{
		size:        &models.QuotaSize{SizeBytes: 900},
		sharedBlobs: map[int64]bool{10: true},
	})

	e := newTestEngine(Config{Enabled: true})
	repo := &models.Repository{ID: 5, NamespaceID: 1}

	// shared blobs do not count against the limit
	require.NoError(t, e.CheckManifestAllowed(context.Background(), nil, repo, map[int64]int64{10: 500}))
	require.NoError(t, e.CheckManifestAllowed(context.Background(), nil, repo, map[int64]int64{10: 500, 11: 100}))

	err := e.CheckManifestAllowed(context.Background(), nil, repo, map[int64]int64{10: 500, 11: 101})
	require.ErrorIs(t, err, ErrExceeded)
}
