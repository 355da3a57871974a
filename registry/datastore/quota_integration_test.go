//go:build integration
// +build integration

package datastore_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
)

func TestQuotaStore_ImplementsReaderAndWriter(t *testing.T) {
	require.Implements(t, (*datastore.QuotaStore)(nil), datastore.NewQuotaStore(suite.db))
}

func TestQuotaStore_Size(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	// see testdata/fixtures/quota_namespace_sizes.sql
	qs, err := s.Size(suite.ctx, datastore.QuotaScopeNamespace, 1)
	require.NoError(t, err)
	require.Equal(t, &models.QuotaSize{
		ScopeID:          1,
		SizeBytes:        325,
		BackfillStartMs:  sql.NullInt64{Int64: 1600000000000, Valid: true},
		BackfillComplete: true,
	}, qs)

	qs, err = s.Size(suite.ctx, datastore.QuotaScopeRepository, 6)
	require.NoError(t, err)
	require.EqualValues(t, 342, qs.SizeBytes)

	qs, err = s.Size(suite.ctx, datastore.QuotaScopeRepository, 2)
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestQuotaStore_Compute(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	tcs := map[string]struct {
		scope datastore.QuotaScope
		id    int64
		want  int64
	}{
		"namespace":        {scope: datastore.QuotaScopeNamespace, id: 1, want: 325},
		"repository":       {scope: datastore.QuotaScopeRepository, id: 6, want: 342},
		"empty namespace":  {scope: datastore.QuotaScopeNamespace, id: 2, want: 0},
		"empty repository": {scope: datastore.QuotaScopeRepository, id: 3, want: 0},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			size, err := s.Compute(suite.ctx, tc.scope, tc.id)
			require.NoError(t, err)
			require.Equal(t, tc.want, size)
		})
	}
}

func TestQuotaStore_BlobReferencedElsewhere(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	ok, err := s.BlobReferencedElsewhere(suite.ctx, datastore.QuotaScopeRepository, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BlobReferencedElsewhere(suite.ctx, datastore.QuotaScopeRepository, 1, 1, 3)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.BlobReferencedElsewhere(suite.ctx, datastore.QuotaScopeNamespace, 5, 5, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQuotaStore_CountManifests(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	n, err := s.CountManifests(suite.ctx, datastore.QuotaScopeNamespace, 1)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	n, err = s.CountManifests(suite.ctx, datastore.QuotaScopeRepository, 6)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestQuotaStore_FindNamespacesNeedingBackfill(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	ids, err := s.FindNamespacesNeedingBackfill(suite.ctx, nowMs, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 6, 7}, ids)

	// a recent claim hides the namespace
	ids, err = s.FindNamespacesNeedingBackfill(suite.ctx, 1500000000000, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{6, 7}, ids)
}

func TestQuotaStore_CreateCompleteAndApplyDelta(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	ok, err := s.CreateComplete(suite.ctx, datastore.QuotaScopeNamespace, 6, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CreateComplete(suite.ctx, datastore.QuotaScopeNamespace, 6, 99)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ApplyDelta(suite.ctx, datastore.QuotaScopeNamespace, 6, 5)
	require.NoError(t, err)
	require.True(t, ok)

	// counters never go below zero
	ok, err = s.ApplyDelta(suite.ctx, datastore.QuotaScopeNamespace, 6, -100)
	require.NoError(t, err)
	require.True(t, ok)

	qs, err := s.Size(suite.ctx, datastore.QuotaScopeNamespace, 6)
	require.NoError(t, err)
	require.Zero(t, qs.SizeBytes)

	// incomplete counters are left for the backfill
	ok, err = s.ApplyDelta(suite.ctx, datastore.QuotaScopeNamespace, 2, 5)
	require.NoError(t, err)
	require.False(t, ok)

	qs, err = s.Size(suite.ctx, datastore.QuotaScopeNamespace, 2)
	require.NoError(t, err)
	require.Zero(t, qs.SizeBytes)
}

func TestQuotaStore_Backfill(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	require.NoError(t, s.StartBackfill(suite.ctx, datastore.QuotaScopeNamespace, 1, nowMs))
	qs, err := s.Size(suite.ctx, datastore.QuotaScopeNamespace, 1)
	require.NoError(t, err)
	require.False(t, qs.BackfillComplete)
	require.Equal(t, sql.NullInt64{Int64: nowMs, Valid: true}, qs.BackfillStartMs)

	// a newer claim wins over an older one
	require.NoError(t, s.StartBackfill(suite.ctx, datastore.QuotaScopeNamespace, 1, nowMs+1))
	ok, err := s.CompleteBackfill(suite.ctx, datastore.QuotaScopeNamespace, 1, nowMs, 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompleteBackfill(suite.ctx, datastore.QuotaScopeNamespace, 1, nowMs+1, 325)
	require.NoError(t, err)
	require.True(t, ok)

	qs, err = s.Size(suite.ctx, datastore.QuotaScopeNamespace, 1)
	require.NoError(t, err)
	require.True(t, qs.BackfillComplete)
	require.EqualValues(t, 325, qs.SizeBytes)

	// missing counters are created on start
	require.NoError(t, s.StartBackfill(suite.ctx, datastore.QuotaScopeRepository, 2, nowMs))
	qs, err = s.Size(suite.ctx, datastore.QuotaScopeRepository, 2)
	require.NoError(t, err)
	require.False(t, qs.BackfillComplete)
}

func TestQuotaStore_ResetAndDelete(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)

	require.NoError(t, s.Reset(suite.ctx, datastore.QuotaScopeRepository, 1))
	qs, err := s.Size(suite.ctx, datastore.QuotaScopeRepository, 1)
	require.NoError(t, err)
	require.Equal(t, &models.QuotaSize{ScopeID: 1}, qs)

	require.NoError(t, s.Delete(suite.ctx, datastore.QuotaScopeRepository, 1))
	qs, err = s.Size(suite.ctx, datastore.QuotaScopeRepository, 1)
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestQuotaStore_RegistrySize(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewQuotaStore(suite.db)
	require.NoError(t, s.CompleteRegistrySize(suite.ctx, 0, 0))

	ok, err := s.ClaimRegistrySize(suite.ctx)
	require.NoError(t, err)
	require.False(t, ok, "nothing queued")

	require.NoError(t, s.QueueRegistrySize(suite.ctx))
	ok, err = s.ClaimRegistrySize(suite.ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rs, err := s.RegistrySize(suite.ctx)
	require.NoError(t, err)
	require.True(t, rs.Running)
	require.False(t, rs.Queued)

	// queued while running
	require.NoError(t, s.QueueRegistrySize(suite.ctx))
	ok, err = s.ClaimRegistrySize(suite.ctx)
	require.NoError(t, err)
	require.False(t, ok)

	size, err := s.TotalStorageSize(suite.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1057, size)

	require.NoError(t, s.CompleteRegistrySize(suite.ctx, size, nowMs))
	rs, err = s.RegistrySize(suite.ctx)
	require.NoError(t, err)
	require.Equal(t, &models.QuotaRegistrySize{
		SizeBytes:   1057,
		Queued:      true,
		CompletedMs: sql.NullInt64{Int64: nowMs, Valid: true},
	}, rs)

	// drain the queued request
	ok, err = s.ClaimRegistrySize(suite.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.CompleteRegistrySize(suite.ctx, 0, 0))
}
