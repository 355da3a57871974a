//go:build integration
// +build integration

package datastore_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

const (
	layerDigestA  = digest.Digest("sha256:589f0d58b9053a4ff7329b8fdb4f9dd120e29354c086ad0b3b10733f6cfd6de3")
	layerDigestB  = digest.Digest("sha256:55fea2a37a9fc5963f1beccd0d162b856e6bd05ca07cdd3726847846ab740f0d")
	orphanDigest  = digest.Digest("sha256:6704cfb861387e85e7731ff93a8a0041ee1b36285f945126c419782d769c2927")
	unknownDigest = digest.Digest("sha256:0000000000000000000000000000000000000000000000000000000000000000")
)

func TestBlobStore_ImplementsReaderAndWriter(t *testing.T) {
	require.Implements(t, (*datastore.BlobStore)(nil), datastore.NewBlobStore(suite.db))
}

func TestBlobStore_FindByDigest(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	b, err := s.FindByDigest(suite.ctx, layerDigestB)
	require.NoError(t, err)

	// see testdata/fixtures/image_storages.sql
	require.Equal(t, &models.ImageStorage{
		ID:              2,
		UUID:            "5b0a3e1c-0002-4c1e-9a7b-2d3c4b5a6f70",
		ContentChecksum: layerDigestB,
		ImageSize:       200,
		CASPath:         true,
		CreatedAt:       testutil.ParseTimestamp(t, "2020-03-02 17:50:26.461745", b.CreatedAt.Location()),
		Locations:       []string{"local_us", "local_eu"},
	}, b)
}

func TestBlobStore_FindByDigest_NotFound(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	b, err := s.FindByDigest(suite.ctx, unknownDigest)
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestBlobStore_FindByID(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	b, err := s.FindByID(suite.ctx, 7)
	require.NoError(t, err)
	require.Equal(t, orphanDigest, b.ContentChecksum)
	require.Equal(t, []string{"local_eu"}, b.Locations)
}

func TestBlobStore_FindInRepository(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	now := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	tcs := map[string]struct {
		repositoryID int64
		dgst         digest.Digest
		found        bool
	}{
		"referenced by manifest":       {repositoryID: 1, dgst: layerDigestA, found: true},
		"unexpired upload link":        {repositoryID: 2, dgst: orphanDigest, found: true},
		"other repository":             {repositoryID: 6, dgst: layerDigestA},
		"unknown digest":               {repositoryID: 1, dgst: unknownDigest},
		"linked in another repository": {repositoryID: 1, dgst: orphanDigest},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			b, err := s.FindInRepository(suite.ctx, tc.repositoryID, tc.dgst, now)
			require.NoError(t, err)
			if tc.found {
				require.NotNil(t, b)
				require.Equal(t, tc.dgst, b.ContentChecksum)
			} else {
				require.Nil(t, b)
			}
		})
	}
}

func TestBlobStore_FindInRepository_ExpiredLink(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	b, err := s.FindInRepository(suite.ctx, 2, orphanDigest, time.Date(2101, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestBlobStore_ChecksumExists(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	ok, err := s.ChecksumExists(suite.ctx, layerDigestA)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ChecksumExists(suite.ctx, unknownDigest)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlobStore_CreateOrUpdate(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)

	b := &models.ImageStorage{
		UUID:            "a1b2c3d4-0000-4000-8000-000000000001",
		ContentChecksum: unknownDigest,
		ImageSize:       42,
		CASPath:         true,
	}
	require.NoError(t, s.CreateOrUpdate(suite.ctx, b))
	require.NotEmpty(t, b.ID)
	require.False(t, b.Uploading)

	// same checksum updates the existing row
	again := &models.ImageStorage{
		UUID:             "a1b2c3d4-0000-4000-8000-000000000002",
		ContentChecksum:  unknownDigest,
		ImageSize:        42,
		UncompressedSize: sql.NullInt64{Int64: 84, Valid: true},
		CASPath:          true,
	}
	require.NoError(t, s.CreateOrUpdate(suite.ctx, again))
	require.Equal(t, b.ID, again.ID)
	require.Equal(t, b.UUID, again.UUID)

	found, err := s.FindByID(suite.ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: 84, Valid: true}, found.UncompressedSize)
	require.Empty(t, found.Locations)
}

func TestBlobStore_AddPlacement(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	require.NoError(t, s.EnsureLocations(suite.ctx, "local_us", "s3_ap"))

	require.NoError(t, s.AddPlacement(suite.ctx, 1, "s3_ap"))
	// existing placements are accepted
	require.NoError(t, s.AddPlacement(suite.ctx, 1, "local_us"))

	ll, err := s.Locations(suite.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"local_us", "s3_ap"}, ll)

	err = s.AddPlacement(suite.ctx, 1, "nowhere")
	require.ErrorIs(t, err, datastore.ErrNotFound)
}

func TestBlobStore_LinkToRepository(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewBlobStore(suite.db)
	expiresAt := time.Now().Add(time.Hour)

	ub, err := s.LinkToRepository(suite.ctx, 6, 7, expiresAt)
	require.NoError(t, err)
	require.NotEmpty(t, ub.ID)
	require.EqualValues(t, 6, ub.RepositoryID)
	require.EqualValues(t, 7, ub.BlobID)

	b, err := s.FindInRepository(suite.ctx, 6, orphanDigest, time.Now())
	require.NoError(t, err)
	require.NotNil(t, b)
}
