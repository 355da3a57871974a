//go:build integration
// +build integration

package datastore_test

import (
	"database/sql"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/quay/quay-sub006/registry/datastore"
	"github.com/quay/quay-sub006/registry/datastore/models"
	"github.com/quay/quay-sub006/registry/datastore/testutil"
)

const (
	schema2DigestA   = digest.Digest("sha256:a8608dd296a3060c1512a640c8242a3ad3e95045a068cc9940fbd06d1d86a667")
	manifestListDgst = digest.Digest("sha256:d124ab8eaa4900764e5a9a07d5bc07b2eaf087251ae85c9bef49522706a43c00")
)

func TestManifestStore_ImplementsReaderAndWriter(t *testing.T) {
	require.Implements(t, (*datastore.ManifestStore)(nil), datastore.NewManifestStore(suite.db))
}

func TestManifestStore_FindByDigest(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	m, err := s.FindByDigest(suite.ctx, 1, schema2DigestA)
	require.NoError(t, err)

	// see testdata/fixtures/manifests.sql
	require.EqualValues(t, 1, m.ID)
	require.EqualValues(t, 1, m.RepositoryID)
	require.Equal(t, "application/vnd.docker.distribution.manifest.v2+json", m.MediaType)
	require.Equal(t, sql.NullString{String: "application/vnd.docker.container.image.v1+json", Valid: true}, m.ConfigMediaType)
	require.Equal(t, sql.NullInt64{Int64: 300, Valid: true}, m.LayersCompressedSize)
	require.False(t, m.SubjectDigest.Valid)
	require.Equal(t, schema2DigestA, digest.FromBytes(m.Bytes))
	require.Equal(t, testutil.ParseTimestamp(t, "2020-03-02 17:50:26.461745", m.CreatedAt.Location()), m.CreatedAt)

	// manifests are scoped to their repository
	m, err = s.FindByDigest(suite.ctx, 6, schema2DigestA)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestManifestStore_FindAlive(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	nowMs := int64(1700000000000)

	// tagged latest
	m, err := s.FindAlive(suite.ctx, 1, schema2DigestA, nowMs, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.ID)

	// only referenced by a hidden tag
	sbom := digest.Digest("sha256:7b65c8c9c53aa7170f9b58c4e739f2a82c986ef72c142d2ed97c27c120832ace")
	m, err = s.FindAlive(suite.ctx, 1, sbom, nowMs, false)
	require.NoError(t, err)
	require.Nil(t, m)
	m, err = s.FindAlive(suite.ctx, 1, sbom, nowMs, true)
	require.NoError(t, err)
	require.EqualValues(t, 4, m.ID)

	// only referenced by an expired tag
	m, err = s.FindAlive(suite.ctx, 6, digest.Digest("sha256:a0f9ef70d52e2f41c96e9be74662e47852effa55deb449dfc85110d818608066"), nowMs, true)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestManifestStore_FindByID(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	m, err := s.FindByID(suite.ctx, 3)
	require.NoError(t, err)
	require.Equal(t, manifestListDgst, m.Digest)
	require.Equal(t, "application/vnd.docker.distribution.manifest.list.v2+json", m.MediaType)

	m, err = s.FindByID(suite.ctx, 100)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestManifestStore_FindIDsByRepository(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	ids, err := s.FindIDsByRepository(suite.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, ids)

	ids, err = s.FindIDsByRepository(suite.ctx, 3)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestManifestStore_Blobs(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	bb, err := s.Blobs(suite.ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, bb, 3)
	require.EqualValues(t, 1, bb[0].ID)
	require.EqualValues(t, 2, bb[1].ID)
	require.EqualValues(t, 3, bb[2].ID)
	require.Equal(t, []string{"local_us", "local_eu"}, bb[1].Locations)
}

func TestManifestStore_Children(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	mm, err := s.Children(suite.ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, mm, 2)
	require.EqualValues(t, 1, mm[0].ID)
	require.EqualValues(t, 2, mm[1].ID)

	mm, err = s.Children(suite.ctx, 6, 3)
	require.NoError(t, err)
	require.Empty(t, mm)
}

func TestManifestStore_Labels(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	ll, err := s.Labels(suite.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.Labels{{
		ID:         1,
		Key:        "maintainer",
		Value:      "acme",
		SourceType: models.LabelSourceManifest,
		MediaType:  "text/plain",
	}}, ll)
}

func TestManifestStore_Referrers(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)

	tcs := map[string]struct {
		artifactType string
		want         []int64
	}{
		"any":       {want: []int64{4}},
		"matching":  {artifactType: "application/vnd.example.sbom", want: []int64{4}},
		"unmatched": {artifactType: "application/vnd.example.signature", want: []int64{}},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			mm, err := s.Referrers(suite.ctx, 1, schema2DigestA, tc.artifactType)
			require.NoError(t, err)

			ids := make([]int64, 0, len(mm))
			for _, m := range mm {
				ids = append(ids, m.ID)
			}
			require.Equal(t, tc.want, ids)
		})
	}
}

func TestManifestStore_CreateOrFind(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	payload := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{"mediaType":"application/vnd.oci.image.config.v1+json","size":10,"digest":"sha256:44b25fd6993edeb3b8ded5d90a7ed24479b70103fe0653e3cf5facadbfb1d1df"},"layers":[]}`)

	m := &models.Manifest{
		RepositoryID:    2,
		Digest:          digest.FromBytes(payload),
		MediaType:       "application/vnd.oci.image.manifest.v1+json",
		Bytes:           payload,
		ConfigMediaType: sql.NullString{String: "application/vnd.oci.image.config.v1+json", Valid: true},
	}
	created, err := s.CreateOrFind(suite.ctx, m)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, m.ID)

	again := &models.Manifest{RepositoryID: 2, Digest: m.Digest, MediaType: m.MediaType, Bytes: payload}
	created, err = s.CreateOrFind(suite.ctx, again)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, m.ID, again.ID)
	require.Equal(t, m.ConfigMediaType, again.ConfigMediaType)

	used, err := s.IsUsed(suite.ctx, m.ID)
	require.NoError(t, err)
	require.False(t, used)
}

func TestManifestStore_CreateOrFind_UnknownMediaType(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	payload := []byte(`{}`)
	_, err := s.CreateOrFind(suite.ctx, &models.Manifest{
		RepositoryID: 2,
		Digest:       digest.FromBytes(payload),
		MediaType:    "application/x-unknown",
		Bytes:        payload,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown media type")
}

func TestManifestStore_IsUsed(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)
	for _, id := range []int64{1, 2, 3, 4, 5, 6} {
		used, err := s.IsUsed(suite.ctx, id)
		require.NoError(t, err)
		require.True(t, used, "manifest %d", id)
	}
}

func TestManifestStore_Associations(t *testing.T) {
	reloadAllFixtures(t)

	s := datastore.NewManifestStore(suite.db)

	require.NoError(t, s.AssociateBlobs(suite.ctx, 1, 2, 2, 1))
	bb, err := s.Blobs(suite.ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, bb, 3)

	// children must belong to the same repository
	require.NoError(t, s.AssociateChild(suite.ctx, 1, 3, 5))
	mm, err := s.Children(suite.ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, mm, 2)

	require.NoError(t, s.AssociateChild(suite.ctx, 1, 3, 4))
	mm, err = s.Children(suite.ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, mm, 3)

	require.NoError(t, s.AssociateLabel(suite.ctx, 1, 2, 1))
	require.NoError(t, s.AssociateLabel(suite.ctx, 1, 2, 1))
	ll, err := s.Labels(suite.ctx, 2)
	require.NoError(t, err)
	require.Len(t, ll, 1)
}

func TestManifestStore_LockForUpdate(t *testing.T) {
	reloadAllFixtures(t)

	tx, err := suite.db.BeginTx(suite.ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	s := datastore.NewManifestStore(tx)
	m, err := s.LockForUpdate(suite.ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, m.ID)

	m, err = s.LockForUpdate(suite.ctx, 100)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestManifestStore_Delete(t *testing.T) {
	reloadAllFixtures(t)

	require.NoError(t, datastore.NewTagStore(suite.db).Delete(suite.ctx, 8))

	s := datastore.NewManifestStore(suite.db)
	m, err := s.FindByID(suite.ctx, 6)
	require.NoError(t, err)

	del, err := s.Delete(suite.ctx, m)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{3, 4, 5}, del.BlobIDs)
	require.Equal(t, []int64{3}, del.LabelIDs)

	m, err = s.FindByID(suite.ctx, 6)
	require.NoError(t, err)
	require.Nil(t, m)

	_, err = s.Delete(suite.ctx, &models.Manifest{ID: 6})
	require.ErrorIs(t, err, datastore.ErrManifestNotFound)
}
