//go:build integration
// +build integration

package tags_test

import (
	"context"
	"database/sql"
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
	"github.com/quay/quay-sub006/registry/manifest"
	"github.com/quay/quay-sub006/registry/tags"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const nowMs = int64(1700000000000)

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

func newService(t *testing.T, opts ...tags.Option) *tags.Service {
	t.Helper()

	testutil.ReloadAllFixtures(t, db, filepath.Join("..", "datastore"))

	clk := clock.NewMock()
	clk.Set(time.Unix(0, nowMs*1e6))
	return tags.NewService(db, append([]tags.Option{tags.WithClock(clk)}, opts...)...)
}

func findRepository(t *testing.T, id int64) *models.Repository {
	t.Helper()

	r, err := datastore.NewRepositoryStore(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func findManifest(t *testing.T, id int64) *models.Manifest {
	t.Helper()

	m, err := datastore.NewManifestStore(db).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func TestService_Retarget_History(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	tag, err := s.Retarget(ctx, repo, "latest", findManifest(t, 2), tags.RetargetTagOpts{})
	require.NoError(t, err)
	require.Equal(t, int64(2), tag.ManifestID)
	require.Equal(t, nowMs, tag.LifetimeStartMs)
	require.False(t, tag.LifetimeEndMs.Valid)

	hist, more, err := s.History(ctx, repo, tags.HistoryFilter{Name: "latest", Limit: 2})
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, hist, 2)
	require.Equal(t, int64(2), hist[0].ManifestID)
	require.False(t, hist[0].LifetimeEndMs.Valid)
	require.Equal(t, int64(1), hist[1].ManifestID)
	require.Equal(t, sql.NullInt64{Int64: nowMs, Valid: true}, hist[1].LifetimeEndMs)
	require.Equal(t, hist[0].Name, hist[1].Name)
}

func TestService_Retarget_WithExpiration(t *testing.T) {
	s := newService(t)

	tag, err := s.Retarget(context.Background(), findRepository(t, 1), "nightly", findManifest(t, 1),
		tags.RetargetTagOpts{ExpirationSeconds: 60, NowMs: nowMs - 1000})
	require.NoError(t, err)
	require.Equal(t, nowMs-1000, tag.LifetimeStartMs)
	require.Equal(t, sql.NullInt64{Int64: nowMs + 59000, Valid: true}, tag.LifetimeEndMs)
}

func TestService_Retarget_ConcurrentCreateWithExpiration(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)
	m := findManifest(t, 1)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := s.Retarget(ctx, repo, "nightly", m, tags.RetargetTagOpts{ExpirationSeconds: 3600})
			return err
		})
	}
	require.NoError(t, g.Wait())

	alive, _, err := s.History(ctx, repo, tags.HistoryFilter{Name: "nightly", OnlyAlive: true})
	require.NoError(t, err)
	require.Len(t, alive, 1)

	all, more, err := s.History(ctx, repo, tags.HistoryFilter{Name: "nightly"})
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, all, 4)
}

func TestService_Retarget_SameMillisecond(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	first, err := s.Retarget(ctx, repo, "nightly", findManifest(t, 1), tags.RetargetTagOpts{})
	require.NoError(t, err)
	second, err := s.Retarget(ctx, repo, "nightly", findManifest(t, 2), tags.RetargetTagOpts{})
	require.NoError(t, err)

	hist, _, err := s.History(ctx, repo, tags.HistoryFilter{Name: "nightly"})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, second.ID, hist[0].ID)
	require.Equal(t, first.ID, hist[1].ID)
	// the replaced row has an empty lifetime and was never alive
	require.Equal(t, sql.NullInt64{Int64: nowMs, Valid: true}, hist[1].LifetimeEndMs)
	require.Equal(t, hist[1].LifetimeStartMs, hist[1].LifetimeEndMs.Int64)

	tag, err := s.Get(ctx, repo, "nightly")
	require.NoError(t, err)
	require.Equal(t, second.ID, tag.ID)
}

func TestService_History_Unlimited(t *testing.T) {
	s := newService(t)

	hist, more, err := s.History(context.Background(), findRepository(t, 1), tags.HistoryFilter{Name: "latest"})
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, hist, 2)
}

func TestService_Retarget_Schema1TagMismatch(t *testing.T) {
	s := newService(t)

	m := &models.Manifest{
		RepositoryID: 1,
		MediaType:    manifest.MediaTypeSchema1,
		Bytes:        []byte(`{"schemaVersion":1,"name":"acme/web","tag":"v9","architecture":"amd64","fsLayers":[],"history":[]}`),
	}
	_, err := s.Retarget(context.Background(), findRepository(t, 1), "v1", m, tags.RetargetTagOpts{})
	require.ErrorIs(t, err, tags.ErrManifestTagMismatch)
}

func TestService_Retarget_MarkedForDeletion(t *testing.T) {
	s := newService(t)

	_, err := s.Retarget(context.Background(), findRepository(t, 7), "v1", findManifest(t, 1), tags.RetargetTagOpts{})
	require.ErrorIs(t, err, tags.ErrRepositoryNotWritable)
}

func TestService_Resolve(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	tag, err := s.Resolve(ctx, repo, "v1")
	require.NoError(t, err)
	require.Equal(t, int64(2), tag.ManifestID)

	_, err = s.Resolve(ctx, repo, "old")
	require.ErrorIs(t, err, tags.ErrTagExpired)

	_, err = s.Resolve(ctx, repo, "never")
	require.ErrorIs(t, err, tags.ErrTagUnknown)

	// hidden tags are never resolvable by name
	_, err = s.Resolve(ctx, repo, "$temp-1f2e3d4c-5b6a-4978-8695-a4b3c2d1e0f9")
	require.ErrorIs(t, err, tags.ErrTagUnknown)
}

func TestService_ListAlive(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	tt, err := s.ListAlive(ctx, repo, "", 2)
	require.NoError(t, err)
	require.Len(t, tt, 2)
	require.Equal(t, "latest", tt[0].Name)
	require.Equal(t, "multi", tt[1].Name)

	tt, err = s.ListAlive(ctx, repo, "multi", 2)
	require.NoError(t, err)
	require.Len(t, tt, 1)
	require.Equal(t, "v1", tt[0].Name)
}

func TestService_Delete(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	tag, err := s.Delete(ctx, repo, "v1")
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: nowMs, Valid: true}, tag.LifetimeEndMs)

	got, err := s.Get(ctx, repo, "v1")
	require.NoError(t, err)
	require.Nil(t, got)

	hist, _, err := s.History(ctx, repo, tags.HistoryFilter{Name: "v1", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	require.True(t, hist[0].LifetimeEndMs.Valid)

	_, err = s.Delete(ctx, repo, "v1")
	require.ErrorIs(t, err, tags.ErrTagUnknown)
}

func createHiddenTag(t *testing.T, repoID, manifestID int64) *models.Tag {
	t.Helper()

	tag := &models.Tag{
		RepositoryID:    repoID,
		ManifestID:      manifestID,
		Name:            tags.TempTagPrefix + "child",
		LifetimeStartMs: nowMs - 1000,
		LifetimeEndMs:   sql.NullInt64{Int64: nowMs + 3600000, Valid: true},
		Hidden:          true,
	}
	require.NoError(t, datastore.NewTagStore(db).Create(context.Background(), tag))
	return tag
}

func TestService_Delete_ResetsChildExpiration(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	child := createHiddenTag(t, 1, 2)

	_, err := s.Delete(ctx, findRepository(t, 1), "multi")
	require.NoError(t, err)

	got, err := datastore.NewTagStore(db).FindByID(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: nowMs, Valid: true}, got.LifetimeEndMs)
}

func TestService_Delete_KeepsChildExpiration(t *testing.T) {
	s := newService(t, tags.WithChildManifestExpirationReset(false))
	ctx := context.Background()
	child := createHiddenTag(t, 1, 2)

	_, err := s.Delete(ctx, findRepository(t, 1), "multi")
	require.NoError(t, err)

	got, err := datastore.NewTagStore(db).FindByID(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, child.LifetimeEndMs, got.LifetimeEndMs)
}

func TestService_DeleteForManifest(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	deleted, err := s.DeleteForManifest(ctx, repo, findManifest(t, 2))
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, "v1", deleted[0].Name)

	tt, err := datastore.NewTagStore(db).AliveForManifest(ctx, 2, nowMs)
	require.NoError(t, err)
	require.Empty(t, tt)
}

func TestService_CreateTemporaryTagIfNecessary(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// manifest 1 is kept alive forever by "latest"
	tag, err := s.CreateTemporaryTagIfNecessary(ctx, db, 1, 1, 3600)
	require.NoError(t, err)
	require.Nil(t, tag)

	// manifest 6 is only referenced by an expired tag
	tag, err = s.CreateTemporaryTagIfNecessary(ctx, db, 6, 6, 3600)
	require.NoError(t, err)
	require.NotNil(t, tag)
	require.True(t, tag.Hidden)
	require.Contains(t, tag.Name, tags.TempTagPrefix)
	require.Equal(t, sql.NullInt64{Int64: nowMs + 3600000, Valid: true}, tag.LifetimeEndMs)

	// now protected
	tag, err = s.CreateTemporaryTagIfNecessary(ctx, db, 6, 6, 60)
	require.NoError(t, err)
	require.Nil(t, tag)
}

func TestService_CreateTemporaryTagIfNecessary_NeverExpires(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// the hidden tag of manifest 4 never expires
	tag, err := s.CreateTemporaryTagIfNecessary(ctx, db, 1, 4, 0)
	require.NoError(t, err)
	require.Nil(t, tag)

	tag, err = s.CreateTemporaryTagIfNecessary(ctx, db, 6, 6, 0)
	require.NoError(t, err)
	require.NotNil(t, tag)
	require.False(t, tag.LifetimeEndMs.Valid)
}

func TestService_RestoreFromTimeMachine(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)
	m2 := findManifest(t, 2)

	tag, err := s.RestoreFromTimeMachine(ctx, repo, "latest", m2.Digest)
	require.NoError(t, err)
	require.True(t, tag.Reversion)
	require.Equal(t, m2.ID, tag.ManifestID)

	// manifest 6 never was "latest" of acme/web
	_, err = s.RestoreFromTimeMachine(ctx, repo, "latest", findManifest(t, 6).Digest)
	require.ErrorIs(t, err, datastore.ErrManifestNotFound)

	_, err = s.RestoreFromTimeMachine(ctx, repo, "v1", findManifest(t, 1).Digest)
	require.ErrorIs(t, err, tags.ErrTagUnknown)
}

func TestService_ChangeExpiration(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	repo := findRepository(t, 1)

	exp := time.Unix(0, (nowMs+60000)*1e6)
	prev, err := s.ChangeExpiration(ctx, repo, "v1", &exp)
	require.NoError(t, err)
	require.False(t, prev.Valid)

	tag, err := s.Get(ctx, repo, "v1")
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: nowMs + 60000, Valid: true}, tag.LifetimeEndMs)

	prev, err = s.ChangeExpiration(ctx, repo, "v1", nil)
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: nowMs + 60000, Valid: true}, prev)

	before := time.Unix(0, 1000*1e6)
	_, err = s.ChangeExpiration(ctx, repo, "v1", &before)
	require.ErrorIs(t, err, tags.ErrInvalidExpiration)
}

func TestIsUnrecoverable(t *testing.T) {
	ns := &models.Namespace{RemovedTagExpirationS: 60}

	alive := &models.Tag{}
	require.False(t, tags.IsUnrecoverable(alive, ns, nowMs))

	recent := &models.Tag{LifetimeEndMs: sql.NullInt64{Int64: nowMs - 1000, Valid: true}}
	require.False(t, tags.IsUnrecoverable(recent, ns, nowMs))

	old := &models.Tag{LifetimeEndMs: sql.NullInt64{Int64: nowMs - 60000, Valid: true}}
	require.True(t, tags.IsUnrecoverable(old, ns, nowMs))
}
