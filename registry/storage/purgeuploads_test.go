package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

func writeUpload(t *testing.T, s *Store, startedAt time.Time) string {
	t.Helper()
	s.now = func() time.Time { return startedAt }
	p := UploadPath(uuid.New().String())
	_, _, err := s.StreamWriteChunk(context.Background(), []string{"west"}, p, 0, bytes.NewReader([]byte("data")), nil)
	require.NoError(t, err)
	return p
}

func TestPurgeUploads_OnlyOld(t *testing.T) {
	s, _, west := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := writeUpload(t, s, now.Add(-72*time.Hour))
	fresh := writeUpload(t, s, now.Add(-time.Hour))

	deleted, err := s.PurgeUploads(ctx, now.Add(-48*time.Hour), true)
	require.NoError(t, err)
	require.Equal(t, []string{old}, deleted)

	_, err = west.Stat(ctx, old)
	require.True(t, storagedriver.IsPathNotFound(err))
	_, err = west.Stat(ctx, fresh)
	require.NoError(t, err)
}

func TestPurgeUploads_DryRun(t *testing.T) {
	s, _, west := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := writeUpload(t, s, now.Add(-72*time.Hour))

	deleted, err := s.PurgeUploads(ctx, now, false)
	require.NoError(t, err)
	require.Equal(t, []string{old}, deleted)

	_, err = west.Stat(ctx, old)
	require.NoError(t, err)
}

func TestPurgeUploads_MissingStartedAtIsKept(t *testing.T) {
	s, _, west := newTestStore(t)
	ctx := context.Background()

	p := UploadPath(uuid.New().String())
	require.NoError(t, west.PutContent(ctx, p+"/chunk-0", []byte("x")))

	deleted, err := s.PurgeUploads(ctx, time.Now(), true)
	require.NoError(t, err)
	require.Empty(t, deleted)
}

func TestPurgeUploads_CorruptStartedAt(t *testing.T) {
	s, _, west := newTestStore(t)
	ctx := context.Background()

	p := UploadPath(uuid.New().String())
	require.NoError(t, west.PutContent(ctx, p+"/"+startedAtFile, []byte("yesterday")))

	deleted, err := s.PurgeUploads(ctx, time.Now(), true)
	require.Error(t, err)
	require.Empty(t, deleted)
}

func TestPurgeUploads_NoUploads(t *testing.T) {
	s, _, _ := newTestStore(t)

	deleted, err := s.PurgeUploads(context.Background(), time.Now(), true)
	require.NoError(t, err)
	require.Empty(t, deleted)
}

func TestUUIDFromPath(t *testing.T) {
	id := uuid.New().String()

	got, isDir := uuidFromPath("/uploads/" + id)
	require.Equal(t, id, got)
	require.True(t, isDir)

	got, isDir = uuidFromPath("/uploads/" + id + "/startedat")
	require.Equal(t, id, got)
	require.False(t, isDir)

	got, _ = uuidFromPath("/uploads/not-a-uuid/startedat")
	require.Empty(t, got)

	got, _ = uuidFromPath("/sha256/" + id)
	require.Empty(t, got)
}
