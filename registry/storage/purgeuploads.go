package storage

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	dcontext "github.com/quay/quay-sub006/context"
	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
)

// uploadData is the location of the data written for an upload along with the date the upload was started.
type uploadData struct {
	containingDir string
	startedAt     time.Time
}

func newUploadData() uploadData {
	return uploadData{
		// default to far in future to protect against missing startedat
		startedAt: time.Now().Add(10000 * time.Hour),
	}
}

// syncUploadData provides thread-safe operations on a map of uploadData.
type syncUploadData struct {
	sync.Mutex
	members map[string]uploadData
}

func (s *syncUploadData) update(id string, fn func(*uploadData)) {
	s.Lock()
	defer s.Unlock()

	ud, ok := s.members[id]
	if !ok {
		ud = newUploadData()
	}
	fn(&ud)
	s.members[id] = ud
}

// PurgeUploads deletes upload data directories, across every configured location, of uploads started before
// olderThan. The directories deleted are returned. Uploads still tracked in the database are removed by the blob
// service, this catches data left behind by crashed or abandoned uploads.
func (s *Store) PurgeUploads(ctx context.Context, olderThan time.Time, actuallyDelete bool) ([]string, error) {
	l := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"older_than":      olderThan,
		"actually_delete": actuallyDelete,
	})
	l.Info("purging stale uploads")

	var deleted []string
	var result *multierror.Error
	for _, name := range s.Locations() {
		d := s.drivers[name]
		uploads, err := outstandingUploads(ctx, d)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("location %q: %w", name, err))
		}
		for _, ud := range uploads {
			if ud.containingDir == "" || !ud.startedAt.Before(olderThan) {
				continue
			}
			l.WithFields(map[string]interface{}{
				"location":   name,
				"path":       ud.containingDir,
				"started_at": ud.startedAt,
			}).Info("removing stale upload directory")

			if actuallyDelete {
				if err := d.Delete(ctx, ud.containingDir); err != nil && !storagedriver.IsPathNotFound(err) {
					result = multierror.Append(result, err)
					continue
				}
			}
			deleted = append(deleted, ud.containingDir)
		}
	}

	l.WithField("count", len(deleted)).Info("stale uploads purged")
	return deleted, result.ErrorOrNil()
}

// outstandingUploads walks the uploads directory, collecting upload directories eligible for deletion. The only
// reliable way to classify the age of an upload is the date stored in its startedat file.
func outstandingUploads(ctx context.Context, d storagedriver.StorageDriver) (map[string]uploadData, error) {
	uploads := syncUploadData{members: make(map[string]uploadData)}

	var mu sync.Mutex
	var result *multierror.Error

	err := d.WalkParallel(ctx, uploadsRoot, func(fi storagedriver.FileInfo) error {
		filePath := fi.Path()
		id, isContainingDir := uuidFromPath(filePath)
		if id == "" {
			// cannot reliably delete
			return nil
		}

		if isContainingDir {
			uploads.update(id, func(ud *uploadData) { ud.containingDir = filePath })
			return nil
		}
		if path.Base(filePath) != startedAtFile {
			return nil
		}

		t, err := readStartedAtFile(ctx, d, filePath)
		if err != nil {
			mu.Lock()
			result = multierror.Append(result, fmt.Errorf("%s: %w", filePath, err))
			mu.Unlock()
			return nil
		}
		uploads.update(id, func(ud *uploadData) { ud.startedAt = t })
		return nil
	})
	if err != nil && !storagedriver.IsPathNotFound(err) {
		result = multierror.Append(result, fmt.Errorf("%s: %w", uploadsRoot, err))
	}

	return uploads.members, result.ErrorOrNil()
}

// uuidFromPath extracts the upload uuid from a path below the uploads root. If the uuid is the last path component,
// this is the containing directory for all upload files.
func uuidFromPath(p string) (string, bool) {
	rel, err := relativeTo(uploadsRoot, p)
	if err != nil || rel == "" {
		return "", false
	}
	dir, rest := rel, ""
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			dir, rest = rel[:i], rel[i+1:]
			break
		}
	}
	u, err := uuid.Parse(dir)
	if err != nil {
		return "", false
	}
	return u.String(), rest == ""
}

func relativeTo(root, p string) (string, error) {
	prefix := root + "/"
	if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
		return "", fmt.Errorf("%q is not below %q", p, root)
	}
	return p[len(prefix):], nil
}

// readStartedAtFile reads the date from an upload's startedat file
func readStartedAtFile(ctx context.Context, d storagedriver.StorageDriver, p string) (time.Time, error) {
	b, err := d.GetContent(ctx, p)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(b))
}
