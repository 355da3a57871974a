package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/quay/quay-sub006/configuration"
	dcontext "github.com/quay/quay-sub006/context"
	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/factory"
	"github.com/quay/quay-sub006/registry/storage/internal/metrics"
)

const (
	readRetryAttempts = 5
	readRetryDelay    = 300 * time.Millisecond
)

// ErrRetryable is matched by errors.Is for storage failures that may succeed if the operation is attempted again.
var ErrRetryable = errors.New("retryable storage error")

// ErrUnknownLocation is returned when none of the requested locations is configured.
var ErrUnknownLocation = errors.New("unknown storage location")

// FatalError is a storage failure that retrying will not fix.
type FatalError struct {
	Location string
	Op       string
	Path     string
	Err      error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("storage %s of %q at location %q failed: %v", e.Op, e.Path, e.Location, e.Err)
}

func (e FatalError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Store provides location aware access to the configured storage backends. Every operation receives the set of
// locations the object lives in (or should be written to). The preferred location is used whenever it is part of
// that set, otherwise the first configured location of the set.
type Store struct {
	preferred string
	order     []string
	drivers   map[string]storagedriver.StorageDriver
	now       func() time.Time
	readRetry func() backoff.BackOff
}

// NewStore builds a store over the given drivers. order lists the location names in configuration order.
func NewStore(preferred string, order []string, drivers map[string]storagedriver.StorageDriver) (*Store, error) {
	if len(order) == 0 {
		return nil, errors.New("at least one storage location is required")
	}
	for _, name := range order {
		if _, ok := drivers[name]; !ok {
			return nil, fmt.Errorf("no driver for storage location %q", name)
		}
	}
	if preferred == "" {
		preferred = order[0]
	}
	if _, ok := drivers[preferred]; !ok {
		return nil, fmt.Errorf("%w: preferred location %q", ErrUnknownLocation, preferred)
	}

	return &Store{
		preferred: preferred,
		order:     order,
		drivers:   drivers,
		now:       time.Now,
		readRetry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(readRetryDelay), readRetryAttempts-1)
		},
	}, nil
}

// FromConfig instantiates the drivers of every configured location.
func FromConfig(cfg configuration.Storage) (*Store, error) {
	drivers := make(map[string]storagedriver.StorageDriver, len(cfg.Locations))
	order := make([]string, 0, len(cfg.Locations))
	for _, l := range cfg.Locations {
		d, err := factory.Create(l.Driver, l.Parameters)
		if err != nil {
			return nil, fmt.Errorf("creating storage driver for location %q: %w", l.Name, err)
		}
		drivers[l.Name] = d
		order = append(order, l.Name)
	}
	return NewStore(cfg.PreferredLocation(), order, drivers)
}

// PreferredLocation returns the location new content is written to.
func (s *Store) PreferredLocation() string {
	return s.preferred
}

// Locations returns every configured location name, preferred first.
func (s *Store) Locations() []string {
	out := make([]string, 0, len(s.order))
	out = append(out, s.preferred)
	for _, name := range s.order {
		if name != s.preferred {
			out = append(out, name)
		}
	}
	return out
}

// candidates returns the configured locations among locations, preferred first.
func (s *Store) candidates(locations []string) []string {
	wanted := make(map[string]struct{}, len(locations))
	for _, l := range locations {
		wanted[l] = struct{}{}
	}
	var out []string
	for _, name := range s.Locations() {
		if _, ok := wanted[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (s *Store) pick(locations []string) (string, storagedriver.StorageDriver, error) {
	c := s.candidates(locations)
	if len(c) == 0 {
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownLocation, locations)
	}
	return c[0], s.drivers[c[0]], nil
}

func classify(location, op, p string, err error) error {
	if err == nil {
		return nil
	}
	if storagedriver.IsPathNotFound(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, ErrRetryable) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("storage %s of %q at location %q: %w: %w", op, p, location, ErrRetryable, err)
	}
	return FatalError{Location: location, Op: op, Path: p, Err: err}
}

// PutContent writes content at path in the chosen location.
func (s *Store) PutContent(ctx context.Context, locations []string, p string, content []byte) (err error) {
	name, d, err := s.pick(locations)
	if err != nil {
		return err
	}
	report := metrics.Operation(name, "put_content")
	defer func() { report(err) }()

	return classify(name, "put_content", p, d.PutContent(ctx, p, content))
}

// GetContent reads the object at path from the first location that has it.
func (s *Store) GetContent(ctx context.Context, locations []string, p string) ([]byte, error) {
	c := s.candidates(locations)
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownLocation, locations)
	}

	var lastErr error
	for _, name := range c {
		report := metrics.Operation(name, "get_content")
		b, err := s.drivers[name].GetContent(ctx, p)
		report(err)
		if err == nil {
			return b, nil
		}
		lastErr = classify(name, "get_content", p, err)
		if !storagedriver.IsPathNotFound(err) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// StreamRead opens the object at path for reading from offset.
func (s *Store) StreamRead(ctx context.Context, locations []string, p string, offset int64) (io.ReadCloser, error) {
	c := s.candidates(locations)
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownLocation, locations)
	}

	var lastErr error
	for _, name := range c {
		report := metrics.Operation(name, "stream_read")
		rc, err := s.drivers[name].Reader(ctx, p, offset)
		report(err)
		if err == nil {
			return rc, nil
		}
		lastErr = classify(name, "stream_read", p, err)
		if !storagedriver.IsPathNotFound(err) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Exists reports whether path exists in any of locations.
func (s *Store) Exists(ctx context.Context, locations []string, p string) (bool, error) {
	_, err := s.Size(ctx, locations, p)
	if storagedriver.IsPathNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the size of the object at path.
func (s *Store) Size(ctx context.Context, locations []string, p string) (int64, error) {
	c := s.candidates(locations)
	if len(c) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrUnknownLocation, locations)
	}

	var lastErr error
	for _, name := range c {
		fi, err := s.drivers[name].Stat(ctx, p)
		if err == nil {
			if fi.IsDir() {
				return 0, storagedriver.PathNotFoundError{Path: p, DriverName: s.drivers[name].Name()}
			}
			return fi.Size(), nil
		}
		lastErr = classify(name, "stat", p, err)
		if !storagedriver.IsPathNotFound(err) {
			return 0, lastErr
		}
	}
	return 0, lastErr
}

// Remove deletes path from every one of locations. Missing objects are ignored.
func (s *Store) Remove(ctx context.Context, locations []string, p string) error {
	var result *multierror.Error
	for _, name := range s.candidates(locations) {
		report := metrics.Operation(name, "remove")
		err := s.drivers[name].Delete(ctx, p)
		report(err)
		if err != nil && !storagedriver.IsPathNotFound(err) {
			result = multierror.Append(result, classify(name, "remove", p, err))
		}
	}
	return result.ErrorOrNil()
}

// DirectDownloadURL returns a URL the client can fetch the object from directly, or an empty string when the
// chosen location cannot serve one.
func (s *Store) DirectDownloadURL(ctx context.Context, locations []string, p, clientIP string, expiry time.Duration) (string, error) {
	name, d, err := s.pick(locations)
	if err != nil {
		return "", err
	}

	opts := map[string]interface{}{"method": "GET"}
	if expiry > 0 {
		opts["expiry"] = s.now().Add(expiry)
	}
	if clientIP != "" {
		opts["clientip"] = clientIP
	}

	u, err := d.URLFor(ctx, p, opts)
	if err != nil {
		if errors.As(err, new(storagedriver.ErrUnsupportedMethod)) {
			return "", nil
		}
		return "", classify(name, "direct_download_url", p, err)
	}
	dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"location": name,
		"path":     p,
	}).Debug("issued direct download url")
	return u, nil
}

// SupportsResumableDownloads reports whether range requests can be served from locations. Every driver supports
// reading from an offset.
func (s *Store) SupportsResumableDownloads(locations []string) bool {
	return len(s.candidates(locations)) > 0
}

// ReadWithRetry runs op until it succeeds, fails with an error that is neither retryable nor not found, or the
// attempts are exhausted. It covers read after write on eventually consistent backends.
func (s *Store) ReadWithRetry(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if IsRetryable(err) || storagedriver.IsPathNotFound(err) {
			if attempt > 1 {
				metrics.ReadRetry("read")
			}
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(s.readRetry(), ctx))
}

type uploadChunk struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// uploadToken is the resume token persisted with an upload between chunks.
type uploadToken struct {
	Location string        `json:"location"`
	Chunks   []uploadChunk `json:"chunks"`
}

func decodeUploadToken(token []byte) (uploadToken, error) {
	var t uploadToken
	if len(token) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(token, &t); err != nil {
		return t, fmt.Errorf("decoding upload resume token: %w", err)
	}
	return t, nil
}

func (t uploadToken) size() int64 {
	var n int64
	for _, c := range t.Chunks {
		n += c.Size
	}
	return n
}

// StreamWriteChunk appends the content of r to the upload stored under uploadPath, starting at offset. Each chunk
// is stored as its own object. It returns the new offset and the resume token to persist with the upload.
func (s *Store) StreamWriteChunk(ctx context.Context, locations []string, uploadPath string, offset int64, r io.Reader, token []byte) (int64, []byte, error) {
	t, err := decodeUploadToken(token)
	if err != nil {
		return 0, nil, err
	}

	name, d, err := s.pick(locations)
	if err != nil {
		return 0, nil, err
	}
	if t.Location != "" && t.Location != name {
		if _, ok := s.drivers[t.Location]; !ok {
			return 0, nil, fmt.Errorf("%w: %q", ErrUnknownLocation, t.Location)
		}
		name, d = t.Location, s.drivers[t.Location]
	}
	t.Location = name

	if current := t.size(); current != offset {
		return 0, nil, storagedriver.InvalidOffsetError{Path: uploadPath, Offset: offset, DriverName: d.Name()}
	}

	report := metrics.Operation(name, "stream_write_chunk")
	if len(t.Chunks) == 0 {
		startedAt := []byte(s.now().UTC().Format(time.RFC3339))
		if err := d.PutContent(ctx, path.Join(uploadPath, startedAtFile), startedAt); err != nil {
			report(err)
			return 0, nil, classify(name, "stream_write_chunk", uploadPath, err)
		}
	}

	chunkPath := uploadChunkPath(uploadPath, len(t.Chunks))
	w, err := d.Writer(ctx, chunkPath, false)
	if err != nil {
		report(err)
		return 0, nil, classify(name, "stream_write_chunk", chunkPath, err)
	}

	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Cancel()
		report(err)
		return 0, nil, fmt.Errorf("writing upload chunk: %w", err)
	}
	if n == 0 {
		report(nil)
		if err := w.Cancel(); err != nil {
			return 0, nil, classify(name, "stream_write_chunk", chunkPath, err)
		}
		newToken, err := json.Marshal(t)
		return offset, newToken, err
	}
	if err := w.Commit(); err != nil {
		_ = w.Cancel()
		report(err)
		return 0, nil, classify(name, "stream_write_chunk", chunkPath, err)
	}
	if err := w.Close(); err != nil {
		report(err)
		return 0, nil, classify(name, "stream_write_chunk", chunkPath, err)
	}
	report(nil)

	t.Chunks = append(t.Chunks, uploadChunk{Path: chunkPath, Size: n})
	newToken, err := json.Marshal(t)
	if err != nil {
		return 0, nil, err
	}
	return offset + n, newToken, nil
}

// CompleteChunkedUpload assembles the chunks of the upload into finalPath and removes the upload data. Drivers able
// to compose objects server side do so, others get the chunks streamed into a new object.
func (s *Store) CompleteChunkedUpload(ctx context.Context, locations []string, uploadPath string, token []byte, finalPath string) (err error) {
	t, err := decodeUploadToken(token)
	if err != nil {
		return err
	}
	name, d, err := s.pick(locations)
	if err != nil {
		return err
	}
	if t.Location != "" {
		if _, ok := s.drivers[t.Location]; ok {
			name, d = t.Location, s.drivers[t.Location]
		}
	}

	report := metrics.Operation(name, "complete_chunked_upload")
	defer func() { report(err) }()

	l := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"location": name,
		"upload":   uploadPath,
		"path":     finalPath,
		"chunks":   len(t.Chunks),
	})

	sources := make([]string, 0, len(t.Chunks))
	for _, c := range t.Chunks {
		sources = append(sources, c.Path)
	}

	switch len(sources) {
	case 0:
		err = d.PutContent(ctx, finalPath, nil)
	case 1:
		err = d.Move(ctx, sources[0], finalPath)
	default:
		err = storagedriver.ErrUnsupportedMethod{DriverName: d.Name()}
		if c, ok := d.(storagedriver.Composer); ok {
			err = c.Compose(ctx, finalPath, sources)
		}
		if errors.As(err, new(storagedriver.ErrUnsupportedMethod)) {
			l.Debug("driver cannot compose chunks, streaming them into place")
			err = concatenate(ctx, d, finalPath, sources)
		}
	}
	if err != nil {
		return classify(name, "complete_chunked_upload", finalPath, err)
	}

	if err := d.Delete(ctx, uploadPath); err != nil && !storagedriver.IsPathNotFound(err) {
		l.WithError(err).Warn("failed to remove upload data after completion")
	}
	l.Info("upload assembled")
	return nil
}

func concatenate(ctx context.Context, d storagedriver.StorageDriver, dest string, sources []string) error {
	w, err := d.Writer(ctx, dest, false)
	if err != nil {
		return err
	}
	for _, src := range sources {
		rc, err := d.Reader(ctx, src, 0)
		if err != nil {
			_ = w.Cancel()
			return err
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			_ = w.Cancel()
			return err
		}
	}
	if err := w.Commit(); err != nil {
		_ = w.Cancel()
		return err
	}
	return w.Close()
}

// CancelChunkedUpload removes all data written for the upload.
func (s *Store) CancelChunkedUpload(ctx context.Context, locations []string, uploadPath string) error {
	var result *multierror.Error
	for _, name := range s.candidates(locations) {
		err := s.drivers[name].Delete(ctx, uploadPath)
		if err != nil && !storagedriver.IsPathNotFound(err) {
			result = multierror.Append(result, classify(name, "cancel_chunked_upload", uploadPath, err))
		}
	}
	return result.ErrorOrNil()
}

// Driver returns the driver of a location.
func (s *Store) Driver(location string) (storagedriver.StorageDriver, bool) {
	d, ok := s.drivers[location]
	return d, ok
}
