// Package s3 provides a storage driver for Amazon S3 and S3 compatible object stores.
//
// Objects are stored under a root directory inside a single bucket. Large writes are streamed through multipart
// uploads, and objects assembled from upload chunks are composed server side with UploadPartCopy whenever every
// non final chunk meets the minimum part size.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	storagedriver "github.com/quay/quay-sub006/registry/storage/driver"
	"github.com/quay/quay-sub006/registry/storage/driver/factory"
)

const driverName = "s3"

// minChunkSize defines the minimum multipart upload chunk size. S3 API requires multipart upload chunks to be at
// least 5MB.
const minChunkSize = 5 << 20

// maxChunkSize defines the maximum multipart upload chunk size allowed by S3.
const maxChunkSize = 5 << 30

const defaultChunkSize = 2 * minChunkSize

// listMax is the largest amount of objects you can request from S3 in a list call.
const listMax = 1000

const (
	defaultMaxRequestsPerSecond = 350
	defaultBurst                = 10
	defaultMaxRetries           = 5

	defaultInitialInterval     = 100 * time.Millisecond
	defaultRandomizationFactor = 0.5
	defaultMultiplier          = 2
	defaultMaxInterval         = 5 * time.Second
	defaultMaxElapsedTime      = 30 * time.Second

	defaultURLExpiry = 20 * time.Minute
)

// DriverParameters is a struct that encapsulates all of the driver parameters after all values have been set.
type DriverParameters struct {
	AccessKey            string
	SecretKey            string
	SessionToken         string
	Bucket               string
	Region               string
	RegionEndpoint       string
	Encrypt              bool
	KeyID                string
	Secure               bool
	ChunkSize            int64
	RootDirectory        string
	StorageClass         string
	ObjectACL            string
	PathStyle            bool
	MaxRequestsPerSecond int64
	MaxRetries           int64
}

func init() {
	factory.Register(driverName, &s3DriverFactory{})
}

// s3DriverFactory implements the factory.StorageDriverFactory interface.
type s3DriverFactory struct{}

func (factory *s3DriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return FromParameters(parameters)
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon S3.
type Driver struct {
	S3            *s3wrapper
	Bucket        string
	ChunkSize     int64
	Encrypt       bool
	KeyID         string
	RootDirectory string
	StorageClass  string
	ObjectACL     string
	now           func() time.Time
}

var (
	_ storagedriver.StorageDriver = &Driver{}
	_ storagedriver.Composer      = &Driver{}
)

// FromParameters constructs a new Driver with a given parameters map. Required parameters:
// - region
// - bucket
func FromParameters(parameters map[string]interface{}) (*Driver, error) {
	params, err := parseParameters(parameters)
	if err != nil {
		return nil, err
	}
	return New(*params)
}

func parseParameters(parameters map[string]interface{}) (*DriverParameters, error) {
	str := func(key string) string {
		v, ok := parameters[key]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}

	params := &DriverParameters{
		AccessKey:      str("accesskey"),
		SecretKey:      str("secretkey"),
		SessionToken:   str("sessiontoken"),
		Bucket:         str("bucket"),
		Region:         str("region"),
		RegionEndpoint: str("regionendpoint"),
		KeyID:          str("keyid"),
		RootDirectory:  strings.Trim(str("rootdirectory"), "/"),
		StorageClass:   str("storageclass"),
		ObjectACL:      str("objectacl"),
		Secure:         true,
		ChunkSize:      defaultChunkSize,
	}
	if params.Region == "" {
		return nil, errors.New("no region parameter provided")
	}
	if params.Bucket == "" {
		return nil, errors.New("no bucket parameter provided")
	}
	if params.StorageClass == "" {
		params.StorageClass = s3.StorageClassStandard
	}

	var err error
	boolParam := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := str(key); v != "" {
			var b bool
			if b, err = strconv.ParseBool(v); err != nil {
				err = fmt.Errorf("the %s parameter should be a boolean: %w", key, err)
				return
			}
			*dst = b
		}
	}
	intParam := func(key string, dst *int64) {
		if err != nil {
			return
		}
		if v := str(key); v != "" {
			var i int64
			if i, err = strconv.ParseInt(v, 10, 64); err != nil {
				err = fmt.Errorf("the %s parameter should be an integer: %w", key, err)
				return
			}
			*dst = i
		}
	}

	// path style addressing is the legacy default when a custom endpoint is used
	params.PathStyle = params.RegionEndpoint != ""
	params.MaxRequestsPerSecond = defaultMaxRequestsPerSecond
	params.MaxRetries = defaultMaxRetries

	boolParam("encrypt", &params.Encrypt)
	boolParam("secure", &params.Secure)
	boolParam("pathstyle", &params.PathStyle)
	intParam("chunksize", &params.ChunkSize)
	intParam("maxrequestspersecond", &params.MaxRequestsPerSecond)
	intParam("maxretries", &params.MaxRetries)
	if err != nil {
		return nil, err
	}

	if params.ChunkSize < minChunkSize || params.ChunkSize > maxChunkSize {
		return nil, fmt.Errorf("the chunksize %d parameter should be a number that is between %d and %d", params.ChunkSize, minChunkSize, maxChunkSize)
	}
	if params.MaxRequestsPerSecond < 0 {
		return nil, fmt.Errorf("the maxrequestspersecond %d parameter must not be negative", params.MaxRequestsPerSecond)
	}

	return params, nil
}

// New constructs a new Driver with the given AWS credentials, region, encryption flag, and bucketName.
func New(params DriverParameters) (*Driver, error) {
	awsConfig := aws.NewConfig().
		WithRegion(params.Region).
		WithS3ForcePathStyle(params.PathStyle).
		WithDisableSSL(!params.Secure)
	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
	}
	if params.AccessKey != "" && params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(params.AccessKey, params.SecretKey, params.SessionToken))
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session with aws config: %w", err)
	}

	return newWithAPI(s3.New(sess), params), nil
}

func newWithAPI(api s3iface.S3API, params DriverParameters) *Driver {
	notify := func(err error, d time.Duration) {
		logrus.WithFields(logrus.Fields{"error": err, "delay_s": d.Seconds()}).Info("S3: retrying after error")
	}

	return &Driver{
		S3: newS3Wrapper(
			api,
			withRateLimit(params.MaxRequestsPerSecond, defaultBurst),
			withExponentialBackoff(params.MaxRetries),
			withBackoffNotify(notify),
		),
		Bucket:        params.Bucket,
		ChunkSize:     params.ChunkSize,
		Encrypt:       params.Encrypt,
		KeyID:         params.KeyID,
		RootDirectory: params.RootDirectory,
		StorageClass:  params.StorageClass,
		ObjectACL:     params.ObjectACL,
		now:           time.Now,
	}
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *Driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	reader, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return ioutil.ReadAll(reader)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *Driver) PutContent(ctx context.Context, path string, contents []byte) error {
	if !storagedriver.PathRegexp.MatchString(path) {
		return storagedriver.InvalidPathError{Path: path, DriverName: driverName}
	}

	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(path)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		Body:                 bytes.NewReader(contents),
	})
	return parseError(path, err)
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a given byte offset.
func (d *Driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: driverName}
	}

	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Range:  aws.String("bytes=" + strconv.FormatInt(offset, 10) + "-"),
	})
	if err != nil {
		var s3Err awserr.Error
		if errors.As(err, &s3Err) && s3Err.Code() == "InvalidRange" {
			return ioutil.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, parseError(path, err)
	}
	return resp.Body, nil
}

// Writer returns a FileWriter which will store the content written to it at the location designated by "path"
// after the call to Commit. Appending to existing objects is not supported; chunked uploads store every chunk as
// its own object instead.
func (d *Driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	if !storagedriver.PathRegexp.MatchString(path) {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: driverName}
	}
	if append {
		return nil, storagedriver.ErrUnsupportedMethod{DriverName: driverName}
	}

	return d.newWriter(ctx, d.s3Path(path)), nil
}

// Stat retrieves the FileInfo for the given path, including the current size in bytes and the creation time.
func (d *Driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	resp, err := d.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(d.s3Path(path)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return nil, parseError(path, err)
	}

	fi := storagedriver.FileInfoFields{Path: path}

	if len(resp.Contents) == 1 {
		if *resp.Contents[0].Key != d.s3Path(path) {
			fi.IsDir = true
		} else {
			fi.IsDir = false
			fi.Size = *resp.Contents[0].Size
			fi.ModTime = *resp.Contents[0].LastModified
		}
	} else if len(resp.CommonPrefixes) == 1 {
		fi.IsDir = true
	} else {
		return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}

	return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
}

// List returns a list of the objects that are direct descendants of the given path.
func (d *Driver) List(ctx context.Context, opath string) ([]string, error) {
	path := opath
	if path != "/" && path[len(path)-1] != '/' {
		path = path + "/"
	}

	// This is to cover for the cases when the rootDirectory of the driver is either "" or "/". In those cases,
	// there is no root prefix to replace and we must actually add a "/" to all results in order to keep them as
	// valid paths as recognized by storagedriver.PathRegexp
	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	var files, directories []string
	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}, func(resp *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range resp.Contents {
			files = append(files, strings.Replace(*key.Key, d.s3Path(""), prefix, 1))
		}
		for _, commonPrefix := range resp.CommonPrefixes {
			cp := *commonPrefix.Prefix
			directories = append(directories, strings.Replace(cp[0:len(cp)-1], d.s3Path(""), prefix, 1))
		}
		return true
	})
	if err != nil {
		return nil, parseError(opath, err)
	}

	if opath != "/" && len(files) == 0 && len(directories) == 0 {
		// Treat empty response as missing directory, since we don't actually have directories in s3.
		return nil, storagedriver.PathNotFoundError{Path: opath, DriverName: driverName}
	}

	out := append(files, directories...)
	sort.Strings(out)
	return out, nil
}

// Move moves an object stored at sourcePath to destPath, removing the original object.
func (d *Driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	_, err := d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(destPath)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		CopySource:           aws.String(d.Bucket + "/" + d.s3Path(sourcePath)),
	})
	if err != nil {
		return parseError(sourcePath, err)
	}
	return d.Delete(ctx, sourcePath)
}

// Delete recursively deletes all objects stored at "path" and its subpaths. We must be careful since S3 does not
// guarantee read after delete consistency.
func (d *Driver) Delete(ctx context.Context, path string) error {
	s3Objects := make([]*s3.ObjectIdentifier, 0, listMax)
	s3Path := d.s3Path(path)

	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(s3Path),
	}

	for {
		resp, err := d.S3.ListObjectsV2WithContext(ctx, listInput)
		if err != nil || len(resp.Contents) == 0 {
			if len(s3Objects) == 0 && err == nil {
				return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
			}
			if err != nil {
				return parseError(path, err)
			}
			break
		}

		for _, key := range resp.Contents {
			// Skip if we encounter a key that is not a subpath (so that deleting "/a" does not delete "/ab").
			if len(*key.Key) > len(s3Path) && (*key.Key)[len(s3Path)] != '/' {
				continue
			}
			s3Objects = append(s3Objects, &s3.ObjectIdentifier{Key: key.Key})
		}

		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		listInput.ContinuationToken = resp.NextContinuationToken
	}

	if len(s3Objects) == 0 {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}

	for start := 0; start < len(s3Objects); start += listMax {
		end := start + listMax
		if end > len(s3Objects) {
			end = len(s3Objects)
		}
		resp, err := d.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.Bucket),
			Delete: &s3.Delete{
				Objects: s3Objects[start:end],
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return parseError(path, err)
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return storagedriver.Error{
				DriverName: driverName,
				Enclosed:   fmt.Errorf("deleting %s: %s: %s", aws.StringValue(e.Key), aws.StringValue(e.Code), aws.StringValue(e.Message)),
			}
		}
	}
	return nil
}

// URLFor returns a URL which may be used to retrieve the content stored at the given path. Supported options:
// method (GET or HEAD) and expiry (time.Time).
func (d *Driver) URLFor(_ context.Context, path string, options map[string]interface{}) (string, error) {
	methodString := http.MethodGet
	if method, ok := options["method"]; ok {
		methodString, ok = method.(string)
		if !ok || (methodString != http.MethodGet && methodString != http.MethodHead) {
			return "", storagedriver.ErrUnsupportedMethod{DriverName: driverName}
		}
	}

	expiresIn := defaultURLExpiry
	if expires, ok := options["expiry"]; ok {
		if et, ok := expires.(time.Time); ok {
			expiresIn = et.Sub(d.now())
		}
	}

	var req interface {
		Presign(time.Duration) (string, error)
	}
	switch methodString {
	case http.MethodGet:
		r, _ := d.S3.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
		req = r
	case http.MethodHead:
		r, _ := d.S3.HeadObjectRequest(&s3.HeadObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
		req = r
	}

	return req.Presign(expiresIn)
}

// Walk traverses a filesystem defined within driver, starting from the given path, calling f on each file.
func (d *Driver) Walk(ctx context.Context, from string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, from, f)
}

// WalkParallel traverses a filesystem defined within driver in parallel.
func (d *Driver) WalkParallel(ctx context.Context, from string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallbackParallel(ctx, d, from, f)
}

// Compose assembles sources into destPath with a multipart upload copying every source as one part. S3 requires
// every part but the last to be at least 5MB, smaller sources yield ErrUnsupportedMethod.
func (d *Driver) Compose(ctx context.Context, destPath string, sources []string) error {
	if len(sources) == 0 {
		return storagedriver.ErrUnsupportedMethod{DriverName: driverName}
	}
	for i, src := range sources[:len(sources)-1] {
		fi, err := d.Stat(ctx, src)
		if err != nil {
			return err
		}
		if fi.Size() < minChunkSize {
			logrus.WithFields(logrus.Fields{"source": src, "index": i, "size": fi.Size()}).
				Debug("S3: source too small for server side composition")
			return storagedriver.ErrUnsupportedMethod{DriverName: driverName}
		}
	}

	key := d.s3Path(destPath)
	created, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(key),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
	})
	if err != nil {
		return parseError(destPath, err)
	}

	parts := make([]*s3.CompletedPart, 0, len(sources))
	for i, src := range sources {
		resp, err := d.S3.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(d.Bucket),
			Key:        aws.String(key),
			CopySource: aws.String(d.Bucket + "/" + d.s3Path(src)),
			PartNumber: aws.Int64(int64(i + 1)),
			UploadId:   created.UploadId,
		})
		if err != nil {
			d.abort(ctx, key, created.UploadId)
			return parseError(src, err)
		}
		parts = append(parts, &s3.CompletedPart{ETag: resp.CopyPartResult.ETag, PartNumber: aws.Int64(int64(i + 1))})
	}

	_, err = d.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.Bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		d.abort(ctx, key, created.UploadId)
		return parseError(destPath, err)
	}
	return nil
}

func (d *Driver) abort(ctx context.Context, key string, uploadID *string) {
	_, err := d.S3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.Bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("S3: failed to abort multipart upload")
	}
}

func (d *Driver) s3Path(path string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+path, "/")
}

func parseError(path string, err error) error {
	if err == nil {
		return nil
	}
	var s3Err awserr.Error
	if errors.As(err, &s3Err) && (s3Err.Code() == s3.ErrCodeNoSuchKey || s3Err.Code() == "NotFound") {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return storagedriver.Error{DriverName: driverName, Enclosed: err}
}

func (d *Driver) getEncryptionMode() *string {
	if !d.Encrypt {
		return nil
	}
	if d.KeyID == "" {
		return aws.String("AES256")
	}
	return aws.String("aws:kms")
}

func (d *Driver) getSSEKMSKeyID() *string {
	if d.KeyID != "" {
		return aws.String(d.KeyID)
	}
	return nil
}

func (d *Driver) getContentType() *string {
	return aws.String("application/octet-stream")
}

func (d *Driver) getACL() *string {
	if d.ObjectACL == "" {
		return aws.String(s3.ObjectCannedACLPrivate)
	}
	return aws.String(d.ObjectACL)
}

func (d *Driver) getStorageClass() *string {
	return aws.String(d.StorageClass)
}

// writer buffers content into parts of ChunkSize bytes. Content smaller than a single part is stored with one
// PutObject call on Commit.
type writer struct {
	driver    *Driver
	ctx       context.Context
	key       string
	uploadID  *string
	parts     []*s3.CompletedPart
	buf       bytes.Buffer
	size      int64
	closed    bool
	committed bool
	cancelled bool
}

func (d *Driver) newWriter(ctx context.Context, key string) storagedriver.FileWriter {
	return &writer{driver: d, ctx: ctx, key: key}
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	n, _ := w.buf.Write(p)
	w.size += int64(n)
	for int64(w.buf.Len()) >= w.driver.ChunkSize {
		if err := w.flushPart(w.driver.ChunkSize); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *writer) flushPart(n int64) error {
	d := w.driver
	if w.uploadID == nil {
		resp, err := d.S3.CreateMultipartUploadWithContext(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket:               aws.String(d.Bucket),
			Key:                  aws.String(w.key),
			ContentType:          d.getContentType(),
			ACL:                  d.getACL(),
			ServerSideEncryption: d.getEncryptionMode(),
			SSEKMSKeyId:          d.getSSEKMSKeyID(),
			StorageClass:         d.getStorageClass(),
		})
		if err != nil {
			return parseError(w.key, err)
		}
		w.uploadID = resp.UploadId
	}

	partNumber := aws.Int64(int64(len(w.parts) + 1))
	resp, err := d.S3.UploadPartWithContext(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(d.Bucket),
		Key:        aws.String(w.key),
		PartNumber: partNumber,
		UploadId:   w.uploadID,
		Body:       bytes.NewReader(w.buf.Next(int(n))),
	})
	if err != nil {
		return parseError(w.key, err)
	}
	w.parts = append(w.parts, &s3.CompletedPart{ETag: resp.ETag, PartNumber: partNumber})
	return nil
}

func (w *writer) Size() int64 {
	return w.size
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel() error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.buf.Reset()
	if w.uploadID != nil {
		w.driver.abort(w.ctx, w.key, w.uploadID)
	}
	return nil
}

func (w *writer) Commit() error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	d := w.driver

	if w.uploadID == nil {
		_, err := d.S3.PutObjectWithContext(w.ctx, &s3.PutObjectInput{
			Bucket:               aws.String(d.Bucket),
			Key:                  aws.String(w.key),
			ContentType:          d.getContentType(),
			ACL:                  d.getACL(),
			ServerSideEncryption: d.getEncryptionMode(),
			SSEKMSKeyId:          d.getSSEKMSKeyID(),
			StorageClass:         d.getStorageClass(),
			Body:                 bytes.NewReader(w.buf.Bytes()),
		})
		if err != nil {
			return parseError(w.key, err)
		}
		w.committed = true
		return nil
	}

	if w.buf.Len() > 0 {
		if err := w.flushPart(int64(w.buf.Len())); err != nil {
			return err
		}
	}
	_, err := d.S3.CompleteMultipartUploadWithContext(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.Bucket),
		Key:             aws.String(w.key),
		UploadId:        w.uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		d.abort(w.ctx, w.key, w.uploadID)
		return parseError(w.key, err)
	}
	w.committed = true
	return nil
}
