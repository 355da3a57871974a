package s3

import (
	"errors"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// s3wrapper rate limits and retries the subset of s3iface.S3API calls made by the driver.
type s3wrapper struct {
	api     s3iface.S3API
	limiter *rate.Limiter
	backoff func() backoff.BackOff
	notify  backoff.Notify
}

type wrapperOpt func(*s3wrapper)

func withRateLimit(perSecond int64, burst int) wrapperOpt {
	return func(w *s3wrapper) {
		if perSecond == 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func withExponentialBackoff(maxRetries int64) wrapperOpt {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return func(w *s3wrapper) {
		w.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultInitialInterval
			b.RandomizationFactor = defaultRandomizationFactor
			b.Multiplier = defaultMultiplier
			b.MaxInterval = defaultMaxInterval
			b.MaxElapsedTime = defaultMaxElapsedTime
			return backoff.WithMaxRetries(b, uint64(maxRetries))
		}
	}
}

func withBackoffNotify(n backoff.Notify) wrapperOpt {
	return func(w *s3wrapper) {
		w.notify = n
	}
}

func newS3Wrapper(api s3iface.S3API, opts ...wrapperOpt) *s3wrapper {
	w := &s3wrapper{
		api:     api,
		limiter: rate.NewLimiter(rate.Inf, 0),
		backoff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// call waits for the rate limiter and retries f until it succeeds, returns a permanent error or the backoff gives
// up.
func call[T any](ctx aws.Context, w *s3wrapper, f func() (T, error)) (T, error) {
	var out T
	err := backoff.RetryNotify(func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		out, err = f()
		return retryable(err)
	}, backoff.WithContext(w.backoff(), ctx), w.notify)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return out, err
}

func (w *s3wrapper) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	return call(ctx, w, func() (*s3.PutObjectOutput, error) {
		// rewind the body so that retries resend the whole payload
		if in.Body != nil {
			if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		return w.api.PutObjectWithContext(ctx, in)
	})
}

func (w *s3wrapper) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	return call(ctx, w, func() (*s3.GetObjectOutput, error) { return w.api.GetObjectWithContext(ctx, in) })
}

func (w *s3wrapper) CopyObjectWithContext(ctx aws.Context, in *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
	return call(ctx, w, func() (*s3.CopyObjectOutput, error) { return w.api.CopyObjectWithContext(ctx, in) })
}

func (w *s3wrapper) ListObjectsV2WithContext(ctx aws.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	return call(ctx, w, func() (*s3.ListObjectsV2Output, error) { return w.api.ListObjectsV2WithContext(ctx, in) })
}

func (w *s3wrapper) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, f func(*s3.ListObjectsV2Output, bool) bool) error {
	_, err := call(ctx, w, func() (struct{}, error) {
		return struct{}{}, w.api.ListObjectsV2PagesWithContext(ctx, in, f)
	})
	return err
}

func (w *s3wrapper) DeleteObjectsWithContext(ctx aws.Context, in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
	return call(ctx, w, func() (*s3.DeleteObjectsOutput, error) { return w.api.DeleteObjectsWithContext(ctx, in) })
}

func (w *s3wrapper) CreateMultipartUploadWithContext(ctx aws.Context, in *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
	return call(ctx, w, func() (*s3.CreateMultipartUploadOutput, error) {
		return w.api.CreateMultipartUploadWithContext(ctx, in)
	})
}

func (w *s3wrapper) UploadPartWithContext(ctx aws.Context, in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
	return call(ctx, w, func() (*s3.UploadPartOutput, error) {
		if in.Body != nil {
			if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		return w.api.UploadPartWithContext(ctx, in)
	})
}

func (w *s3wrapper) UploadPartCopyWithContext(ctx aws.Context, in *s3.UploadPartCopyInput) (*s3.UploadPartCopyOutput, error) {
	return call(ctx, w, func() (*s3.UploadPartCopyOutput, error) { return w.api.UploadPartCopyWithContext(ctx, in) })
}

func (w *s3wrapper) CompleteMultipartUploadWithContext(ctx aws.Context, in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
	return call(ctx, w, func() (*s3.CompleteMultipartUploadOutput, error) {
		return w.api.CompleteMultipartUploadWithContext(ctx, in)
	})
}

func (w *s3wrapper) AbortMultipartUploadWithContext(ctx aws.Context, in *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error) {
	return call(ctx, w, func() (*s3.AbortMultipartUploadOutput, error) {
		return w.api.AbortMultipartUploadWithContext(ctx, in)
	})
}

// GetObjectRequest and HeadObjectRequest only build presignable requests and make no network calls.
func (w *s3wrapper) GetObjectRequest(in *s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput) {
	return w.api.GetObjectRequest(in)
}

func (w *s3wrapper) HeadObjectRequest(in *s3.HeadObjectInput) (*request.Request, *s3.HeadObjectOutput) {
	return w.api.HeadObjectRequest(in)
}

// retryable marks e as permanent unless it is a throttling or server side failure.
func retryable(e error) error {
	if e == nil {
		return nil
	}

	var reqErr awserr.RequestFailure
	if errors.As(e, &reqErr) {
		if reqErr.StatusCode() != http.StatusTooManyRequests && reqErr.StatusCode() < http.StatusInternalServerError {
			return backoff.Permanent(e)
		}
		return e
	}

	var awsErr awserr.Error
	if errors.As(e, &awsErr) {
		switch awsErr.Code() {
		case request.ErrCodeInvalidPresignExpire, request.ErrCodeSerialization, s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchUpload:
			return backoff.Permanent(e)
		}
	}

	return e
}
