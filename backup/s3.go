package backup

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

// S3Config locates and authenticates the remote bucket.
type S3Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Validate rejects an incomplete remote configuration.
func (c *S3Config) Validate() error {
	if c.Endpoint == "" {
		return configErrorf("s3.endpoint", "must not be empty")
	}
	if c.Bucket == "" {
		return configErrorf("s3.bucket", "must not be empty")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return configErrorf("s3.access_key", "credentials must not be empty")
	}
	return nil
}

// s3Store implements ObjectStore on a single bucket through minio-go.
// Transient failures (throttling, 5xx) are retried with exponential
// backoff; everything else surfaces immediately as a permanent RemoteError.
type s3Store struct {
	client      *minio.Client
	bucket      string
	uploadLimit int
}

// NewS3Store connects to the endpoint described by cfg. No network I/O
// happens here; reachability is checked by TestConnectivity.
func NewS3Store(cfg *S3Config) (ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client for %s: %w", cfg.Endpoint, err)
	}
	return &s3Store{client: client, bucket: cfg.Bucket, uploadLimit: 8}, nil
}

// retry runs op with exponential backoff as long as it keeps failing
// transiently. Permanent failures stop the loop at once.
func (s *s3Store) retry(ctx context.Context, opName string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if transientS3Error(err) {
			logger.Warnf("S3 %s failed transiently, will retry: %v", opName, err)
			return &RemoteError{Op: opName, Transient: true, Err: err}
		}
		return backoff.Permanent(&RemoteError{Op: opName, Err: err})
	}, policy)
	return err
}

// transientS3Error classifies an S3 failure as worth retrying.
func transientS3Error(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *s3Store) UploadFile(ctx context.Context, key, localPath string) error {
	return s.retry(ctx, "upload "+key, func() error {
		_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{})
		return err
	})
}

// UploadDirectory walks localDir and uploads every regular file as
// prefix/<relative path>, a bounded number in flight at a time. Symlinks
// are skipped: the compressed artifact preserves them, the raw mirror does
// not need to.
func (s *s3Store) UploadDirectory(ctx context.Context, prefix, localDir string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadLimit)

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		g.Go(func() error {
			return s.UploadFile(gctx, key, p)
		})
		return nil
	})
	if err != nil {
		g.Wait()
		return fmt.Errorf("failed to walk %s for upload: %w", localDir, err)
	}
	return g.Wait()
}

func (s *s3Store) DownloadFile(ctx context.Context, key, localPath string) error {
	return s.retry(ctx, "download "+key, func() error {
		return s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{})
	})
}

func (s *s3Store) DownloadDirectory(ctx context.Context, prefix, localDir string) error {
	pfx := strings.TrimSuffix(prefix, "/") + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    pfx,
		Recursive: true,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadLimit)
	found := false
	for obj := range objects {
		if obj.Err != nil {
			g.Wait()
			return &RemoteError{Op: "list " + pfx, Transient: transientS3Error(obj.Err), Err: obj.Err}
		}
		found = true
		key := obj.Key
		rel := strings.TrimPrefix(key, pfx)
		g.Go(func() error {
			return s.DownloadFile(gctx, key, filepath.Join(localDir, filepath.FromSlash(rel)))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no objects under %s", ErrNotFound, pfx)
	}
	return nil
}

func (s *s3Store) DeleteObject(ctx context.Context, key string) error {
	return s.retry(ctx, "delete "+key, func() error {
		err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		if err != nil && isNoSuchKey(err) {
			return nil
		}
		return err
	})
}

func (s *s3Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	pfx := strings.TrimSuffix(prefix, "/") + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    pfx,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return &RemoteError{Op: "list " + pfx, Transient: transientS3Error(obj.Err), Err: obj.Err}
		}
		if err := s.DeleteObject(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *s3Store) ListFilesUnderPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.list(ctx, prefix, false)
}

func (s *s3Store) ListDirectoriesUnderPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.list(ctx, prefix, true)
}

// list enumerates the immediate children of prefix. With dirs true it
// returns common-prefix names, otherwise object key basenames.
func (s *s3Store) list(ctx context.Context, prefix string, dirs bool) ([]string, error) {
	pfx := prefix
	if pfx != "" {
		pfx = strings.TrimSuffix(pfx, "/") + "/"
	}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    pfx,
		Recursive: false,
	})

	var names []string
	for obj := range objects {
		if obj.Err != nil {
			return nil, &RemoteError{Op: "list " + pfx, Transient: transientS3Error(obj.Err), Err: obj.Err}
		}
		isDir := strings.HasSuffix(obj.Key, "/")
		if isDir != dirs {
			continue
		}
		name := strings.TrimPrefix(obj.Key, pfx)
		name = strings.TrimSuffix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *s3Store) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, &RemoteError{Op: "stat " + key, Transient: transientS3Error(err), Err: err}
}

func (s *s3Store) BucketTotalSize(ctx context.Context) (int64, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true})
	var total int64
	for obj := range objects {
		if obj.Err != nil {
			return 0, &RemoteError{Op: "list bucket", Transient: transientS3Error(obj.Err), Err: obj.Err}
		}
		total += obj.Size
	}
	return total, nil
}

func (s *s3Store) TestConnectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &RemoteError{Op: "bucket probe", Transient: transientS3Error(err), Err: err}
	}
	if !exists {
		return &RemoteError{Op: "bucket probe", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	logger.Infof("connected to S3 endpoint, bucket %s", s.bucket)
	return nil
}
