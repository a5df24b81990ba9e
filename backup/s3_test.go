package backup

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ConfigValidate(t *testing.T) {
	valid := S3Config{
		Endpoint:  "minio.local:9000",
		AccessKey: "ak",
		SecretKey: "sk",
		Bucket:    "backups",
	}
	assert.NoError(t, valid.Validate())

	c := valid
	c.Endpoint = ""
	assert.Error(t, c.Validate())

	c = valid
	c.Bucket = ""
	assert.Error(t, c.Validate())

	c = valid
	c.SecretKey = ""
	assert.Error(t, c.Validate())
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, transientS3Error(minio.ErrorResponse{Code: "SlowDown"}))
	assert.True(t, transientS3Error(minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}))
	assert.True(t, transientS3Error(minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, transientS3Error(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, transientS3Error(errors.New("not an s3 error")))
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNoSuchKey(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := &s3Store{}
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		return minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	})

	assert.Equal(t, 1, calls, "a permanent failure must not be retried")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Transient)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	s := &s3Store{}
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRemoteErrorTransparency(t *testing.T) {
	inner := errors.New("boom")
	err := &RemoteError{Op: "upload", Transient: true, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(inner))
}
