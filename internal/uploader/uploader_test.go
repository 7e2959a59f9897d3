package uploader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func imageServer(t *testing.T, status int, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("PIXELS"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestUpload_StoresUnderPrefix(t *testing.T) {
	srv := imageServer(t, http.StatusOK, "image/png")
	putter := &fakePutter{}
	u := newS3Uploader(putter, "media", "https://cdn.example.com/", slog.Default())

	info, err := u.Upload(context.Background(), srv.URL+"/cover", "/images/task-1/")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(info.ObjectKey, "images/task-1/"), info.ObjectKey)
	assert.True(t, strings.HasSuffix(info.ObjectKey, ".png"), info.ObjectKey)
	assert.Equal(t, "media", info.Bucket)
	assert.Equal(t, "image/png", info.ContentType)
	assert.Equal(t, "https://cdn.example.com/"+info.ObjectKey, info.PublicURL)

	assert.Equal(t, "media", aws.StringValue(putter.input.Bucket))
	assert.Equal(t, info.ObjectKey, aws.StringValue(putter.input.Key))
	assert.Equal(t, "PIXELS", string(putter.body))
}

func TestUpload_NoPublicBase(t *testing.T) {
	srv := imageServer(t, http.StatusOK, "image/jpeg")
	u := newS3Uploader(&fakePutter{}, "media", "", slog.Default())

	info, err := u.Upload(context.Background(), srv.URL, "images/x")
	require.NoError(t, err)
	assert.Empty(t, info.PublicURL)
}

func TestUpload_DownloadHTTPError(t *testing.T) {
	srv := imageServer(t, http.StatusNotFound, "")
	putter := &fakePutter{}
	u := newS3Uploader(putter, "media", "", slog.Default())

	_, err := u.Upload(context.Background(), srv.URL, "images/x")
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "Failed to download image: HTTP 404", upErr.Msg)
	assert.Nil(t, putter.input, "nothing should be stored")
}

func TestUpload_PutError(t *testing.T) {
	srv := imageServer(t, http.StatusOK, "image/webp")
	u := newS3Uploader(&fakePutter{err: errors.New("AccessDenied")}, "media", "", slog.Default())

	_, err := u.Upload(context.Background(), srv.URL, "images/x")
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "Failed to upload image to R2", upErr.Msg)
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":               ".jpg",
		"image/png":                ".png",
		"image/webp; charset=utf8": ".webp",
		"application/octet-stream": ".jpg",
		"":                         ".jpg",
		"not a type":               ".jpg",
	}
	for ct, want := range tests {
		assert.Equal(t, want, extensionFor(ct), ct)
	}
}

func TestNew_WithoutBucketIsDisabled(t *testing.T) {
	u, err := New(Config{}, slog.Default())
	require.NoError(t, err)

	_, err = u.Upload(context.Background(), "https://x/y.jpg", "images/t")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNew_WithBucket(t *testing.T) {
	u, err := New(Config{
		Endpoint:        "https://account.r2.cloudflarestorage.com",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		Bucket:          "media",
	}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &S3Uploader{}, u)
}
