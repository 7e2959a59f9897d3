// Package uploader copies scraped images into S3-compatible object storage
// (Cloudflare R2 in production).
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

const (
	downloadTimeout = 30 * time.Second
	maxImageBytes   = 20 << 20
	defaultExt      = ".jpg"
)

// UploadInfo describes a stored object.
type UploadInfo struct {
	ObjectKey   string `json:"r2_object_key"`
	Bucket      string `json:"r2_bucket"`
	PublicURL   string `json:"public_url,omitempty"`
	ContentType string `json:"content_type"`
}

// UploadError is any failure to download or store an image.
type UploadError struct {
	Msg string
	Err error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader downloads imageURL and stores it under keyPrefix.
type Uploader interface {
	Upload(ctx context.Context, imageURL, keyPrefix string) (*UploadInfo, error)
}

// Config holds the R2 credentials. An empty Bucket disables uploads.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURLBase   string
	Region          string
}

// objectPutter is the slice of the S3 API the uploader uses.
type objectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Uploader is the object-storage Uploader.
type S3Uploader struct {
	client        *http.Client
	putter        objectPutter
	bucket        string
	publicURLBase string
	logger        *slog.Logger
}

// New returns an Uploader for cfg. When cfg has no bucket every upload fails
// with an UploadError, which callers record as a partial success.
func New(cfg Config, logger *slog.Logger) (Uploader, error) {
	if cfg.Bucket == "" {
		return disabled{}, nil
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(region),
		Endpoint:         aws.String(cfg.Endpoint),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("r2 session: %w", err)
	}
	return newS3Uploader(s3.New(sess), cfg.Bucket, cfg.PublicURLBase, logger), nil
}

func newS3Uploader(putter objectPutter, bucket, publicURLBase string, logger *slog.Logger) *S3Uploader {
	return &S3Uploader{
		client:        &http.Client{Timeout: downloadTimeout},
		putter:        putter,
		bucket:        bucket,
		publicURLBase: strings.TrimRight(publicURLBase, "/"),
		logger:        logger,
	}
}

func (u *S3Uploader) Upload(ctx context.Context, imageURL, keyPrefix string) (*UploadInfo, error) {
	data, contentType, err := u.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/%s%s", strings.Trim(keyPrefix, "/"), uuid.New().String(), extensionFor(contentType))
	_, err = u.putter.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, &UploadError{Msg: "Failed to upload image to R2", Err: err}
	}

	info := &UploadInfo{ObjectKey: key, Bucket: u.bucket, ContentType: contentType}
	if u.publicURLBase != "" {
		info.PublicURL = u.publicURLBase + "/" + key
	}
	u.logger.Info("image stored",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
		slog.String("content_type", contentType),
	)
	return info, nil
}

func (u *S3Uploader) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", &UploadError{Msg: "Failed to download image: invalid URL", Err: err}
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, "", &UploadError{Msg: "Failed to download image: Network/Request error", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", &UploadError{Msg: fmt.Sprintf("Failed to download image: HTTP %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", &UploadError{Msg: "Failed to download image: Network/Request error", Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
	"image/heic": ".heic",
}

// extensionFor maps an image content type to a file extension, falling
// back to .jpg.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return defaultExt
	}
	if ext, ok := imageExtensions[mediaType]; ok {
		return ext
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return defaultExt
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return defaultExt
}

type disabled struct{}

// ErrNotConfigured is returned by the disabled uploader.
var ErrNotConfigured = errors.New("r2 bucket not configured")

func (disabled) Upload(context.Context, string, string) (*UploadInfo, error) {
	return nil, &UploadError{Msg: "R2 S3 client not initialized", Err: ErrNotConfigured}
}
