// Package uploads stores client files in an S3-compatible bucket and hands
// back a public URL. The rest of the system only ever sees that URL.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"board/internal/config"
)

// ErrDisallowedType is returned for content types outside the allowlist.
var ErrDisallowedType = errors.New("disallowed content type")

// allowedTypes maps accepted media types to the extension used in object keys.
var allowedTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// ObjectPutter is the slice of the S3 client the store depends on.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Store struct {
	client  ObjectPutter
	bucket  string
	baseURL string

	newKey func(ext string) string
}

// New builds a Store from config. Static credentials plus a custom base
// endpoint cover both AWS S3 and MinIO-style deployments.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		bucket:  cfg.S3Bucket,
		baseURL: cfg.UploadBaseURL,
		newKey:  objectKey,
	}, nil
}

// Save streams body to the bucket under a date-partitioned random key and
// returns the public URL. mediaType must already be stripped of parameters.
func (s *Store) Save(ctx context.Context, body io.Reader, mediaType string) (string, error) {
	ext, ok := allowedTypes[mediaType]
	if !ok {
		return "", ErrDisallowedType
	}

	key := s.newKey(ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	return s.baseURL + "/" + key, nil
}

// Allowed reports whether mediaType is accepted for upload.
func Allowed(mediaType string) bool {
	_, ok := allowedTypes[mediaType]
	return ok
}

func objectKey(ext string) string {
	d := time.Now().UTC()
	return fmt.Sprintf("uploads/%04d/%02d/%02d/%s%s", d.Year(), int(d.Month()), d.Day(), uuid.New(), ext)
}
