// Package media stores annotation attachments in object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"marginalia/api/internal/util"
)

type Service struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// TypeForContentType maps an upload's content type onto the media type
// recorded with the annotation.
func TypeForContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	default:
		return "file"
	}
}

// Save streams an upload into the bucket and returns the path clients fetch
// it back from.
func (s *Service) Save(ctx context.Context, filename, contentType string, size int64, body io.Reader) (string, error) {
	objectName := util.NewID("med")
	if ext := path.Ext(filename); ext != "" {
		objectName += ext
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("store media object: %w", err)
	}
	return "/media/" + objectName, nil
}

// Open fetches a stored object for serving back to a client.
func (s *Service) Open(ctx context.Context, mediaPath string) (io.ReadCloser, error) {
	objectName := strings.TrimPrefix(mediaPath, "/media/")
	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch media object: %w", err)
	}
	return object, nil
}

// Remove deletes a stored object. Missing objects are not an error.
func (s *Service) Remove(ctx context.Context, mediaPath string) error {
	objectName := strings.TrimPrefix(mediaPath, "/media/")
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove media object: %w", err)
	}
	return nil
}
