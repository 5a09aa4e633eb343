// Package objectstore implements the S3-compatible object store layout of
// spec §6: per-session workspace exports, skill assets, and skill/plugin
// import archives, all addressed by key under a single bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/loomrun/loomrun/internal/common/apperr"
	cfgpkg "github.com/loomrun/loomrun/internal/common/config"
)

// Store is a thin S3 client scoped to one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from the control plane/dispatcher's shared
// ObjectStoreConfig (spec §6 env vars S3_*).
func New(ctx context.Context, cfg cfgpkg.ObjectStoreConfig) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads data to key, guessing a mime type from the key's extension
// when contentType is empty.
func (s *Store) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if contentType == "" {
		contentType = GuessMimeType(key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperr.StorageError(fmt.Sprintf("put object %q", key), err)
	}
	return nil
}

// Get downloads key. The caller must close the returned ReadCloser.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("object", key)
		}
		return nil, apperr.StorageError(fmt.Sprintf("get object %q", key), err)
	}
	return out.Body, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, apperr.StorageError(fmt.Sprintf("head object %q", key), err)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")
}

// GuessMimeType resolves a mime type from key's extension, defaulting to
// application/octet-stream (spec §4.3.3, manifest mimeType field).
func GuessMimeType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// WorkspaceFileKey builds the key for one exported workspace file (spec §6
// object-store layout).
func WorkspaceFileKey(userID, sessionID, relPath string) string {
	return path.Join("workspaces", userID, sessionID, "files", relPath)
}

// WorkspaceManifestKey builds the manifest key for a session's export.
func WorkspaceManifestKey(userID, sessionID string) string {
	return path.Join("workspaces", userID, sessionID, "manifest.json")
}

// WorkspaceArchiveKey builds the tarball key for a session's export.
func WorkspaceArchiveKey(userID, sessionID string) string {
	return path.Join("workspaces", userID, sessionID, "archive.tar.gz")
}

// SkillAssetKey builds the key for one file in a versioned skill asset
// bundle.
func SkillAssetKey(userID, name, versionUUID, relPath string) string {
	return path.Join("skills", userID, name, versionUUID, relPath)
}

// SkillImportKey builds the key for one file within an in-progress skill
// or plugin import archive.
func SkillImportKey(userID, archiveUUID, relPath string) string {
	return path.Join("skill-imports", userID, archiveUUID, relPath)
}
