// Package storage mirrors finalized archives to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/config"
	"github.com/example/splat-api/internal/logging"
)

const archiveContentType = "application/zip"

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ArchiveStore uploads archives under a key prefix and hands back presigned
// download URLs.
type ArchiveStore struct {
	bucket    string
	prefix    string
	expiry    time.Duration
	uploader  uploader
	presigner presigner
	logger    *zap.Logger
}

// NewArchiveStore builds an S3-backed store from cfg. Static credentials are
// used when both keys are set, otherwise the default AWS chain applies.
func NewArchiveStore(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*ArchiveStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return newArchiveStore(cfg, manager.NewUploader(client), s3.NewPresignClient(client), logger), nil
}

func newArchiveStore(cfg config.S3Config, up uploader, pre presigner, logger *zap.Logger) *ArchiveStore {
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &ArchiveStore{
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		expiry:    expiry,
		uploader:  up,
		presigner: pre,
		logger:    logger.Named("archive_store"),
	}
}

// ErrInvalidName is returned for archive names that are not a single plain
// path element.
var ErrInvalidName = errors.New("invalid archive name")

// Key returns the object key used for name. Names must be a single path
// element so every key stays under the prefix.
func (s *ArchiveStore) Key(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}

// Put uploads data as name and returns a presigned GET URL for it.
func (s *ArchiveStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	key, err := s.Key(name)
	if err != nil {
		return "", logging.NewOperationError("storage.upload_archive", name, err)
	}
	start := time.Now()

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(archiveContentType),
	}); err != nil {
		return "", logging.NewOperationError("storage.upload_archive", name, fmt.Errorf("s3 upload: %w", err))
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", logging.NewOperationError("storage.presign_archive", name, fmt.Errorf("s3 presign: %w", err))
	}

	s.logger.Info("archive mirrored",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return presigned.URL, nil
}
