package resultstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/pkg/job"
)

// Sentinel errors for mirror uploads.
var (
	ErrMirrorAccessDenied = errors.New("mirror access denied")
	ErrMirrorNoBucket     = errors.New("mirror bucket not found")
	ErrMirrorUnavailable  = errors.New("mirror unavailable")
)

// ObjectPutter is the subset of the S3 client used by the mirror.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror persists through a primary Store and then copies each result to
// an S3 bucket.
//
// Upload failures are logged and counted but never returned: the local file
// written by the primary store is what marks a job complete.
type S3Mirror struct {
	primary Store
	client  ObjectPutter
	bucket  string
	prefix  string
	logger  *zap.Logger

	failures atomic.Int64
}

// Ensure S3Mirror implements Store.
var _ Store = (*S3Mirror)(nil)

// NewS3Mirror builds an S3 client from cfg and wraps primary.
func NewS3Mirror(ctx context.Context, primary Store, cfg MirrorConfig, logger *zap.Logger) (*S3Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3MirrorWithClient(primary, client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3MirrorWithClient wraps primary using an existing client.
func NewS3MirrorWithClient(primary Store, client ObjectPutter, bucket, prefix string, logger *zap.Logger) *S3Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Mirror{
		primary: primary,
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
	}
}

func loadAWSConfig(ctx context.Context, cfg MirrorConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Exists delegates to the primary store.
func (m *S3Mirror) Exists(j *job.Job) (bool, error) {
	return m.primary.Exists(j)
}

// Persist writes through the primary store, then uploads a copy.
func (m *S3Mirror) Persist(ctx context.Context, j *job.Job, payload []byte) error {
	if err := m.primary.Persist(ctx, j, payload); err != nil {
		return err
	}

	key := m.Key(j)
	if err := m.put(ctx, key, payload); err != nil {
		m.failures.Add(1)
		m.logger.Warn("Result mirror upload failed",
			zap.String("title", j.Title),
			zap.String("bucket", m.bucket),
			zap.String("key", key),
			zap.Error(err))
		return nil
	}
	m.logger.Debug("Result mirrored",
		zap.String("title", j.Title),
		zap.String("key", key))
	return nil
}

// Failures returns the number of uploads that failed.
func (m *S3Mirror) Failures() int64 {
	return m.failures.Load()
}

// Key returns the object key for j.
func (m *S3Mirror) Key(j *job.Job) string {
	return m.prefix + filepath.Base(j.OutputPath)
}

func (m *S3Mirror) put(ctx context.Context, key string, payload []byte) error {
	size := int64(len(payload))
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: &size,
	})
	if err != nil {
		return classifyMirrorError(err)
	}
	return nil
}

// classifyMirrorError maps S3 error codes onto the mirror sentinels.
func classifyMirrorError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrMirrorAccessDenied, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrMirrorNoBucket, err)
		case "SlowDown", "Throttling", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrMirrorUnavailable, err)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %v", ErrMirrorAccessDenied, err)
	case strings.Contains(msg, "NoSuchBucket"):
		return fmt.Errorf("%w: %v", ErrMirrorNoBucket, err)
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", ErrMirrorUnavailable, err)
	}
	return err
}
