package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is used for AWS S3 when neither config nor environment
// names a region.
const DefaultAWSRegion = "us-east-1"

// Sentinel errors for uploads.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("object store unavailable")
)

// ClientConfig configures the S3 client.
//
// Credentials come from the AWS SDK default chain unless AccessKeyID and
// SecretAccessKey are both set. Set Endpoint (and usually ForcePathStyle) for
// S3-compatible stores such as MinIO.
type ClientConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// Validate checks the credential pair.
func (c ClientConfig) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("archive config: access key id and secret access key must be provided together")
	}
	return nil
}

// Uploader stores one object.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
}

// S3Client uploads to S3 or an S3-compatible store.
type S3Client struct {
	client *s3.Client
}

var _ Uploader = (*S3Client)(nil)

// NewS3Client loads the AWS configuration and builds a client.
func NewS3Client(ctx context.Context, cfg ClientConfig) (*S3Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Client{client: client}, nil
}

// PutObject uploads body as bucket/key.
func (c *S3Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return wrapError(bucket, key, err)
	}
	return nil
}

// UploadError is a failed upload. Code holds the service error code, if any.
type UploadError struct {
	Bucket string
	Key    string
	Code   string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upload s3://%s/%s: %s: %v", e.Bucket, e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("upload s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// wrapError maps S3 errors to the package sentinels. The original error is
// kept when no sentinel applies.
func wrapError(bucket, key string, err error) error {
	wrapped := &UploadError{Bucket: bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Code = "NoSuchBucket"
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	wrapped.Code = apiErr.ErrorCode()
	switch wrapped.Code {
	case "NoSuchBucket":
		wrapped.Err = ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		wrapped.Err = ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		wrapped.Err = ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		wrapped.Err = ErrThrottled
	case "ServiceUnavailable", "InternalError":
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}

// resolveRegion defaults the region for AWS S3 only; custom endpoints often
// ignore it.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" || endpoint != "" {
		return sdkRegion
	}
	return DefaultAWSRegion
}
