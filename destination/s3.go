package destination

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numS3Retries  = 3
	s3PartSizeMiB = 10
)

// S3Client is the subset of the S3 API the finalizer needs. *s3.Client implements it.
type S3Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObjectAttributes(ctx context.Context, params *s3.GetObjectAttributesInput, optFns ...func(*s3.Options)) (*s3.GetObjectAttributesOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
}

// S3Finalizer uploads staged files to an S3 bucket. The destination is used as the object key.
type S3Finalizer struct {
	client    S3Client
	bucket    string
	keyPrefix string
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Finalizer loads AWS credentials for params and returns a finalizer uploading to params.Bucket.
func NewS3Finalizer(ctx context.Context, params S3Params, logger log.Logger) (*S3Finalizer, error) {
	if params.Bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3FinalizerWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.KeyPrefix, logger), nil
}

// NewS3FinalizerWithClient ...
func NewS3FinalizerWithClient(client S3Client, bucket, keyPrefix string, logger log.Logger) *S3Finalizer {
	return &S3Finalizer{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		retryWait: 5 * time.Second,
		logger:    logger,
	}
}

// Finalize uploads stagedPath unless an object with the same SHA-256 already exists, then removes the staged file.
func (f *S3Finalizer) Finalize(ctx context.Context, stagedPath, destination string) error {
	key := f.objectKey(destination)
	if key == "" {
		return errors.New("object key must not be empty")
	}

	checksum, size, err := fileChecksum(stagedPath)
	if err != nil {
		return err
	}

	existing, err := f.findChecksumWithRetry(ctx, key)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if existing != "" && existing == checksum {
		f.logger.Debugf("Object %s already has checksum %s, skipping upload", key, checksum)
	} else {
		f.logger.Debugf("Uploading %s (%d bytes) to s3://%s/%s", stagedPath, size, f.bucket, key)
		if err := f.putObjectWithRetry(ctx, stagedPath, key, size); err != nil {
			return fmt.Errorf("upload object: %w", err)
		}
	}

	if err := os.Remove(stagedPath); err != nil {
		f.logger.Warnf("Failed to remove staged file %s: %s", stagedPath, err)
	}
	return nil
}

func (f *S3Finalizer) objectKey(destination string) string {
	key := strings.TrimLeft(destination, "/")
	if f.keyPrefix == "" || key == "" {
		return key
	}
	return path.Join(f.keyPrefix, key)
}

// findChecksumWithRetry returns the hex SHA-256 of the object at key, or an empty string when it does not exist.
func (f *S3Finalizer) findChecksumWithRetry(ctx context.Context, key string) (string, error) {
	var checksum string
	err := retry.Times(numS3Retries).Wait(f.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(f.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				return nil, true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NotFound" {
				return nil, true
			}
			return fmt.Errorf("head object: %w", err), false
		}

		attributes, err := f.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket:           aws.String(f.bucket),
			Key:              aws.String(key),
			ObjectAttributes: []types.ObjectAttributes{types.ObjectAttributesChecksum},
		})
		if err != nil {
			return fmt.Errorf("get object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decoded, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}
			checksum = hex.EncodeToString(decoded)
		}
		return nil, true
	})

	return checksum, err
}

func (f *S3Finalizer) putObjectWithRetry(ctx context.Context, stagedPath, key string, size int64) error {
	return retry.Times(numS3Retries).Wait(f.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			f.logger.Debugf("Retrying upload of %s (attempt %d)", key, attempt+1)
		}

		file, err := os.Open(stagedPath)
		if err != nil {
			return fmt.Errorf("open staged file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		uploader := manager.NewUploader(f.client, func(u *manager.Uploader) {
			u.PartSize = s3PartSizeMiB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(f.bucket),
			Key:               aws.String(key),
			ContentType:       aws.String("application/octet-stream"),
			ContentLength:     aws.Int64(size),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("upload object: %w", err), false
		}
		return nil, true
	})
}

func fileChecksum(p string) (string, int64, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("open staged file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash staged file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, errors.New("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}
	return &cfg, nil
}
