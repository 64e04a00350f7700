package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
	"hcc.evalgo.org/models"
)

// S3Store keeps artifacts in an S3-compatible bucket. It serves both the
// "s3" and the "gcs" storage kinds; GCS is addressed through its XML
// interoperability endpoint with HMAC credentials.
type S3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	kind     models.StorageType
	log      *common.ContextLogger
}

// NewS3Store builds the store from configuration, verifying bucket access.
func NewS3Store(cfg config.StorageConfig, kind models.StorageType) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if cfg.Endpoint == "" {
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle // required for MinIO
		o.HTTPClient = &http.Client{}
	})

	if _, err := client.HeadBucket(context.TODO(), &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.Bucket, err)
	}

	store := newS3StoreWithClient(client, cfg.Bucket, kind)
	store.uploader = manager.NewUploader(client)
	return store, nil
}

// NewS3StoreWithClient creates the store with an injected client for tests.
func NewS3StoreWithClient(client S3Client, bucket string, kind models.StorageType) *S3Store {
	return newS3StoreWithClient(client, bucket, kind)
}

func newS3StoreWithClient(client S3Client, bucket string, kind models.StorageType) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		kind:   kind,
		log: common.NewContextLogger(common.Logger, map[string]interface{}{
			"store":  string(kind),
			"bucket": bucket,
		}),
	}
}

// Kind reports the backend type.
func (s *S3Store) Kind() models.StorageType {
	return s.kind
}

// Store uploads the bytes under a fresh uuid-prefixed key. Large payloads go
// through the transfer manager when available.
func (s *S3Store) Store(ctx context.Context, data []byte, filename, contentType string) (StoredObject, error) {
	key := NewKey(filepath.Base(filename))

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to store artifact %s: %w", key, err)
	}

	return StoredObject{Kind: s.kind, Path: key}, nil
}

// Get downloads the object, or ErrNotFound when no such key exists.
func (s *S3Store) Get(ctx context.Context, kind models.StorageType, path string) ([]byte, string, error) {
	if kind != s.kind {
		return nil, "", fmt.Errorf("%s store cannot serve storage kind %q", s.kind, kind)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get artifact %s: %w", path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artifact body %s: %w", path, err)
	}

	contentType := ""
	if result.ContentType != nil {
		contentType = *result.ContentType
	}
	return data, contentTypeFor(path, contentType), nil
}

// Delete removes the object. A missing key returns false; backend failures
// are logged and also reported as false.
func (s *S3Store) Delete(ctx context.Context, kind models.StorageType, path string) bool {
	if kind != s.kind {
		return false
	}

	// DeleteObject is a no-op on missing keys, so probe first to report
	// the boolean honestly.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}); err != nil {
		return false
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}); err != nil {
		s.log.WithError(err).WithField("path", path).Warn("Failed to delete artifact")
		return false
	}
	return true
}
