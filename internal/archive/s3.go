package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// S3Config configures an S3Store. Empty credentials fall back to the SDK's
// default chain (env, shared config, instance role).
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	StorageClass string
	PathStyle    bool
}

// S3Store archives segments as S3 objects.
type S3Store struct {
	client       s3iface.S3API
	bucket       string
	storageClass string
}

// NewS3Store builds an S3 client whose HTTP transport is traced.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg := aws.NewConfig().
		WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}).
		WithS3ForcePathStyle(cfg.PathStyle)
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return newS3Store(s3.New(sess), cfg.Bucket, cfg.StorageClass), nil
}

func newS3Store(client s3iface.S3API, bucket, storageClass string) *S3Store {
	if storageClass == "" {
		storageClass = s3.StorageClassReducedRedundancy
	}
	return &S3Store{client: client, bucket: bucket, storageClass: storageClass}
}

func (s *S3Store) Name() string { return "s3" }

// Put uploads body with a single PutObject call.
func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/gzip"),
		StorageClass:  aws.String(s.storageClass),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
