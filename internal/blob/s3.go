package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cardscan/internal/config"
)

// ErrNotFound is returned by Fetch when the object does not exist yet.
// Workers treat this as retryable within the upload grace period.
var ErrNotFound = errors.New("blob not found")

// S3Store is the blob collaborator: it allocates upload destinations as
// presigned PUT URLs and fetches input bytes by key. The pipeline never
// interprets the bytes beyond existence.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	uploadTTL time.Duration
}

// New builds an S3 client from config, honoring a custom endpoint for
// MinIO/localstack style deployments.
func New(ctx context.Context, cfg config.Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})

	ttl := cfg.UploadTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.S3Bucket,
		uploadTTL: ttl,
	}, nil
}

// AllocateUpload returns a storage key for a job's input plus a presigned
// PUT URL the caller uploads to out of band.
func (s *S3Store) AllocateUpload(ctx context.Context, jobID, contentType string) (string, string, error) {
	key := fmt.Sprintf("uploads/%s", jobID)
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.uploadTTL))
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	return key, req.URL, nil
}

// Fetch reads the object bytes for a key, mapping a missing object to
// ErrNotFound.
func (s *S3Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}
