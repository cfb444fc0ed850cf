package repository

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// S3Options configures the S3 artifact backend
type S3Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3ArtifactRepository assembles artifacts on local disk and publishes
// them as objects under <prefix>/<fileName>. A single PUT (or multipart
// upload for large files) replaces the object atomically.
type S3ArtifactRepository struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
	scratch  scratchDir
}

// NewS3ArtifactRepository builds an AWS session from opts
func NewS3ArtifactRepository(opts S3Options, tempDir string) (*S3ArtifactRepository, error) {
	cfg := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.ForcePathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	client := s3.New(sess)
	return NewS3ArtifactRepositoryWithClient(client, s3manager.NewUploaderWithClient(client), opts.Bucket, opts.Prefix, tempDir)
}

// NewS3ArtifactRepositoryWithClient wires explicit clients
func NewS3ArtifactRepositoryWithClient(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket, prefix, tempDir string) (*S3ArtifactRepository, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", tempDir, err)
	}
	return &S3ArtifactRepository{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		scratch:  scratchDir{dir: tempDir},
	}, nil
}

var _ repository.ArtifactRepository = (*S3ArtifactRepository)(nil)

func (s *S3ArtifactRepository) key(fileName string) string {
	if s.prefix == "" {
		return fileName
	}
	return path.Join(s.prefix, fileName)
}

// CreateTemp creates a local scratch file
func (s *S3ArtifactRepository) CreateTemp(ctx context.Context) (repository.TempArtifact, error) {
	return s.scratch.create()
}

// Publish uploads the scratch file and deletes it
func (s *S3ArtifactRepository) Publish(ctx context.Context, fileName string, temp repository.TempArtifact) error {
	defer temp.Discard()

	if err := temp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}

	f, err := os.Open(temp.Path())
	if err != nil {
		return fmt.Errorf("open temp artifact: %w", err)
	}
	defer f.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(fileName)),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3: %w", fileName, err)
	}
	return nil
}

// Stat issues a HEAD request for the object
func (s *S3ArtifactRepository) Stat(ctx context.Context, fileName string) (bool, int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fileName)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, aws.Int64Value(out.ContentLength), nil
}

// Recover drops local scratch files
func (s *S3ArtifactRepository) Recover(ctx context.Context) error {
	return s.scratch.clear()
}
