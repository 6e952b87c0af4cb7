package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/xerrors"
)

type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// S3Config holds configuration for the S3 blob store
type S3Config struct {
	Region           string        `mapstructure:"region"`
	Bucket           string        `mapstructure:"bucket"`
	Endpoint         string        `mapstructure:"endpoint"`
	ForcePathStyle   bool          `mapstructure:"force_path_style"`
	UploadPartSize   int64         `mapstructure:"upload_part_size"`
	DownloadPartSize int64         `mapstructure:"download_part_size"`
	Concurrency      int           `mapstructure:"concurrency"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// S3BlobStore stores document bodies as S3 objects keyed by storage key.
type S3BlobStore struct {
	uploader   Uploader
	downloader Downloader
	config     S3Config
}

func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	var options []func(*config.LoadOptions) error
	options = append(options, config.WithRegion(cfg.Region))

	// custom endpoint for LocalStack / MinIO
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, xerrors.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.UploadPartSize > 0 {
			u.PartSize = cfg.UploadPartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if cfg.DownloadPartSize > 0 {
			d.PartSize = cfg.DownloadPartSize
		}
		if cfg.Concurrency > 0 {
			d.Concurrency = cfg.Concurrency
		}
	})

	return NewS3BlobStoreWith(uploader, downloader, cfg), nil
}

// NewS3BlobStoreWith builds a store over existing transfer managers.
func NewS3BlobStoreWith(u Uploader, d Downloader, cfg S3Config) *S3BlobStore {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &S3BlobStore{uploader: u, downloader: d, config: cfg}
}

func (s *S3BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, xerrors.New("key cannot be empty")
	}

	buf := manager.NewWriteAtBuffer([]byte{})
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if _, err := s.downloader.Download(ctx, buf, input); err != nil {
		var nsk *types.NoSuchKey
		if xerrors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("failed to download %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3BlobStore) Write(ctx context.Context, key string, content []byte, mimeType string) error {
	if key == "" {
		return xerrors.New("key cannot be empty")
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(mimeType),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return xerrors.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

var _ BlobStore = (*S3BlobStore)(nil)
