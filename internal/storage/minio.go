package storage

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type MinioOptions struct {
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Path         string `mapstructure:"path"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

type MinioStorage struct {
	client *minio.Client
	opts   MinioOptions
	prefix string
}

func NewMinioStorage(opts MinioOptions) (*MinioStorage, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "minio storage: endpoint and bucket are required", "")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to create minio client", "")
	}
	return &MinioStorage{client: client, opts: opts, prefix: strings.Trim(opts.Path, "/")}, nil
}

func (s *MinioStorage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *MinioStorage) ensureBucket(ctx context.Context) error {
	if !s.opts.CreateBucket {
		return nil
	}
	ok, err := s.client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to reach minio", "")
	}
	if ok {
		return nil
	}
	return s.client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{})
}

func (s *MinioStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	key := s.key(name)
	if _, err := s.client.PutObject(ctx, s.opts.Bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return "", err
	}
	return "minio://" + s.opts.Bucket + "/" + key, nil
}

func (s *MinioStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.opts.Bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}

func (s *MinioStorage) Delete(ctx context.Context, name string) error {
	return s.client.RemoveObject(ctx, s.opts.Bucket, s.key(name), minio.RemoveObjectOptions{})
}

func (s *MinioStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.key(dir) + "/"
	var files []string
	for obj := range s.client.ListObjects(ctx, s.opts.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				return nil, nil
			}
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		files = append(files, path.Join(dir, name))
	}
	return files, nil
}

func (s *MinioStorage) Location() string {
	return "minio://" + path.Join(s.opts.Endpoint, s.opts.Bucket, s.prefix)
}

func (s *MinioStorage) Close() error { return nil }
