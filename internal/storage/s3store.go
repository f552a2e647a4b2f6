package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// Default timeouts for S3 operations.
const (
	DefaultMetadataTimeout = 10 * time.Second // list, stat operations
	DefaultDataTimeout     = 60 * time.Second // get, put operations
)

// S3Config holds connection and timeout settings for S3 storage.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`

	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	DataTimeout     time.Duration `yaml:"data_timeout"`
}

// S3Store implements Store using MinIO / S3-compatible storage.
type S3Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewS3Store creates an S3Store connected to the given endpoint, creating
// the bucket if it does not exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &S3Store{
		client:          client,
		bucket:          cfg.Bucket,
		metadataTimeout: metadataTimeout,
		dataTimeout:     dataTimeout,
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *S3Store) PutString(ctx context.Context, path string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	if contentType == "" {
		contentType = ContentType(path)
	}
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

func (s *S3Store) GetString(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("object %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

func (s *S3Store) PutFile(ctx context.Context, path, localPath, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	if contentType == "" {
		contentType = ContentType(path)
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("stat local file %s: %w", localPath, err)
	}
	_, err := s.client.FPutObject(ctx, s.bucket, path, localPath,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put file %s: %w", path, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	result := make([]string, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasSuffix(rel, RunDefFile) {
			continue
		}
		result = append(result, rel)
	}
	return result, nil
}

func (s *S3Store) PutURL(ctx context.Context, path string, expires time.Duration, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	u, err := s.client.PresignedPutObject(ctx, s.bucket, path, expires)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", path, err)
	}
	return u.String(), nil
}

func (s *S3Store) GetURL(ctx context.Context, path string, expires time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	params := url.Values{}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, expires, params)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", path, err)
	}
	return u.String(), nil
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.metadataTimeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", path, err)
	}
	return true, nil
}
