package workspace

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultMinIOConfig returns default MinIO configuration
func DefaultMinIOConfig() MinIOConfig {
	return MinIOConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "makex-workspaces",
	}
}

// metaKey is the object user metadata key holding the encoded container metadata
const metaKey = "Makex-Meta"

// MinIOStorage keeps gzipped workspace tarballs of paused sandboxes in MinIO
type MinIOStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new MinIO workspace storage and ensures its bucket exists
func NewMinIOStorage(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStorage, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MinIOStorage{client: client, bucket: config.Bucket, logger: logger}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinIOStorage) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("created bucket", zap.String("bucket", s.bucket))
	}
	return nil
}

// ObjectKey returns the object key for a sandbox workspace
func ObjectKey(sandboxID string) string {
	return fmt.Sprintf("workspaces/%s/workspace.tar.gz", sandboxID)
}

// Save compresses and uploads a workspace tarball with meta attached to the object
func (s *MinIOStorage) Save(ctx context.Context, sandboxID string, tarball io.Reader, meta map[string]string) error {
	compressed, err := Compress(tarball)
	if err != nil {
		return err
	}
	encoded, err := EncodeMeta(meta)
	if err != nil {
		return err
	}

	opts := minio.PutObjectOptions{ContentType: "application/gzip"}
	if encoded != "" {
		opts.UserMetadata = map[string]string{metaKey: encoded}
	}

	size := int64(compressed.Len())
	_, err = s.client.PutObject(ctx, s.bucket, ObjectKey(sandboxID), compressed, size, opts)
	if err != nil {
		return fmt.Errorf("failed to upload workspace: %w", err)
	}

	s.logger.Info("saved workspace", zap.String("sandbox_id", sandboxID), zap.Int64("bytes", size))
	return nil
}

// Load downloads a workspace and returns the decompressed tar stream
func (s *MinIOStorage) Load(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, ObjectKey(sandboxID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace object: %w", err)
	}

	rc, err := Decompress(object)
	if err != nil {
		object.Close()
		return nil, err
	}
	return rc, nil
}

// Delete removes the saved workspace
func (s *MinIOStorage) Delete(ctx context.Context, sandboxID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ObjectKey(sandboxID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	return nil
}

// Stat returns the metadata saved with a workspace and whether one is stored
func (s *MinIOStorage) Stat(ctx context.Context, sandboxID string) (map[string]string, bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, ObjectKey(sandboxID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to check workspace: %w", err)
	}

	meta, err := DecodeMeta(lookupMeta(info.UserMetadata, metaKey))
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// EncodeMeta packs meta into a single header-safe value. Label keys carry dots
// and underscores that S3 header canonicalization would otherwise rewrite.
func EncodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode workspace metadata: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeMeta reverses EncodeMeta; an empty value yields nil
func DecodeMeta(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workspace metadata: %w", err)
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode workspace metadata: %w", err)
	}
	return meta, nil
}

func lookupMeta(userMeta map[string]string, key string) string {
	for k, v := range userMeta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Compress gzips r into memory
func Compress(r io.Reader) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, r); err != nil {
		return nil, fmt.Errorf("failed to compress workspace: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return &buf, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	src io.ReadCloser
}

func (g gzipReadCloser) Close() error {
	gerr := g.Reader.Close()
	if err := g.src.Close(); err != nil {
		return err
	}
	return gerr
}

// Decompress wraps a gzipped stream; closing the result closes src
func Decompress(src io.ReadCloser) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return gzipReadCloser{Reader: gz, src: src}, nil
}
