// Package archive copies processed schedule payloads to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/schedule-ingest/internal/config"
)

// ObjectStore is the subset of the S3 API the archiver needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver stores payloads under <bucket>/versions/<id>.csv.
type Archiver struct {
	store  ObjectStore
	bucket string
	region string
}

// New creates an archiver backed by MinIO or any S3-compatible endpoint.
func New(cfg config.ArchiveConfig) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}

	// Accept both "host:port" and "https://host:port".
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return NewWithStore(minioStore{client}, cfg.Bucket, cfg.Region), nil
}

// NewWithStore creates an archiver over an existing store.
func NewWithStore(store ObjectStore, bucket, region string) *Archiver {
	return &Archiver{store: store, bucket: bucket, region: region}
}

// Bucket returns the target bucket.
func (a *Archiver) Bucket() string { return a.bucket }

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey returns the key of a version's payload.
func ObjectKey(versionID int64) string {
	return "versions/" + strconv.FormatInt(versionID, 10) + ".csv"
}

// Archive stores the payload of a processed version. An existing object is
// overwritten.
func (a *Archiver) Archive(ctx context.Context, versionID int64, payload []byte) error {
	key := ObjectKey(versionID)
	_, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "text/csv",
		UserMetadata: map[string]string{
			"version-id": strconv.FormatInt(versionID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("archive version %d to %s/%s: %w", versionID, a.bucket, key, err)
	}
	return nil
}

// minioStore adapts *minio.Client to ObjectStore.
type minioStore struct {
	client *minio.Client
}

func (s minioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.client.BucketExists(ctx, bucket)
}

func (s minioStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return s.client.MakeBucket(ctx, bucket, opts)
}

func (s minioStore) PutObject(ctx context.Context, bucket, key string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return s.client.PutObject(ctx, bucket, key, r, size, opts)
}
