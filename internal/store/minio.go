package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore persists snapshots as objects in an S3-compatible bucket, for
// deployments that prefer blob storage over a relational database. Version
// and author ride as user metadata on the object. Unlike the SQL store there
// is no version guard on writes: the last writer wins.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewObjectStore connects to the endpoint and ensures the bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (o *ObjectStore) Save(ctx context.Context, documentID, content string, version uint64, savedBy string) error {
	data := []byte(content)
	_, err := o.client.PutObject(ctx, o.bucket, objectKey(documentID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
		UserMetadata: map[string]string{
			"Version": strconv.FormatUint(version, 10),
			"Savedby": savedBy,
		},
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	return nil
}

func (o *ObjectStore) Load(ctx context.Context, documentID string) (Snapshot, error) {
	key := objectKey(documentID)

	stat, err := o.client.StatObject(ctx, o.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("stat snapshot %s: %w", documentID, err)
	}

	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", documentID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", documentID, err)
	}

	version, _ := strconv.ParseUint(stat.UserMetadata["Version"], 10, 64)
	return Snapshot{
		DocumentID: documentID,
		Content:    string(data),
		Version:    version,
		SavedBy:    stat.UserMetadata["Savedby"],
		SavedAt:    stat.LastModified,
	}, nil
}

// Ping reports object-store reachability for readiness checks.
func (o *ObjectStore) Ping(ctx context.Context) error {
	if _, err := o.client.BucketExists(ctx, o.bucket); err != nil {
		return fmt.Errorf("ping object store: %w", err)
	}
	return nil
}

// objectKey maps a document id onto a bucket key. Ids are escaped so one
// containing a path separator cannot nest outside the snapshots prefix.
func objectKey(documentID string) string {
	return "snapshots/" + url.PathEscape(documentID)
}
