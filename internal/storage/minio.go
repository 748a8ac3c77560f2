package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioBackend stores version n of an item at items/<id>/v<n> and keeps
// the latest version number in items/<id>/HEAD. Writers must be serialized
// per item by the caller.
type MinioBackend struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func NewMinioBackend(ctx context.Context, cfg MinioConfig, log *zap.Logger) (*MinioBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	b := &MinioBackend{client: client, bucket: cfg.Bucket, log: log}
	if err := b.makeBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MinioBackend) makeBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return unavailable("bucket exists", err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return unavailable("make bucket", err)
	}
	b.log.Info("created bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *MinioBackend) ReadVersion(ctx context.Context, itemID string, version int64) ([]byte, error) {
	if version < 1 {
		return nil, ErrVersionNotFound
	}
	data, err := b.get(ctx, versionKey(itemID, version))
	if isNoSuchKey(err) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, unavailable("read", err)
	}
	return data, nil
}

func (b *MinioBackend) WriteNewVersion(ctx context.Context, itemID string, content []byte, checksum string) (int64, error) {
	head, err := b.head(ctx, itemID)
	if err != nil {
		return 0, err
	}
	next := head + 1
	_, err = b.client.PutObject(ctx, b.bucket, versionKey(itemID, next), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{"checksum": checksum},
		})
	if err != nil {
		return 0, unavailable("put version", err)
	}
	pointer := []byte(strconv.FormatInt(next, 10))
	if _, err := b.client.PutObject(ctx, b.bucket, headKey(itemID), bytes.NewReader(pointer), int64(len(pointer)),
		minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
		return 0, unavailable("put head", err)
	}
	return next, nil
}

func (b *MinioBackend) head(ctx context.Context, itemID string) (int64, error) {
	data, err := b.get(ctx, headKey(itemID))
	if isNoSuchKey(err) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read head", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt head pointer for %s: %w", itemID, err)
	}
	return n, nil
}

func (b *MinioBackend) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func versionKey(itemID string, version int64) string {
	return fmt.Sprintf("items/%s/v%d", itemID, version)
}

func headKey(itemID string) string {
	return "items/" + itemID + "/HEAD"
}
