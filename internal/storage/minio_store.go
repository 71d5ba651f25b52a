// Package storage は撮影画像と注釈付き画像をオブジェクトストレージに保存する
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"intelliegg/internal/config"
)

const bucketCheckTimeout = 5 * time.Second

// 保存する画像の種類
const (
	KindRaw       = "raw"
	KindAnnotated = "annotated"
)

// ImageStore は画像を保存し、参照用のURLを返す
type ImageStore interface {
	SaveImage(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// MinioStore はMinIO (S3互換) に画像を保存する
type MinioStore struct {
	client *minio.Client
	bucket string
	useSSL bool
	logger *zap.Logger
}

// NewMinioStore はクライアントを作成し、バケットがなければ作成する
func NewMinioStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*MinioStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY / MINIO_SECRET_KEY が設定されていません")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIOクライアントの作成に失敗: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()

	exists, err := cli.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("バケット %s の確認に失敗: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("バケット %s の作成に失敗: %w", cfg.Bucket, err)
		}
		logger.Info("バケットを作成しました", zap.String("bucket", cfg.Bucket))
	}

	logger.Info("MinIOに接続しました",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))

	return &MinioStore{
		client: cli,
		bucket: cfg.Bucket,
		useSSL: cfg.UseSSL,
		logger: logger,
	}, nil
}

// SaveImage はオブジェクトを保存してURLを返す
func (s *MinioStore) SaveImage(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("オブジェクトの保存に失敗: %w", err)
	}

	return objectURL(s.useSSL, s.client.EndpointURL().Host, s.bucket, key), nil
}

// ObjectKey は "日付/ジョブID-種類.jpg" 形式のキーを返す
func ObjectKey(date string, jobID uuid.UUID, kind string) string {
	return path.Join(date, fmt.Sprintf("%s-%s.jpg", jobID, kind))
}

func objectURL(useSSL bool, host, bucket, key string) string {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, bucket, strings.TrimPrefix(key, "/"))
}
