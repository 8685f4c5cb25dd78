package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"hr-search-go/internal/config"
	"hr-search-go/internal/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// CandidateArtifact 批量向量化过程中为每个候选人归档的产物
// 用于事后排查元数据提取和向量化文本的质量问题
type CandidateArtifact struct {
	Identity      types.Identity          `json:"identity"`
	Metadata      types.CandidateMetadata `json:"metadata"`
	EmbeddingText string                  `json:"embedding_text"`
	ModelVersion  string                  `json:"model_version"`
	RunID         string                  `json:"run_id"`
	ArchivedAt    time.Time               `json:"archived_at"`
}

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadObject 上传对象到产物存储桶
	UploadObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)

	// DownloadObject 下载对象
	DownloadObject(ctx context.Context, objectName string) ([]byte, error)

	// PutCandidateArtifact 归档单个候选人的提取产物
	PutCandidateArtifact(ctx context.Context, artifact CandidateArtifact) (string, error)

	// GetCandidateArtifact 读取候选人的提取产物
	GetCandidateArtifact(ctx context.Context, identity types.Identity) (*CandidateArtifact, error)

	// DeleteObject 删除对象
	DeleteObject(ctx context.Context, objectName string) error
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供候选人产物的对象存储
type MinIO struct {
	client          *minio.Client
	cfg             *config.MinIOConfig
	artifactsBucket string
	logger          *log.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Printf("[MinIO] Initialization failed: %v", err)
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	artifactsBucket := cfg.ArtifactsBucket
	if artifactsBucket == "" {
		artifactsBucket = "candidate-artifacts"
	}

	m := &MinIO{
		client:          client,
		cfg:             cfg,
		artifactsBucket: artifactsBucket,
		logger:          logger,
	}

	if err := m.ensureBucketExists(artifactsBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保产物存储桶 %s 存在失败: %w", artifactsBucket, err)
	}

	// 设置生命周期规则
	if cfg.ArtifactExpireDays > 0 {
		if err := m.setupBucketLifecycle(context.Background(), artifactsBucket, "expire-artifacts", cfg.ArtifactExpireDays); err != nil {
			logger.Printf("[MinIO] Warning: failed to set up lifecycle rules: %v", err)
		}
	}

	logger.Printf("[MinIO] Client initialized successfully for endpoint: %s, bucket: %s", cfg.Endpoint, artifactsBucket)
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] Bucket %s created.", bucketName)
	}
	return nil
}

// setupBucketLifecycle 为指定存储桶设置生命周期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}

	if err := m.client.SetBucketLifecycle(ctx, bucketName, config); err != nil {
		return err
	}
	m.logger.Printf("[MinIO] Lifecycle rule %s set for bucket %s (%d days).", ruleID, bucketName, expiryDays)
	return nil
}

// artifactObjectName 候选人产物的对象键
func artifactObjectName(identity types.Identity) string {
	return fmt.Sprintf("artifacts/%s/%s/extraction.json", identity.Name, identity.Phone)
}

// UploadObject 上传对象到产物存储桶
func (m *MinIO) UploadObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.artifactsBucket, objectName, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.artifactsBucket, objectName, err)
	}
	return objectName, nil
}

// DownloadObject 下载对象
func (m *MinIO) DownloadObject(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.artifactsBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.artifactsBucket, objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.artifactsBucket, objectName, err)
	}
	return data, nil
}

// PutCandidateArtifact 归档单个候选人的提取产物
func (m *MinIO) PutCandidateArtifact(ctx context.Context, artifact CandidateArtifact) (string, error) {
	if artifact.ArchivedAt.IsZero() {
		artifact.ArchivedAt = time.Now()
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化候选人产物失败: %w", err)
	}

	objectName := artifactObjectName(artifact.Identity)
	return m.UploadObject(ctx, objectName, bytes.NewReader(data), int64(len(data)), "application/json")
}

// ErrArtifactNotFound 按身份查找提取产物未命中
var ErrArtifactNotFound = errors.New("candidate artifact not found")

// GetCandidateArtifact 读取候选人的提取产物
func (m *MinIO) GetCandidateArtifact(ctx context.Context, identity types.Identity) (*CandidateArtifact, error) {
	data, err := m.DownloadObject(ctx, artifactObjectName(identity))
	if err != nil {
		var errResp minio.ErrorResponse
		if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, identity.String())
		}
		return nil, err
	}

	var artifact CandidateArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("反序列化候选人产物失败: %w", err)
	}
	return &artifact, nil
}

// DeleteObject 删除对象
func (m *MinIO) DeleteObject(ctx context.Context, objectName string) error {
	if err := m.client.RemoveObject(ctx, m.artifactsBucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// StatObject 暴露底层的StatObject方法，用于测试或特定场景
func (m *MinIO) StatObject(ctx context.Context, objectName string) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, m.artifactsBucket, objectName, minio.StatObjectOptions{})
}
