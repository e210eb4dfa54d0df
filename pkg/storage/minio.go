// Package storage 提供了与对象存储服务（MinIO）交互的功能。
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reg-smart-go/internal/config"
	"reg-smart-go/pkg/log"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保主存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")
	EnsureBucket(context.Background(), cfg.BucketName)
}

// EnsureBucket 检查存储桶是否存在，不存在则创建，失败直接终止进程。
func EnsureBucket(ctx context.Context, bucketName string) {
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// PutObject 上传一个对象。
func PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// GetObject 获取一个对象的读取流，调用方负责关闭。
func GetObject(ctx context.Context, bucketName, objectName string) (*minio.Object, error) {
	return MinioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
}

// RemoveObject 删除一个对象。对象不存在时 MinIO 视为成功。
func RemoveObject(ctx context.Context, bucketName, objectName string) error {
	return MinioClient.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{})
}

// ObjectExists 判断对象是否存在。
func ObjectExists(ctx context.Context, bucketName, objectName string) (bool, error) {
	_, err := MinioClient.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetPresignedURL 为指定对象生成临时下载链接。
func GetPresignedURL(bucketName, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := MinioClient.PresignedGetObject(context.Background(), bucketName, objectName, expiry, nil)
	if err != nil {
		log.Errorf("生成预签名链接失败: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}

// TemplateStore 从 MinIO 读取指令模板对象。
// 模板是启动级依赖：上层在获取失败时应当拒绝启动而不是降级。
type TemplateStore struct {
	bucket string
}

// NewTemplateStore 创建一个指向指定存储桶的模板存取器。
func NewTemplateStore(bucket string) *TemplateStore {
	return &TemplateStore{bucket: bucket}
}

// FetchTemplate 读取模板对象的全文。对象缺失、读取失败或内容为空都视为错误。
func (s *TemplateStore) FetchTemplate(ctx context.Context, objectName string) (string, error) {
	obj, err := MinioClient.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("获取模板对象失败: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("读取模板对象 %s/%s 失败: %w", s.bucket, objectName, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("模板对象 %s/%s 内容为空", s.bucket, objectName)
	}
	return string(data), nil
}
