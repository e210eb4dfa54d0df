package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
	"reg-smart-go/internal/repository"
	"reg-smart-go/pkg/es"
	"reg-smart-go/pkg/kafka"
	"reg-smart-go/pkg/log"
	"reg-smart-go/pkg/storage"
	"reg-smart-go/pkg/tasks"
)

// 文档访问相关的哨兵错误，handler 据此映射 404 与 403。
var (
	ErrDocumentNotFound  = errors.New("文件不存在")
	ErrDocumentForbidden = errors.New("没有权限删除此文件")
)

// DownloadInfoDTO 封装了文件下载链接所需的信息。
type DownloadInfoDTO struct {
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
	FileSize    int64  `json:"fileSize"`
}

// DocumentService 接口定义了文档登记与管理相关的业务操作。
type DocumentService interface {
	// Ingest 接收一份文档：计算 MD5、写入对象存储、登记状态并投递
	// 异步解析任务。相同内容重复提交时幂等返回已有登记。
	Ingest(ctx context.Context, fileName string, reader io.Reader, userID uint) (*model.Document, error)
	// List 返回全部登记文档。法规库对所有用户可见，权限只约束删除。
	List() ([]model.Document, error)
	// GenerateDownloadURL 生成文件的临时下载链接，有效期 1 小时。
	GenerateDownloadURL(fileName string) (*DownloadInfoDTO, error)
	// Delete 删除文档：清理索引分块、对象存储与登记记录。
	// 仅文档归属人或管理员可删除。
	Delete(ctx context.Context, fileMD5 string, user *model.User) error
}

type documentService struct {
	docRepo   repository.DocumentRepository
	minioCfg  config.MinIOConfig
	indexName string
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, minioCfg config.MinIOConfig, indexName string) DocumentService {
	return &documentService{
		docRepo:   docRepo,
		minioCfg:  minioCfg,
		indexName: indexName,
	}
}

// Ingest 登记并投递一份文档。
func (s *documentService) Ingest(ctx context.Context, fileName string, reader io.Reader, userID uint) (*model.Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read document payload: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("文件内容为空")
	}

	sum := md5.Sum(data)
	fileMD5 := hex.EncodeToString(sum[:])

	// 1. 相同内容已登记则幂等返回，不重复入库、不重复投递
	if existing, err := s.docRepo.FindByMD5(fileMD5); err == nil {
		log.Infof("[DocumentService] 文档已登记, 幂等返回, fileMD5: %s, fileName: %s", fileMD5, existing.FileName)
		return existing, nil
	}

	// 2. 原始文件写入对象存储
	objectKey := fmt.Sprintf("documents/%s/%s", fileMD5, fileName)
	err = storage.PutObject(ctx, s.minioCfg.BucketName, objectKey, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("failed to store document object: %w", err)
	}

	// 3. 登记为处理中
	doc := &model.Document{
		FileMD5:   fileMD5,
		FileName:  fileName,
		ObjectKey: objectKey,
		FileSize:  int64(len(data)),
		Status:    model.DocStatusProcessing,
		UserID:    userID,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	// 4. 投递异步解析任务
	task := tasks.DocumentIngestTask{
		FileMD5:   fileMD5,
		ObjectKey: objectKey,
		FileName:  fileName,
		UserID:    userID,
	}
	if err := kafka.ProduceIngestTask(task); err != nil {
		log.Errorf("[DocumentService] 投递解析任务失败, fileMD5: %s, err: %v", fileMD5, err)
		if updateErr := s.docRepo.UpdateStatus(fileMD5, model.DocStatusFailed, 0); updateErr != nil {
			log.Errorf("[DocumentService] 更新文档状态失败, fileMD5: %s, err: %v", fileMD5, updateErr)
		}
		return nil, fmt.Errorf("failed to produce ingest task: %w", err)
	}

	log.Infof("[DocumentService] 文档登记成功并已投递解析, fileMD5: %s, fileName: %s, size: %d", fileMD5, fileName, len(data))
	return doc, nil
}

// List 返回全部登记文档。
func (s *documentService) List() ([]model.Document, error) {
	return s.docRepo.FindAll()
}

// GenerateDownloadURL 生成文件的临时下载链接。
func (s *documentService) GenerateDownloadURL(fileName string) (*DownloadInfoDTO, error) {
	doc, err := s.docRepo.FindByFileName(fileName)
	if err != nil {
		return nil, ErrDocumentNotFound
	}

	presignedURL, err := storage.GetPresignedURL(s.minioCfg.BucketName, doc.ObjectKey, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to presign download url: %w", err)
	}

	return &DownloadInfoDTO{
		FileName:    doc.FileName,
		DownloadURL: presignedURL,
		FileSize:    doc.FileSize,
	}, nil
}

// Delete 删除文档及其派生数据。
func (s *documentService) Delete(ctx context.Context, fileMD5 string, user *model.User) error {
	doc, err := s.docRepo.FindByMD5(fileMD5)
	if err != nil {
		return ErrDocumentNotFound
	}
	if doc.UserID != user.ID && !user.IsAdmin() {
		return ErrDocumentForbidden
	}

	// 1. 先清理索引分块，失败则中止，避免残留可检索内容
	if err := es.DeleteByFileMD5(ctx, s.indexName, fileMD5); err != nil {
		return fmt.Errorf("failed to delete index chunks: %w", err)
	}

	// 2. 清理对象存储，失败只记日志，不阻塞登记记录删除
	if err := storage.RemoveObject(ctx, s.minioCfg.BucketName, doc.ObjectKey); err != nil {
		log.Errorf("[DocumentService] 删除对象失败, objectKey: %s, err: %v", doc.ObjectKey, err)
	}

	// 3. 删除登记记录
	if err := s.docRepo.Delete(fileMD5); err != nil {
		return fmt.Errorf("failed to delete document record: %w", err)
	}
	log.Infof("[DocumentService] 文档删除完成, fileMD5: %s, fileName: %s", fileMD5, doc.FileName)
	return nil
}
