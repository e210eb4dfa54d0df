package repository

import (
	"time"

	"gorm.io/gorm"

	"reg-smart-go/internal/model"
)

// DocumentRepository 接口定义了法规文档登记表的持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByMD5(fileMD5 string) (*model.Document, error)
	FindByFileName(fileName string) (*model.Document, error)
	FindAll() ([]model.Document, error)
	// UpdateStatus 更新处理状态与块数，状态为已索引时同时记录索引完成时间。
	UpdateStatus(fileMD5 string, status int, chunkCount int) error
	Delete(fileMD5 string) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 登记一份新文档。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByMD5 根据文件 MD5 查找登记记录。
func (r *documentRepository) FindByMD5(fileMD5 string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("file_md5 = ?", fileMD5).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByFileName 根据文件名查找登记记录。
func (r *documentRepository) FindByFileName(fileName string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("file_name = ?", fileName).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindAll 返回全部登记文档，最近登记的排在前面。
func (r *documentRepository) FindAll() ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Order("created_at desc").Find(&docs).Error
	return docs, err
}

// UpdateStatus 更新指定文档的处理状态与块数。
func (r *documentRepository) UpdateStatus(fileMD5 string, status int, chunkCount int) error {
	updates := map[string]interface{}{
		"status":      status,
		"chunk_count": chunkCount,
	}
	if status == model.DocStatusIndexed {
		now := time.Now()
		updates["indexed_at"] = &now
	}
	return r.db.Model(&model.Document{}).Where("file_md5 = ?", fileMD5).Updates(updates).Error
}

// Delete 删除登记记录。
func (r *documentRepository) Delete(fileMD5 string) error {
	return r.db.Where("file_md5 = ?", fileMD5).Delete(&model.Document{}).Error
}
