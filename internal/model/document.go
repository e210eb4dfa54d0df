package model

import "time"

// 文档处理状态。
const (
	DocStatusProcessing = 0 // 已入库，等待或正在解析索引
	DocStatusIndexed    = 1 // 已完成切分并写入 Elasticsearch
	DocStatusFailed     = 2 // 最近一次处理失败，重试成功后会回到已索引状态
)

// Document 是法规文档登记表，对应 MySQL 的 documents 表。
// 原始文件存放在 MinIO，切分后的文本块存放在 Elasticsearch。
type Document struct {
	ID         uint       `gorm:"primarykey" json:"id"`
	FileMD5    string     `gorm:"column:file_md5;type:varchar(32);uniqueIndex" json:"fileMd5"`
	FileName   string     `gorm:"column:file_name;type:varchar(512)" json:"fileName"`
	ObjectKey  string     `gorm:"column:object_key;type:varchar(768)" json:"-"`
	FileSize   int64      `gorm:"column:file_size" json:"fileSize"`
	Status     int        `gorm:"column:status;default:0" json:"status"`
	ChunkCount int        `gorm:"column:chunk_count;default:0" json:"chunkCount"`
	UserID     uint       `gorm:"column:user_id;index" json:"userId"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	IndexedAt  *time.Time `gorm:"column:indexed_at" json:"indexedAt,omitempty"`
}

// TableName 指定 GORM 使用的表名。
func (Document) TableName() string {
	return "documents"
}
