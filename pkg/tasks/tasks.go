// Package tasks 定义了经由 Kafka 传递的任务载荷结构。
package tasks

// DocumentIngestTask 是一次法规文档入库任务：
// 原始文件已写入 MinIO，消费侧负责解析、切分、向量化并写入 Elasticsearch。
type DocumentIngestTask struct {
	FileMD5   string `json:"file_md5"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
	UserID    uint   `json:"user_id"`
}
