package model

// EsDocument 定义了存储在 Elasticsearch 中的法规文本块结构。
// Source 冗余保存原始文档名，使检索结果无需回查 MySQL 即可标注引用来源。
type EsDocument struct {
	VectorID     string    `json:"vector_id"` // 唯一标识：fileMd5_chunkId
	FileMD5      string    `json:"file_md5"`
	ChunkID      int       `json:"chunk_id"`
	Source       string    `json:"source"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	UserID       uint      `json:"user_id"`
}
