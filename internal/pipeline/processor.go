// Package pipeline 定义了文档解析入库的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"reg-smart-go/internal/config"
	"reg-smart-go/internal/model"
	"reg-smart-go/internal/repository"
	"reg-smart-go/pkg/embedding"
	"reg-smart-go/pkg/es"
	"reg-smart-go/pkg/log"
	"reg-smart-go/pkg/storage"
	"reg-smart-go/pkg/tasks"
	"reg-smart-go/pkg/tika"
)

// 文本分块参数与向量化批量大小。
const (
	chunkSize      = 1000
	chunkOverlap   = 100
	embedBatchSize = 16
)

// Processor 封装了文档解析入库的所有依赖和逻辑。
type Processor struct {
	tikaClient      *tika.Client
	embeddingClient embedding.Client
	esCfg           config.ElasticsearchConfig
	minioCfg        config.MinIOConfig
	embeddingCfg    config.EmbeddingConfig
	docRepo         repository.DocumentRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	tikaClient *tika.Client,
	embeddingClient embedding.Client,
	esCfg config.ElasticsearchConfig,
	minioCfg config.MinIOConfig,
	embeddingCfg config.EmbeddingConfig,
	docRepo repository.DocumentRepository,
) *Processor {
	return &Processor{
		tikaClient:      tikaClient,
		embeddingClient: embeddingClient,
		esCfg:           esCfg,
		minioCfg:        minioCfg,
		embeddingCfg:    embeddingCfg,
		docRepo:         docRepo,
	}
}

// Process 是文档解析入库的主函数。失败时把登记状态标记为失败再返回错误，
// 让消费端的重试计数生效。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentIngestTask) error {
	if err := p.process(ctx, task); err != nil {
		if updateErr := p.docRepo.UpdateStatus(task.FileMD5, model.DocStatusFailed, 0); updateErr != nil {
			log.Errorf("[Processor] 标记文档处理失败状态时出错, FileMD5: %s, Error: %v", task.FileMD5, updateErr)
		}
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, task tasks.DocumentIngestTask) error {
	log.Infof("[Processor] 开始处理文档, FileMD5: %s, FileName: %s, UserID: %d", task.FileMD5, task.FileName, task.UserID)

	// 1. 从 MinIO 下载原始文件
	log.Infof("[Processor] 步骤1: 从MinIO下载文件, Bucket: %s, Object: %s", p.minioCfg.BucketName, task.ObjectKey)
	object, err := storage.GetObject(ctx, p.minioCfg.BucketName, task.ObjectKey)
	if err != nil {
		log.Errorf("[Processor] 从MinIO下载文件失败, Object: %s, Error: %v", task.ObjectKey, err)
		return fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		log.Errorf("[Processor] 读取MinIO对象流失败, Error: %v", err)
		return fmt.Errorf("读取MinIO对象流失败: %w", err)
	}
	if size == 0 {
		log.Warnf("[Processor] 文件 '%s' 内容为空, 处理中止", task.FileName)
		return errors.New("文件内容为空")
	}
	log.Infof("[Processor] 步骤1: 文件下载成功, 大小: %d字节", size)

	// 2. 使用 Tika 提取文本
	log.Info("[Processor] 步骤2: 使用Tika提取文本内容")
	textContent, err := p.tikaClient.ExtractText(ctx, bytes.NewReader(buf.Bytes()), task.FileName)
	if err != nil {
		log.Errorf("[Processor] 使用Tika提取文本失败, FileName: %s, Error: %v", task.FileName, err)
		return fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if textContent == "" {
		log.Warnf("[Processor] Tika提取的文本内容为空, 处理中止, FileName: %s", task.FileName)
		return errors.New("提取的文本内容为空")
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(textContent))

	// 3. 文本分块
	log.Infof("[Processor] 步骤3: 进行文本分块, chunkSize: %d, chunkOverlap: %d", chunkSize, chunkOverlap)
	chunks := splitText(textContent, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		log.Warnf("[Processor] 未生成任何文本分块, 处理中止, FileName: %s", task.FileName)
		return errors.New("未生成任何文本分块")
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 批量向量化
	log.Info("[Processor] 步骤4: 开始批量向量化分块")
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch, err := p.embeddingClient.CreateEmbeddings(ctx, chunks[start:end])
		if err != nil {
			log.Errorf("[Processor] 分块 %d-%d 向量化失败, Error: %v", start, end-1, err)
			return fmt.Errorf("分块 %d-%d 向量化失败: %w", start, end-1, err)
		}
		vectors = append(vectors, batch...)
	}
	log.Infof("[Processor] 步骤4: 向量化完成, 共 %d 个向量", len(vectors))

	// 5. 先清理该文件既有分块再逐块索引，保证重复处理幂等
	log.Info("[Processor] 步骤5: 开始索引分块到Elasticsearch")
	if err := es.DeleteByFileMD5(ctx, p.esCfg.IndexName, task.FileMD5); err != nil {
		log.Warnf("[Processor] 清理既有索引分块失败 (file_md5=%s): %v", task.FileMD5, err)
	}
	for i, chunk := range chunks {
		esDoc := model.EsDocument{
			VectorID:     fmt.Sprintf("%s_%d", task.FileMD5, i),
			FileMD5:      task.FileMD5,
			ChunkID:      i,
			Source:       task.FileName,
			TextContent:  chunk,
			Vector:       vectors[i],
			ModelVersion: p.embeddingCfg.Model,
			UserID:       task.UserID,
		}
		if err := es.IndexDocument(ctx, p.esCfg.IndexName, esDoc); err != nil {
			log.Errorf("[Processor] 索引分块 %d 到Elasticsearch失败, Error: %v", i, err)
			return fmt.Errorf("索引块 %d 到 Elasticsearch 失败: %w", i, err)
		}
	}
	log.Info("[Processor] 步骤5: 所有分块索引完毕")

	// 6. 更新登记状态
	if err := p.docRepo.UpdateStatus(task.FileMD5, model.DocStatusIndexed, len(chunks)); err != nil {
		log.Errorf("[Processor] 更新文档登记状态失败, FileMD5: %s, Error: %v", task.FileMD5, err)
		return fmt.Errorf("更新文档登记状态失败: %w", err)
	}

	log.Infof("[Processor] 文档处理成功完成, FileMD5: %s, 分块数: %d", task.FileMD5, len(chunks))
	return nil
}

// splitText 将长文本按指定大小和重叠进行切分，按字符计。
func splitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if size <= overlap {
		overlap = 0
	}

	var chunks []string
	step := size - overlap
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
