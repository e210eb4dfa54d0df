// Package service 提供了知识库检索相关的业务逻辑。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"reg-smart-go/internal/model"
	"reg-smart-go/pkg/embedding"
	"reg-smart-go/pkg/es"
	"reg-smart-go/pkg/eurlex"
	"reg-smart-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// retrievalKeywords 是触发知识库检索的关键词。问题包含其中任意一个
// （不区分大小写）即认为需要查询法规原文。
var retrievalKeywords = []string{
	"article", "section", "regulation", "requirement",
	"gdpr", "compliance", "legal", "specific", "exact",
}

// hedgingMarkers 是模型缺乏依据时惯用的托词。流式草稿中出现其中任意一个
// （不区分大小写）即认为回答值得补检重写。
var hedgingMarkers = []string{
	"generally requires",
	"i don't have specific",
	"i do not have specific",
	"i don't have access",
	"cannot cite the exact",
	"may vary depending",
	"consult the official",
	"as of my last update",
	"would need to look up",
}

// KnowledgeBaseService 接口定义了知识库相关操作。
type KnowledgeBaseService interface {
	// Retrieve 对问题执行混合检索，返回最多 maxResults 条相关段落。
	// 检索失败返回错误，调用方按“无上下文”降级处理，不得冒泡给用户。
	Retrieve(ctx context.Context, query string, maxResults int) ([]model.RetrievedPassage, error)
	// Search 是面向搜索接口的检索，内容截断到展示长度。
	Search(ctx context.Context, query string, maxResults int) ([]model.SearchResultDoc, error)
	// NeedsRetrieval 判断问题是否需要查询知识库。纯函数，无任何 I/O。
	NeedsRetrieval(query string) bool
	// NeedsEnhancement 判断流式草稿是否值得补检重写。纯函数，无任何 I/O。
	NeedsEnhancement(query, draft string) bool
	// Health 探测 Elasticsearch 的健康状况。
	Health(ctx context.Context) model.HealthStatus
	// LookupRegulation 按名称或 CELEX 编号查询 EUR-Lex 法规条目。
	LookupRegulation(ctx context.Context, nameOrCelex string) (*eurlex.Regulation, error)
}

type knowledgeBaseService struct {
	embeddingClient embedding.Client
	esClient        *elasticsearch.Client
	eurlexClient    *eurlex.Client
	indexName       string
}

// NewKnowledgeBaseService 创建一个新的 KnowledgeBaseService 实例。
func NewKnowledgeBaseService(embeddingClient embedding.Client, esClient *elasticsearch.Client, eurlexClient *eurlex.Client, indexName string) KnowledgeBaseService {
	return &knowledgeBaseService{
		embeddingClient: embeddingClient,
		esClient:        esClient,
		eurlexClient:    eurlexClient,
		indexName:       indexName,
	}
}

// NeedsRetrieval 判断问题是否需要查询知识库。
func (s *knowledgeBaseService) NeedsRetrieval(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range retrievalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// NeedsEnhancement 判断流式草稿是否值得补检重写。
func (s *knowledgeBaseService) NeedsEnhancement(query, draft string) bool {
	if s.NeedsRetrieval(query) {
		return true
	}
	lower := strings.ToLower(draft)
	for _, m := range hedgingMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Retrieve 执行两阶段混合检索。
func (s *knowledgeBaseService) Retrieve(ctx context.Context, query string, maxResults int) ([]model.RetrievedPassage, error) {
	log.Infof("[KnowledgeBase] 开始执行混合检索, query: '%s', maxResults: %d", query, maxResults)

	// 1. 轻量归一化（去除疑问句式噪声）以获取核心短语
	normalized, phrase := normalizeQuery(query)
	if normalized != query {
		log.Infof("[KnowledgeBase] 规范化查询: '%s' -> '%s'", query, normalized)
	}

	// 2. 向量化查询（用原始问句，保持语义检索能力）
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[KnowledgeBase] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	// 3. 构建两阶段混合查询：kNN 召回 + BM25 过滤，短语 should 兜底，rescore 精排
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              maxResults * 30,
			"num_candidates": maxResults * 30,
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": normalized,
					},
				},
				"should": buildPhraseShould(phrase),
			},
		},
		"rescore": map[string]interface{}{
			"window_size": maxResults * 30,
			"query": map[string]interface{}{
				"rescore_query": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": map[string]interface{}{
							"query":    normalized,
							"operator": "and",
						},
					},
				},
				"query_weight":         0.2,
				"rescore_query_weight": 1.0,
			},
		},
		"size": maxResults,
	}

	hits, err := s.runSearch(ctx, esQuery)
	if err != nil {
		return nil, err
	}

	// 4. 零命中时用核心短语重试一次（更强的关键词信号）
	if len(hits) == 0 && phrase != "" && phrase != query {
		log.Infof("[KnowledgeBase] 零命中, 使用核心短语重试: '%s'", phrase)
		(esQuery["query"].(map[string]interface{}))["bool"].(map[string]interface{})["must"] = map[string]interface{}{
			"match": map[string]interface{}{
				"text_content": phrase,
			},
		}
		(esQuery["rescore"].(map[string]interface{}))["query"].(map[string]interface{})["rescore_query"] = map[string]interface{}{
			"match": map[string]interface{}{
				"text_content": map[string]interface{}{
					"query":    phrase,
					"operator": "and",
				},
			},
		}
		hits, err = s.runSearch(ctx, esQuery)
		if err != nil {
			return nil, err
		}
	}

	passages := make([]model.RetrievedPassage, 0, len(hits))
	for _, hit := range hits {
		source := hit.Source.Source
		if source == "" {
			source = "unknown"
		}
		passages = append(passages, model.RetrievedPassage{
			Content: hit.Source.TextContent,
			Source:  source,
			Score:   hit.Score,
			Metadata: map[string]interface{}{
				"file_md5": hit.Source.FileMD5,
				"chunk_id": hit.Source.ChunkID,
			},
		})
	}
	log.Infof("[KnowledgeBase] 混合检索完成, 返回 %d 条段落", len(passages))
	return passages, nil
}

// Search 面向搜索接口的检索，内容截断到 1000 个字符。
func (s *knowledgeBaseService) Search(ctx context.Context, query string, maxResults int) ([]model.SearchResultDoc, error) {
	passages, err := s.Retrieve(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	docs := make([]model.SearchResultDoc, 0, len(passages))
	for _, p := range passages {
		content := p.Content
		if r := []rune(content); len(r) > searchContentRunes {
			content = string(r[:searchContentRunes]) + "..."
		}
		docs = append(docs, model.SearchResultDoc{
			Content:  content,
			Source:   p.Source,
			Score:    p.Score,
			Metadata: p.Metadata,
		})
	}
	return docs, nil
}

// Health 探测 Elasticsearch 并附带知识库文档数量。
func (s *knowledgeBaseService) Health(ctx context.Context) model.HealthStatus {
	if err := es.CheckHealth(ctx); err != nil {
		return model.HealthStatus{Status: model.HealthUnhealthy, Detail: err.Error()}
	}
	status := model.HealthStatus{Status: model.HealthHealthy}
	if count, err := es.CountDocuments(ctx, s.indexName); err == nil {
		status.Detail = fmt.Sprintf("documents: %d", count)
	}
	return status
}

// LookupRegulation 查询 EUR-Lex 法规条目。
func (s *knowledgeBaseService) LookupRegulation(ctx context.Context, nameOrCelex string) (*eurlex.Regulation, error) {
	return s.eurlexClient.Lookup(ctx, nameOrCelex)
}

type esHit struct {
	Source model.EsDocument `json:"_source"`
	Score  float64          `json:"_score"`
}

// runSearch 执行一次 Elasticsearch 查询并解析命中列表。
func (s *knowledgeBaseService) runSearch(ctx context.Context, esQuery map[string]interface{}) ([]esHit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.indexName),
		s.esClient.Search.WithBody(&buf),
		s.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		log.Errorf("[KnowledgeBase] 向 Elasticsearch 发送检索请求失败: %v", err)
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[KnowledgeBase] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return esResponse.Hits.Hits, nil
}

var (
	reNonWord = regexp.MustCompile(`[^a-z0-9\s]+`)
	reSpace   = regexp.MustCompile(`\s+`)
	// 疑问句式与功能词，对 BM25 只是噪声
	stopWords = map[string]struct{}{
		"what": {}, "which": {}, "when": {}, "where": {}, "who": {}, "how": {},
		"why": {}, "does": {}, "do": {}, "did": {}, "is": {}, "are": {}, "was": {},
		"can": {}, "could": {}, "should": {}, "would": {}, "please": {}, "tell": {},
		"me": {}, "the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "to": {},
		"in": {}, "on": {}, "under": {}, "about": {}, "explain": {},
	}
)

// normalizeQuery 对用户问题做轻量去噪与短语提取。
// 返回值：规范化后的查询（用于 BM25/rescore）与核心短语（用于 match_phrase 兜底）。
func normalizeQuery(q string) (string, string) {
	if q == "" {
		return q, ""
	}
	lower := strings.ToLower(q)
	kept := reNonWord.ReplaceAllString(lower, " ")
	words := strings.Fields(kept)
	core := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := stopWords[w]; ok {
			continue
		}
		core = append(core, w)
	}
	if len(core) == 0 {
		return q, ""
	}
	out := strings.TrimSpace(reSpace.ReplaceAllString(strings.Join(core, " "), " "))
	return out, out
}

// buildPhraseShould 构建 match_phrase should 子句（带 boost），短语为空则返回 nil。
func buildPhraseShould(phrase string) interface{} {
	if phrase == "" {
		return nil
	}
	return []map[string]interface{}{
		{
			"match_phrase": map[string]interface{}{
				"text_content": map[string]interface{}{
					"query": phrase,
					"boost": 3.0,
				},
			},
		},
	}
}
