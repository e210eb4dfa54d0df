package handler

import (
	"net/http"

	"reg-smart-go/internal/model"
	"reg-smart-go/internal/service"
	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const (
	defaultSearchResults = 10
	maxSearchResults     = 50
)

// max_results 越界时的校验文案，原样透出给客户端。
const msgMaxResultsRange = "max_results must be between 1 and 50"

// SearchHandler 负责处理知识库搜索与法规查询相关的请求。
type SearchHandler struct {
	kbService service.KnowledgeBaseService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(kbService service.KnowledgeBaseService) *SearchHandler {
	return &SearchHandler{kbService: kbService}
}

// SearchRequest 定义了知识库搜索 API 的请求体结构。
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults *int   `json:"max_results"`
}

// Search 处理知识库搜索请求。检索后端故障不向客户端报错，
// 返回空结果集并记录日志。
func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	if err := service.ValidateQuery(req.Query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxResults := defaultSearchResults
	if req.MaxResults != nil {
		if *req.MaxResults < 1 || *req.MaxResults > maxSearchResults {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgMaxResultsRange})
			return
		}
		maxResults = *req.MaxResults
	}

	results, err := h.kbService.Search(c.Request.Context(), req.Query, maxResults)
	if err != nil {
		log.Errorf("[SearchHandler] 检索失败, 返回空结果集, query: '%s', err: %v", req.Query, err)
		results = []model.SearchResultDoc{}
	}

	log.Infof("[SearchHandler] 搜索完成, query: '%s', 返回 %d 条结果", req.Query, len(results))
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// LookupRegulation 按名称或 CELEX 编号查询 EUR-Lex 法规条目。
func (h *SearchHandler) LookupRegulation(c *gin.Context) {
	id := c.Param("id")
	reg, err := h.kbService.LookupRegulation(c.Request.Context(), id)
	if err != nil {
		log.Warnf("[SearchHandler] 法规查询失败, id: %s, err: %v", id, err)
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到对应的法规条目"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    reg,
	})
}
