package handler

import (
	"net/http"

	"reg-smart-go/pkg/guardrail"
	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SafetyHandler 负责安全过滤相关的运维接口。
type SafetyHandler struct {
	filter guardrail.Filter
}

// NewSafetyHandler 创建一个新的 SafetyHandler 实例。
func NewSafetyHandler(filter guardrail.Filter) *SafetyHandler {
	return &SafetyHandler{filter: filter}
}

// Health 返回安全策略后端的健康状况。
func (h *SafetyHandler) Health(c *gin.Context) {
	status := h.filter.Health(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// SafetyTestRequest 定义了过滤验证 API 的请求体结构。
type SafetyTestRequest struct {
	Text string `json:"text" binding:"required"`
}

// Test 对一段文本执行安全过滤并返回前后对照，仅管理员可用。
func (h *SafetyHandler) Test(c *gin.Context) {
	var req SafetyTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载：text 不能为空"})
		return
	}

	filtered := h.filter.Apply(c.Request.Context(), req.Text)
	log.Infof("[SafetyHandler] 过滤验证完成, modified: %t", filtered != req.Text)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"original": req.Text,
			"filtered": filtered,
			"modified": filtered != req.Text,
		},
	})
}
