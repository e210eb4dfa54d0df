package handler

import (
	"net/http"
	"time"

	"reg-smart-go/internal/service"

	"github.com/gin-gonic/gin"
)

// HealthHandler 负责健康探测与运行指标接口。
type HealthHandler struct {
	kbService      service.KnowledgeBaseService
	sessionService service.SessionService
	startTime      time.Time
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(kbService service.KnowledgeBaseService, sessionService service.SessionService) *HealthHandler {
	return &HealthHandler{
		kbService:      kbService,
		sessionService: sessionService,
		startTime:      time.Now(),
	}
}

// Liveness 是无需认证的存活探测。
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// KnowledgeBaseHealth 返回知识库后端的健康状况。
func (h *HealthHandler) KnowledgeBaseHealth(c *gin.Context) {
	status := h.kbService.Health(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// Stats 返回会话存储指标与服务运行时长。
func (h *HealthHandler) Stats(c *gin.Context) {
	stats := h.sessionService.Stats()
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"active_sessions": stats.ActiveSessions,
			"total_turns":     stats.TotalTurns,
			"uptime_seconds":  int64(time.Since(h.startTime).Seconds()),
		},
	})
}
