package handler

import (
	"errors"
	"net/http"

	"reg-smart-go/internal/service"
	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SessionHandler 负责处理会话管理相关的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// GetHistory 返回指定会话的全部消息，按时间先后排序。
func (h *SessionHandler) GetHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")
	user, ok := currentUser(c)
	if !ok {
		return
	}

	turns, err := h.sessionService.History(sessionID, user.Username)
	if err != nil {
		h.writeSessionError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"sessionId": sessionID,
			"history":   turns,
		},
	})
}

// DeleteSession 删除指定会话。
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	user, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.sessionService.Delete(sessionID, user.Username); err != nil {
		h.writeSessionError(c, sessionID, err)
		return
	}

	log.Infof("[SessionHandler] 用户 %s 删除会话 %s", user.Username, sessionID)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话已删除",
	})
}

// ListSessions 返回当前用户的会话列表。
func (h *SessionHandler) ListSessions(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	infos := h.sessionService.List(user.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"sessions": infos,
			"total":    len(infos),
		},
	})
}

// writeSessionError 将会话服务的哨兵错误映射为对应的 HTTP 状态码。
func (h *SessionHandler) writeSessionError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
	case errors.Is(err, service.ErrSessionForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "无权访问该会话"})
	default:
		log.Errorf("[SessionHandler] 会话操作失败, session: %s, err: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "会话操作失败"})
	}
}
