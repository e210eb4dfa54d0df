// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"reg-smart-go/internal/model"
	"reg-smart-go/internal/service"
	"reg-smart-go/pkg/log"
	"reg-smart-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// errStreamStopped 由停止指令触发，用于中止当前流式下发。
var errStreamStopped = errors.New("stream stopped by client")

// ChatHandler 负责处理问答请求，覆盖 HTTP 同步、SSE 流式与 WebSocket 三种形态。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager

	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// Chat 处理问答请求。stream=true 时以 SSE 下发，否则同步返回完整结果。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	// 校验失败返回 400，其余任何失败都不允许以错误状态透出
	if err := service.ValidateQuery(req.Query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 会话归属以登录身份为准，载荷里的 user_id 只作形状兼容
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s_%s", user.Username, uuid.NewString())
	}
	stream, _ := strconv.ParseBool(c.DefaultQuery("stream", "false"))

	if stream {
		h.streamChat(c, req, user.Username, sessionID)
		return
	}

	result, err := h.chatService.Chat(c.Request.Context(), req.Query, user.Username, sessionID, req.Metadata)
	if err != nil {
		if errors.Is(err, service.ErrQueryEmpty) || errors.Is(err, service.ErrQueryTooLong) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Errorf("[ChatHandler] 问答处理意外失败, session: %s, err: %v", sessionID, err)
		c.JSON(http.StatusOK, &model.ChatResult{
			Answer:    service.AnswerInternalFailure,
			Citations: []model.Citation{},
			SessionID: sessionID,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamChat 以 SSE 形式下发流式问答事件，帧格式为 data: <json>\n\n。
func (h *ChatHandler) streamChat(c *gin.Context, req model.ChatRequest, username, sessionID string) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	emit := func(ev model.ChatStreamEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := h.chatService.ChatStream(c.Request.Context(), req.Query, username, sessionID, req.Metadata, emit); err != nil {
		log.Errorf("[ChatHandler] 流式问答处理失败, session: %s, err: %v", sessionID, err)
	}
}

// GetWebsocketStopToken 返回一个可用于停止流式响应的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 单实例部署下用进程内轮换令牌即可，多实例需要挪到 Redis
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// wsChatMessage 是 WebSocket 聊天消息的载荷。
type wsChatMessage struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// wsConn 为 websocket 连接加写锁。停止指令的确认帧与流式事件
// 来自不同 goroutine，gorilla 不允许并发写。
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) WriteJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// HandleWS 处理一个传入的 WebSocket 聊天连接。
// 读循环保持响应停止指令，问答流在独立 goroutine 中下发，
// 同一连接上同时只跑一个流。
func (h *ChatHandler) HandleWS(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil || claims.TokenType == token.TypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，用户: %s", user.Username)

	ws := &wsConn{conn: conn}
	key := connKey(conn)
	var inFlight sync.WaitGroup
	defer inFlight.Wait()
	defer h.stopFlags.Delete(key)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		if h.handleStopCommand(ws, key, message) {
			continue
		}

		// 非 JSON 载荷按纯问题处理
		var msg wsChatMessage
		if len(message) > 0 && message[0] == '{' {
			if err := json.Unmarshal(message, &msg); err != nil {
				msg = wsChatMessage{Query: string(message)}
			}
		} else {
			msg.Query = string(message)
		}
		if msg.SessionID == "" {
			msg.SessionID = fmt.Sprintf("%s_%s", user.Username, uuid.NewString())
		}

		if err := service.ValidateQuery(msg.Query); err != nil {
			_ = ws.WriteJSON(model.ChatStreamEvent{Type: model.StreamEventError, Content: err.Error(), SessionID: msg.SessionID})
			continue
		}

		// 上一轮仍在下发时先等它结束
		inFlight.Wait()
		h.stopFlags.Delete(key)
		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(key)
			return ok && v.(bool)
		}
		emit := func(ev model.ChatStreamEvent) error {
			if shouldStop() {
				return errStreamStopped
			}
			return ws.WriteJSON(ev)
		}

		inFlight.Add(1)
		go func(msg wsChatMessage) {
			defer inFlight.Done()
			if err := h.chatService.ChatStream(c.Request.Context(), msg.Query, user.Username, msg.SessionID, nil, emit); err != nil {
				log.Errorf("[ChatHandler] WebSocket 流式问答失败: %v", err)
				_ = ws.WriteJSON(model.ChatStreamEvent{Type: model.StreamEventError, Content: "AI服务暂时不可用，请稍后重试", SessionID: msg.SessionID})
			}
		}(msg)
	}
}

// handleStopCommand 识别停止指令并置位停止标志，返回该消息是否已被处理。
// 支持 JSON 指令 {"type":"stop","_internal_cmd_token":"..."} 与
// 整条消息等于停止令牌的旧形式。
func (h *ChatHandler) handleStopCommand(ws *wsConn, key string, message []byte) bool {
	matched := false
	if len(message) > 0 && message[0] == '{' {
		var ctrl map[string]interface{}
		if err := json.Unmarshal(message, &ctrl); err == nil {
			if t, ok := ctrl["type"].(string); ok && t == "stop" {
				tok, _ := ctrl["_internal_cmd_token"].(string)
				h.stopTokenLock.Lock()
				matched = tok != "" && tok == h.stopToken
				h.stopTokenLock.Unlock()
				if !matched {
					// 停止指令但令牌无效，直接忽略这条消息
					return true
				}
			}
		}
	}
	if !matched {
		h.stopTokenLock.Lock()
		matched = h.stopToken != "" && string(message) == h.stopToken
		h.stopTokenLock.Unlock()
	}
	if !matched {
		return false
	}

	h.stopFlags.Store(key, true)
	log.Info("收到停止指令，正在中断流式响应...")
	_ = ws.WriteJSON(gin.H{
		"type":      "stop",
		"message":   "响应已停止",
		"timestamp": time.Now().UnixMilli(),
	})
	return true
}

func connKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
