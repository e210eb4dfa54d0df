package middleware

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 日志中响应体的最大记录长度，超出部分截断。
const maxLoggedBody = 2048

// bodyLogWriter 捕获响应体用于日志记录。
// 流式响应（text/event-stream）只透传不缓存，避免把整段流积在内存里。
type bodyLogWriter struct {
	gin.ResponseWriter
	body        *bytes.Buffer
	start       time.Time
	skip        bool
	typeChecked bool
}

func (w *bodyLogWriter) WriteHeader(code int) {
	// 首字节前写入处理耗时，流式响应也能带上该头
	w.Header().Set("X-Process-Time", fmt.Sprintf("%.4f", time.Since(w.start).Seconds()))
	w.ResponseWriter.WriteHeader(code)
}

func (w *bodyLogWriter) Write(b []byte) (int, error) {
	if !w.typeChecked {
		w.typeChecked = true
		if strings.Contains(w.Header().Get("Content-Type"), "text/event-stream") {
			w.skip = true
		}
	}
	if !w.skip {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// RequestLogger 是一个 Gin 中间件，用于记录详细的请求和响应日志。
// 每个请求分配一个 request id，写入响应头并随日志输出。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		// 读取并重新缓存请求体，后续处理函数仍可正常读取
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer, start: startTime}
		c.Writer = blw

		c.Next()

		latency := time.Since(startTime)
		responseBody := blw.body.String()
		if blw.skip {
			responseBody = "<event-stream>"
		}

		log.Infow("HTTP Request Log",
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", truncateForLog(string(requestBody)),
			"responseBody", truncateForLog(responseBody),
		)
	}
}

func truncateForLog(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody] + "...(truncated)"
	}
	return s
}
