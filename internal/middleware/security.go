package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 请求体大小上限，覆盖文档上传场景。
const maxRequestBodyBytes = 10 << 20

// SecurityHeaders 设置基础安全响应头，并限制请求体大小。
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("X-XSS-Protection", "1; mode=block")

		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
		}

		c.Next()
	}
}
