package middleware

import (
	"fmt"
	"net/http"
	"time"

	"reg-smart-go/internal/config"
	"reg-smart-go/pkg/database"
	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// RateLimiter 按客户端 IP 做固定窗口限流，计数器放在 Redis，
// 窗口为一分钟。Redis 不可用时放行，不让限流拖垮主链路。
func RateLimiter(cfg config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
			c.Next()
			return
		}

		window := time.Now().Unix() / 60
		key := fmt.Sprintf("ratelimit:%s:%d", c.ClientIP(), window)

		ctx := c.Request.Context()
		count, err := database.RDB.Incr(ctx, key).Result()
		if err != nil {
			log.Warnf("[RateLimiter] 限流计数失败, 本次放行: %v", err)
			c.Next()
			return
		}
		if count == 1 {
			// 第一次计数时设置过期，窗口结束后自动清理
			database.RDB.Expire(ctx, key, 2*time.Minute)
		}

		if count > int64(cfg.RequestsPerMinute) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
			return
		}

		c.Next()
	}
}
