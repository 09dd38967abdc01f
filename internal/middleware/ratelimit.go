package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// UserHeader 网关鉴权后透传的用户 ID
	UserHeader = "X-User-ID"
	userCtxKey = "user_id"
)

// slidingWindow Redis 滑动窗口限流（原子操作）
// KEYS[1]=限流key ARGV[1]=当前毫秒 ARGV[2]=窗口开始毫秒 ARGV[3]=窗口毫秒 ARGV[4]=member ARGV[5]=limit
// 返回当前窗口内的请求数，超限返回 -1
var slidingWindow = rd.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '0', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return count + 1
end
return -1
`)

// RequireUser 从请求头解析当前用户，缺失或非法时返回 401。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := strconv.ParseInt(c.GetHeader(UserHeader), 10, 64)
		if err != nil || uid <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": 401,
				"msg":  "未登录",
			})
			return
		}
		c.Set(userCtxKey, uid)
		c.Next()
	}
}

// UserID 取 RequireUser 写入的用户 ID，没有则为 0。
func UserID(c *gin.Context) int64 {
	return c.GetInt64(userCtxKey)
}

// RedisRateLimit 按用户限流，拿不到用户时按 IP。
func RedisRateLimit(rdb rd.UniversalClient, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if uid := UserID(c); uid > 0 {
			key = fmt.Sprintf("rate_limit:seckill:user:%d", uid)
		} else {
			key = fmt.Sprintf("rate_limit:seckill:ip:%s", c.ClientIP())
		}

		now := time.Now()
		nowMs := now.UnixMilli()
		windowMs := window.Milliseconds()
		member := strconv.FormatInt(now.UnixNano(), 10)

		res, err := slidingWindow.Run(c.Request.Context(), rdb, []string{key},
			nowMs, nowMs-windowMs, windowMs, member, limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			c.Next()
			return
		}
		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
