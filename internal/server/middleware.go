package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sony/sonyflake/v2"

	"github.com/go-chi/chi/v5/middleware"
)

// requestIDHeader 响应中携带请求 ID 的头。
const requestIDHeader = "X-Request-Id"

// requestID 为每个请求生成分布式唯一 ID 并注入响应头与日志。
// 生成器故障时退化为无 ID，不影响请求处理。
func requestID(sf *sonyflake.Sonyflake) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sf != nil {
				if id, err := sf.NextID(); err == nil {
					w.Header().Set(requestIDHeader, strconv.FormatInt(id, 10))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger 按请求输出结构化访问日志。
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", ww.Header().Get(requestIDHeader),
			)
		})
	}
}

// clientRateLimit 按客户端 IP 做每秒限流，计数存放在 Redis 中，
// 多实例部署下共享同一份限流状态。
func clientRateLimit(rdb *redis.Client, rps, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := redis_rate.NewLimiter(rdb)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), "client:"+clientIP(r), redis_rate.Limit{
				Rate:   rps,
				Burst:  burst,
				Period: time.Second,
			})
			if err != nil {
				// 限流后端故障不阻断请求
				logger.WarnContext(r.Context(), "client rate limit check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if res.Allowed == 0 {
				seconds := int64(res.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error:      "too many requests",
					RetryAfter: seconds,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP 提取客户端地址，容忍无端口的 RemoteAddr。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
