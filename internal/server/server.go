// Package server 提供网关的 HTTP 接入层。
//
// 路由、参数规范化、错误映射与访问日志都在这一层完成，
// 管线本身不感知 HTTP。
package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/sonyflake/v2"

	"github.com/lougail/hello-mira-flight-platform/internal/breaker"
	"github.com/lougail/hello-mira-flight-platform/internal/gateway"
)

// ServiceName 对外展示的服务名。
const ServiceName = "hello-mira flight gateway"

// Version 服务版本，构建时可通过 ldflags 覆盖。
var Version = "dev"

// cacheHeader 标记响应是否来自缓存。
const cacheHeader = "X-Cache"

// HealthChecker 共享存储健康检查接口。
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options 接入层配置。
type Options struct {
	// RateLimitRedis 非 nil 时启用按客户端 IP 的限流。
	RateLimitRedis *redis.Client
	RateLimitRPS   int
	RateLimitBurst int

	// Store 共享存储健康检查，可为 nil。
	Store HealthChecker
}

// Server 网关 HTTP 服务。
type Server struct {
	gateway *gateway.Service
	logger  *slog.Logger
	opts    Options
	sf      *sonyflake.Sonyflake
}

// New 构造 HTTP 服务。
func New(gw *gateway.Service, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// 机器 ID 不依赖私有 IP，无私有 IPv4 的主机上也能启动
	sf, err := sonyflake.New(sonyflake.Settings{MachineID: machineID})
	if err != nil {
		return nil, err
	}
	return &Server{
		gateway: gw,
		logger:  logger,
		opts:    opts,
		sf:      sf,
	}, nil
}

// Router 组装路由与中间件。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID(s.sf))
	r.Use(requestLogger(s.logger))
	if s.opts.RateLimitRedis != nil {
		r.Use(clientRateLimit(s.opts.RateLimitRedis, s.opts.RateLimitRPS, s.opts.RateLimitBurst, s.logger))
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/usage", s.handleUsage)
	r.Get("/stats", s.handleStats)
	r.Get("/airports", s.handleAirports)
	r.Get("/flights", s.handleFlights)

	return r
}

// handleRoot 服务信息横幅。
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"status":  "running",
		"version": Version,
		"endpoints": []string{
			"/airports",
			"/flights",
			"/health",
			"/usage",
			"/stats",
		},
	})
}

// handleHealth 健康检查。熔断 open 或存储不可达时降级，
// 但仍返回 200，网关本身还能服务缓存命中的请求。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	cacheState := "disabled"
	if s.gateway.CacheEnabled() {
		cacheState = "enabled"
	}
	body := map[string]any{
		"service":         ServiceName,
		"circuit_breaker": s.gateway.BreakerState(),
		"cache":           cacheState,
	}
	if usage, err := s.gateway.Usage(r.Context()); err == nil {
		body["rate_limit"] = usage
	}
	if s.gateway.BreakerState() == breaker.StateOpen {
		status = "degraded"
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.Health(r.Context()); err != nil {
			status = "degraded"
			body["store"] = "unreachable"
		} else {
			body["store"] = "ok"
		}
	}
	body["status"] = status
	writeJSON(w, http.StatusOK, body)
}

// handleUsage 配额使用情况。
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.gateway.Usage(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:  "quota store unavailable",
			Detail: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleStats 各组件运行统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Stats(r.Context()))
}

// handleAirports 机场查询。
func (s *Server) handleAirports(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "airports", normalizeAirportParams(r.URL.Query()))
}

// handleFlights 航班查询。
func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "flights", normalizeFlightParams(r.URL.Query()))
}

// proxy 调用管线并写出结果。
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, endpoint string, params url.Values) {
	result, err := s.gateway.Fetch(r.Context(), endpoint, params)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.CacheHit {
		w.Header().Set(cacheHeader, "HIT")
	} else {
		w.Header().Set(cacheHeader, "MISS")
	}
	writeRaw(w, result.Payload)
}
