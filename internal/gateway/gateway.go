// Package gateway 编排请求处理管线。
//
// 每个上游请求按固定顺序通过各道闸门：
// 缓存命中直接返回；熔断 open 快速拒绝；同键并发请求合并为
// 一次执行；真正的上游调用前原子占用配额，成功后回填缓存。
// 顺序保证缓存命中与熔断拒绝都不消耗配额。
package gateway

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/lougail/hello-mira-flight-platform/internal/breaker"
	"github.com/lougail/hello-mira-flight-platform/internal/cache"
	"github.com/lougail/hello-mira-flight-platform/internal/coalesce"
	"github.com/lougail/hello-mira-flight-platform/internal/metrics"
	"github.com/lougail/hello-mira-flight-platform/internal/quota"
	"github.com/lougail/hello-mira-flight-platform/internal/upstream"
)

// Fetcher 上游数据获取接口，便于测试替换真实客户端。
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// Service 请求处理管线。
type Service struct {
	cache     *cache.Service
	breaker   *breaker.Breaker
	coalescer *coalesce.Group
	quota     *quota.Limiter
	client    Fetcher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New 构造管线服务。metrics 为 nil 时退化为空操作指标集，
// 管线内部不再做逐调用的 nil 判断。
func New(
	cacheSvc *cache.Service,
	brk *breaker.Breaker,
	coalescer *coalesce.Group,
	limiter *quota.Limiter,
	client Fetcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		// noop provider 构建的指标集不会返回错误
		m, _ = metrics.New(noopmetric.NewMeterProvider())
	}
	return &Service{
		cache:     cacheSvc,
		breaker:   brk,
		coalescer: coalescer,
		quota:     limiter,
		client:    client,
		metrics:   m,
		logger:    logger,
	}
}

// Result 管线处理结果。
type Result struct {
	Payload   []byte
	CacheHit  bool
	Coalesced bool
}

// Fetch 按管线顺序处理一次数据请求。
func (s *Service) Fetch(ctx context.Context, endpoint string, params url.Values) (Result, error) {
	key := Key(endpoint, params)
	start := time.Now()

	if payload, ok := s.cache.Get(ctx, key); ok {
		s.metrics.CacheHit(ctx, endpoint)
		s.logger.DebugContext(ctx, "cache hit", "key", key)
		return Result{Payload: payload, CacheHit: true}, nil
	}
	s.metrics.CacheMiss(ctx, endpoint)

	// 熔断预检查先于合并与配额，open 期间不占用任何资源
	if err := s.breaker.Allow(); err != nil {
		s.logger.WarnContext(ctx, "request rejected, circuit open", "key", key)
		return Result{}, err
	}

	payload, shared, err := s.coalescer.Execute(ctx, key, func(opCtx context.Context) ([]byte, error) {
		return s.callUpstream(opCtx, key, endpoint, params)
	})
	if shared {
		s.metrics.Coalesced(ctx, endpoint)
	}
	if err != nil {
		return Result{Coalesced: shared}, err
	}

	s.logger.InfoContext(ctx, "request served from upstream",
		"endpoint", endpoint,
		"key", key,
		"coalesced", shared,
		"duration", time.Since(start))
	return Result{Payload: payload, Coalesced: shared}, nil
}

// callUpstream 执行去重后的真实上游调用。
// 配额在熔断执行之外占用，配额拒绝不计入熔断失败统计。
func (s *Service) callUpstream(ctx context.Context, key, endpoint string, params url.Values) ([]byte, error) {
	if err := s.quota.CheckAndIncrement(ctx); err != nil {
		return nil, err
	}

	payload, err := s.breaker.Execute(func() ([]byte, error) {
		return s.client.Fetch(ctx, endpoint, params)
	})
	s.metrics.APICall(ctx, endpoint, statusLabel(err))
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, key, payload)
	return payload, nil
}

// statusLabel 将调用结果归类为指标标签。
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case upstream.IsRateLimited(err):
		return "rate_limited"
	default:
		return "error"
	}
}

// Stats 各组件的汇总统计，用于 /stats 输出。
type Stats struct {
	Cache     cache.Stats    `json:"cache"`
	Breaker   breaker.Stats  `json:"circuit_breaker"`
	Coalescer coalesce.Stats `json:"request_coalescer"`
	Quota     *quota.Usage   `json:"rate_limit,omitempty"`
}

// Stats 汇总全部组件的运行统计。配额读取失败时省略该段。
func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{
		Cache:     s.cache.Stats(),
		Breaker:   s.breaker.Stats(),
		Coalescer: s.coalescer.Stats(),
	}
	if usage, err := s.quota.Usage(ctx); err == nil {
		st.Quota = &usage
	} else {
		s.logger.WarnContext(ctx, "quota usage unavailable for stats", "error", err)
	}
	return st
}

// Usage 返回配额使用情况。
func (s *Service) Usage(ctx context.Context) (quota.Usage, error) {
	return s.quota.Usage(ctx)
}

// BreakerState 返回熔断器当前状态名。
func (s *Service) BreakerState() string {
	return s.breaker.State()
}

// CacheEnabled 返回缓存是否启用。
func (s *Service) CacheEnabled() bool {
	return s.cache.Enabled()
}
