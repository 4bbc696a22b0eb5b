// Package metrics 定义网关的 OpenTelemetry 指标集。
//
// 指标集与网关的统计面（/stats 端点）互补：端点返回进程内快照，
// 指标通过部署侧配置的 MeterProvider 导出到监控系统。
// 未配置 MeterProvider 时使用 otel 全局默认（no-op），所有记录调用零开销。
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lougail/hello-mira-flight-platform/gateway"

// 熔断器状态的 gauge 取值。
const (
	BreakerGaugeClosed   = 0
	BreakerGaugeHalfOpen = 1
	BreakerGaugeOpen     = 2
)

// Metrics 网关指标集。
//
// 指标命名沿用 gateway_ 前缀，与统计面字段一一对应：
// 缓存命中/未命中、上游调用（按状态）、合并请求数、熔断器状态、配额用量。
type Metrics struct {
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	apiCalls     metric.Int64Counter
	coalesced    metric.Int64Counter
	breakerState metric.Int64Gauge
	quotaUsed    metric.Int64Gauge
	quotaLeft    metric.Int64Gauge
}

// New 创建指标集。
// provider 为 nil 时使用 otel 全局 MeterProvider。
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	m := &Metrics{}
	var err error

	if m.cacheHits, err = meter.Int64Counter("gateway_cache_hits_total",
		metric.WithDescription("Cache hits (served without an upstream call)")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("gateway_cache_misses_total",
		metric.WithDescription("Cache misses (upstream call required)")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.apiCalls, err = meter.Int64Counter("gateway_api_calls_total",
		metric.WithDescription("Upstream API calls by endpoint and status")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.coalesced, err = meter.Int64Counter("gateway_coalesced_requests_total",
		metric.WithDescription("Requests merged with an identical in-flight request")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.breakerState, err = meter.Int64Gauge("gateway_circuit_breaker_state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half_open, 2=open)")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.quotaUsed, err = meter.Int64Gauge("gateway_rate_limit_used",
		metric.WithDescription("Upstream API calls used this month")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if m.quotaLeft, err = meter.Int64Gauge("gateway_rate_limit_remaining",
		metric.WithDescription("Upstream API calls remaining this month")); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return m, nil
}

// CacheHit 记录一次缓存命中。
func (m *Metrics) CacheHit(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// CacheMiss 记录一次缓存未命中。
func (m *Metrics) CacheMiss(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// APICall 记录一次上游调用结果。
// status 取值：success / error / rate_limited。
func (m *Metrics) APICall(ctx context.Context, endpoint, status string) {
	if m == nil {
		return
	}
	m.apiCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	))
}

// Coalesced 记录一次请求合并。
func (m *Metrics) Coalesced(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.coalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// BreakerState 记录熔断器状态。
func (m *Metrics) BreakerState(ctx context.Context, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state)
}

// QuotaUsage 记录配额用量。
func (m *Metrics) QuotaUsage(ctx context.Context, used, remaining int64) {
	if m == nil {
		return
	}
	m.quotaUsed.Record(ctx, used)
	m.quotaLeft.Record(ctx, remaining)
}
