// Package breaker 封装上游调用的熔断保护。
//
// 状态机基于 gobreaker：连续失败达到阈值进入 open，
// 冷却期满进入 half_open 放行有限次试探，试探成功关闭、
// 失败立即回到 open。open 期间的请求直接拒绝，不消耗配额。
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// 状态名，用于 /health 与 /stats 输出。
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrOpen 熔断器处于 open 状态，请求被拒绝。
var ErrOpen = errors.New("breaker: circuit open")

// OpenError 熔断拒绝错误，携带给调用方的重试提示。
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is 支持 errors.Is(err, ErrOpen) 判断。
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config 熔断器配置。
type Config struct {
	// FailureThreshold 连续失败多少次后熔断。
	FailureThreshold uint32

	// RecoveryTimeout open 状态的冷却时间。
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls half_open 状态放行的最大试探数。
	HalfOpenMaxCalls uint32

	// IgnoreFailure 返回 true 的错误不计入失败统计。
	// 用于排除业务层错误（参数非法等），这类错误不代表上游故障。
	IgnoreFailure func(err error) bool
}

// Breaker 上游调用的熔断器。
type Breaker struct {
	cfg    Config
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *slog.Logger

	mu       sync.Mutex
	openedAt time.Time
	now      func() time.Time
}

// New 构造熔断器。onStateChange 可为 nil，用于上报状态指标。
func New(cfg Config, logger *slog.Logger, onStateChange func(state string)) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	settings := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = b.now()
			}
			b.mu.Unlock()
			logger.Warn("circuit breaker state change",
				"from", stateName(from), "to", stateName(to))
			if onStateChange != nil {
				onStateChange(stateName(to))
			}
		},
	}
	if cfg.IgnoreFailure != nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || cfg.IgnoreFailure(err)
		}
	}
	b.cb = gobreaker.NewCircuitBreaker[[]byte](settings)
	return b
}

// Allow 快速检查是否放行。open 状态返回 *OpenError，
// 调用方应在进入合并与配额检查之前调用。
func (b *Breaker) Allow() error {
	if b.cb.State() == gobreaker.StateOpen {
		return &OpenError{RetryAfter: b.retryAfter()}
	}
	return nil
}

// Execute 在熔断保护下执行上游调用。
// half_open 状态的试探名额在此消耗，结果计入状态机统计。
func (b *Breaker) Execute(fn func() ([]byte, error)) ([]byte, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &OpenError{RetryAfter: b.retryAfter()}
	}
	return result, err
}

// State 返回当前状态名。
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// retryAfter 估算 open 状态剩余的冷却时间。
func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()
	if openedAt.IsZero() {
		return b.cfg.RecoveryTimeout
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// Stats 熔断器运行统计，用于 /stats 输出。
type Stats struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalRequests       uint32 `json:"total_requests"`
	TotalFailures       uint32 `json:"total_failures"`
	FailureThreshold    uint32 `json:"failure_threshold"`
	RecoverySeconds     int64  `json:"recovery_timeout_seconds"`
}

// Stats 返回当前统计。
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	return Stats{
		State:               b.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalRequests:       counts.Requests,
		TotalFailures:       counts.TotalFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		RecoverySeconds:     int64(b.cfg.RecoveryTimeout.Seconds()),
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
