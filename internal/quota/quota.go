// Package quota 维护上游 API 的月度调用配额。
//
// 计数器存放在共享存储中，按自然月（UTC）滚动，月初自动清零。
// 判额与计数必须是一次原子操作，并发请求不允许同时通过检查
// 导致超额，各后端分别用存储自身的原子原语实现。
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExceeded 月度配额已用尽。
var ErrExceeded = errors.New("quota: monthly limit exceeded")

// Counter 配额计数后端的统一接口。
type Counter interface {
	// Increment 对指定月份的计数器做原子的判额加一。
	// 计数已达 max 时返回 ErrExceeded，计数器不变。
	// 月份与存量不同时计数器清零后再加一。
	Increment(ctx context.Context, month string, max int) (used int, err error)

	// Current 返回指定月份的当前计数。月份不匹配时为 0。
	Current(ctx context.Context, month string) (int, error)
}

// ExceededError 配额耗尽错误，携带给调用方的重试提示。
type ExceededError struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: monthly limit reached (%d/%d), resets at %s",
		e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Is 支持 errors.Is(err, ErrExceeded) 判断。
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Usage 配额使用情况，用于 /usage 输出。
type Usage struct {
	Month      string  `json:"month"`
	Used       int     `json:"calls_used"`
	Limit      int     `json:"monthly_limit"`
	Remaining  int     `json:"calls_remaining"`
	ResetDate  string  `json:"reset_date"`
	Percentage float64 `json:"percentage_used"`
}

// Limiter 在计数后端之上叠加配额上限与降级策略。
type Limiter struct {
	counter  Counter
	max      int
	failOpen bool
	logger   *slog.Logger
	now      func() time.Time
	onUsage  func(used, remaining int)
}

// NewLimiter 构造配额限制器。
// failOpen 为 true 时存储故障放行请求（可用性优先），
// 为 false 时存储故障拒绝请求（配额保护优先）。
func NewLimiter(counter Counter, max int, failOpen bool, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		counter:  counter,
		max:      max,
		failOpen: failOpen,
		logger:   logger,
		now:      time.Now,
	}
}

// OnUsage 注册配额使用回调，每次成功占额后调用，用于上报指标。
func (l *Limiter) OnUsage(fn func(used, remaining int)) {
	l.onUsage = fn
}

// CheckAndIncrement 原子判额并占用一次调用额度。
// 配额耗尽返回 *ExceededError，存储故障按 failOpen 策略处理。
func (l *Limiter) CheckAndIncrement(ctx context.Context) error {
	now := l.now()
	used, err := l.counter.Increment(ctx, MonthKey(now), l.max)
	if errors.Is(err, ErrExceeded) {
		return &ExceededError{Used: l.max, Limit: l.max, ResetAt: NextReset(now)}
	}
	if err != nil {
		if l.failOpen {
			l.logger.WarnContext(ctx, "quota store unavailable, failing open", "error", err)
			return nil
		}
		return fmt.Errorf("quota: counter unavailable: %w", err)
	}
	if l.onUsage != nil {
		l.onUsage(used, l.max-used)
	}
	if used >= l.max-100 && used%10 == 0 {
		l.logger.WarnContext(ctx, "quota nearly exhausted",
			"used", used, "limit", l.max)
	}
	return nil
}

// Usage 返回当前月份的配额使用情况。
func (l *Limiter) Usage(ctx context.Context) (Usage, error) {
	now := l.now()
	month := MonthKey(now)
	used, err := l.counter.Current(ctx, month)
	if err != nil {
		return Usage{}, fmt.Errorf("quota: read counter: %w", err)
	}
	u := Usage{
		Month:     month,
		Used:      used,
		Limit:     l.max,
		Remaining: l.max - used,
		ResetDate: NextReset(now).Format("2006-01-02"),
	}
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if l.max > 0 {
		u.Percentage = float64(used) / float64(l.max) * 100
	}
	return u, nil
}

// Limit 返回月度上限。
func (l *Limiter) Limit() int {
	return l.max
}

// MonthKey 返回时间所属的月份键，形如 "2026-08"（UTC）。
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextReset 返回下一次配额清零时刻（下月一日零点，UTC）。
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
