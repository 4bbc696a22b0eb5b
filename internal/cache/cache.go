// Package cache 提供上游响应的共享缓存。
//
// 缓存是管线的第一道闸门：命中即返回，完全不消耗上游配额。
// 缓存故障绝不阻断请求，Service 对后端错误做降级处理，
// 读错误视为未命中，写错误仅记录日志。
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Store 缓存后端的统一接口。
type Store interface {
	// Get 按键读取缓存值。未命中返回 (nil, false, nil)。
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set 写入缓存值并设置过期时间。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Service 在后端之上叠加开关、降级与命中统计。
// TTL 可在运行中调整（配置热更新）。
type Service struct {
	store   Store
	enabled bool
	ttl     atomic.Int64
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewService 构造缓存服务。enabled 为 false 时所有操作为空操作。
func NewService(store Store, enabled bool, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		enabled: enabled,
		logger:  logger,
	}
	s.ttl.Store(int64(ttl))
	return s
}

// TTL 返回当前的缓存有效期。
func (s *Service) TTL() time.Duration {
	return time.Duration(s.ttl.Load())
}

// SetTTL 调整缓存有效期，仅影响后续写入。
func (s *Service) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl.Store(int64(ttl))
	}
}

// Enabled 返回缓存是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.store != nil
}

// Get 读取缓存。后端错误按未命中处理，不向上传播。
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool) {
	if !s.Enabled() {
		return nil, false
	}
	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "cache get failed, treating as miss",
			"key", key, "error", err)
		s.misses.Add(1)
		return nil, false
	}
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return value, true
}

// Set 写入缓存。后端错误仅记录日志。
func (s *Service) Set(ctx context.Context, key string, value []byte) {
	if !s.Enabled() {
		return
	}
	if err := s.store.Set(ctx, key, value, s.TTL()); err != nil {
		s.logger.WarnContext(ctx, "cache set failed", "key", key, "error", err)
	}
}

// Stats 缓存运行统计，用于 /stats 输出。
type Stats struct {
	Enabled    bool    `json:"enabled"`
	TTLSeconds float64 `json:"ttl_seconds"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Total      int64   `json:"total"`
	HitRate    float64 `json:"hit_rate"`
}

// Stats 返回自启动以来的命中统计。
func (s *Service) Stats() Stats {
	st := Stats{
		Enabled:    s.Enabled(),
		TTLSeconds: s.TTL().Seconds(),
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
	}
	st.Total = st.Hits + st.Misses
	if st.Total > 0 {
		st.HitRate = float64(st.Hits) / float64(st.Total)
	}
	return st
}
