// Package config 提供网关配置的加载、校验与热更新。
//
// 配置来源为 YAML 或 JSON 文件（按扩展名识别），上游 API 密钥
// 可通过环境变量 AVIATIONSTACK_API_KEY 覆盖，避免密钥落盘。
package config

import (
	"os"
	"time"
)

// EnvAPIKey 上游 API 密钥的环境变量名。
const EnvAPIKey = "AVIATIONSTACK_API_KEY"

// 存储后端类型。
const (
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config 网关完整配置。
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Store    StoreConfig    `koanf:"store"`
	Cache    CacheConfig    `koanf:"cache"`
	Quota    QuotaConfig    `koanf:"quota"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig HTTP 服务配置。
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// ClientRateLimit 面向内部消费方的每客户端请求限流（网关自保护）。
	// 仅在 store.backend 为 redis 时可用（依赖 redis_rate 的 GCRA 实现）。
	ClientRateLimit ClientRateLimitConfig `koanf:"client_rate_limit"`
}

// ClientRateLimitConfig 每客户端限流配置。
type ClientRateLimitConfig struct {
	Enabled bool `koanf:"enabled"`
	RPS     int  `koanf:"rps"`
	Burst   int  `koanf:"burst"`
}

// UpstreamConfig 上游 Aviationstack 客户端配置。
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`

	// BackoffBase 指数退避基准（1s → 1s/2s/4s）。
	BackoffBase time.Duration `koanf:"backoff_base"`
	// RateLimitWaitMax 上游返回 429 时的最长等待。
	RateLimitWaitMax time.Duration `koanf:"rate_limit_wait_max"`
}

// StoreConfig 共享持久存储配置。
// 配额计数器与缓存共用同一后端，保证多实例部署下全局一致。
type StoreConfig struct {
	Backend string      `koanf:"backend"`
	Mongo   MongoConfig `koanf:"mongo"`
	Redis   RedisConfig `koanf:"redis"`
}

// MongoConfig MongoDB 连接配置。
type MongoConfig struct {
	URI      string        `koanf:"uri"`
	Database string        `koanf:"database"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// CacheConfig 响应缓存配置。
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
}

// QuotaConfig 月度配额限制配置。
type QuotaConfig struct {
	MaxCalls int `koanf:"max_calls"`

	// FailOpen 存储不可用时是否放行（true：可用性优先，可能超额；
	// false：拒绝所有调用，严格控费）。
	FailOpen bool `koanf:"fail_open"`
}

// BreakerConfig 熔断器配置。
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
	HalfOpenMaxCalls uint32        `koanf:"half_open_max_calls"`

	// CountBusinessErrors 上游业务错误（200 响应体内的 error 字段）
	// 是否计入熔断失败。业务错误不是可用性问题，默认不计入。
	CountBusinessErrors bool `koanf:"count_business_errors"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	AddSource bool   `koanf:"add_source"`

	// File 非空时启用文件轮转输出。
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// Default 返回默认配置。
// 默认值与 Aviationstack Basic Plan 及参考部署保持一致。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8004",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			ClientRateLimit: ClientRateLimitConfig{
				Enabled: false,
				RPS:     50,
				Burst:   100,
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:          "http://api.aviationstack.com/v1",
			Timeout:          30 * time.Second,
			MaxAttempts:      3,
			BackoffBase:      time.Second,
			RateLimitWaitMax: 60 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreMongo,
			Mongo: MongoConfig{
				URI:      "mongodb://mongodb:27017",
				Database: "hellomira_db",
				Timeout:  5 * time.Second,
			},
			Redis: RedisConfig{
				Addr: "redis:6379",
			},
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
		},
		Quota: QuotaConfig{
			MaxCalls: 10000,
			FailOpen: true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate 校验配置合法性。
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return ErrMissingAddr
	}
	if c.Upstream.BaseURL == "" {
		return ErrMissingBaseURL
	}
	switch c.Store.Backend {
	case StoreMongo, StoreRedis, StoreMemory:
	default:
		return ErrUnknownBackend
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return ErrInvalidTTL
	}
	if c.Quota.MaxCalls <= 0 {
		return ErrInvalidQuota
	}
	if c.Breaker.FailureThreshold == 0 || c.Breaker.HalfOpenMaxCalls == 0 ||
		c.Breaker.RecoveryTimeout <= 0 {
		return ErrInvalidBreaker
	}
	if c.Upstream.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if c.Server.ClientRateLimit.Enabled && c.Store.Backend != StoreRedis {
		return ErrClientLimitNeedsRedis
	}
	return nil
}

// applyEnv 从环境变量补充密钥类配置。
func (c *Config) applyEnv() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Upstream.APIKey = key
	}
}
