package config

import "errors"

// 配置加载与校验错误。
var (
	// ErrEmptyPath 配置路径为空
	ErrEmptyPath = errors.New("config: path cannot be empty")

	// ErrUnsupportedFormat 不支持的配置格式（仅支持 .yaml/.yml/.json）
	ErrUnsupportedFormat = errors.New("config: unsupported format")

	// ErrLoadFailed 配置文件读取失败
	ErrLoadFailed = errors.New("config: load failed")

	// ErrParseFailed 配置内容解析失败
	ErrParseFailed = errors.New("config: parse failed")

	// ErrMissingAddr 未配置监听地址
	ErrMissingAddr = errors.New("config: server.addr is required")

	// ErrMissingBaseURL 未配置上游地址
	ErrMissingBaseURL = errors.New("config: upstream.base_url is required")

	// ErrUnknownBackend 未知存储后端
	ErrUnknownBackend = errors.New("config: store.backend must be mongo, redis or memory")

	// ErrInvalidTTL 缓存启用时 TTL 必须为正
	ErrInvalidTTL = errors.New("config: cache.ttl must be positive when cache is enabled")

	// ErrInvalidQuota 月度配额必须为正
	ErrInvalidQuota = errors.New("config: quota.max_calls must be positive")

	// ErrInvalidBreaker 熔断器参数非法
	ErrInvalidBreaker = errors.New("config: breaker thresholds and recovery timeout must be positive")

	// ErrInvalidAttempts 上游重试次数必须为正
	ErrInvalidAttempts = errors.New("config: upstream.max_attempts must be positive")

	// ErrClientLimitNeedsRedis 每客户端限流依赖 redis 后端
	ErrClientLimitNeedsRedis = errors.New("config: server.client_rate_limit requires store.backend=redis")
)
