// Package upstream 封装对航空数据 API 的 HTTP 访问。
//
// 客户端负责认证参数注入、瞬时故障重试与业务错误识别。
// 网络错误与 5xx 指数退避重试，429 按上游限流节奏加长等待，
// 业务层错误（200 响应体带 error 字段）立即返回不重试。
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// 默认重试与退避参数。
const (
	defaultTimeout          = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultBackoffBase      = time.Second
	defaultRateLimitWaitMax = 60 * time.Second
)

// Config 上游客户端配置。
type Config struct {
	// BaseURL API 根地址，形如 "http://api.aviationstack.com/v1"。
	BaseURL string

	// APIKey 上游访问密钥，以 access_key 查询参数注入。
	APIKey string

	// Timeout 单次 HTTP 请求超时。
	Timeout time.Duration

	// MaxAttempts 总尝试次数（含首次）。
	MaxAttempts int

	// BackoffBase 指数退避的基础等待时长。
	BackoffBase time.Duration

	// RateLimitWaitMax 上游 429 时的最大等待时长。
	RateLimitWaitMax time.Duration
}

// Client 航空数据 API 客户端。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient 构造上游客户端。httpClient 为 nil 时按配置超时新建。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.RateLimitWaitMax <= 0 {
		cfg.RateLimitWaitMax = defaultRateLimitWaitMax
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Fetch 请求指定端点并返回原始响应体。
// endpoint 形如 "airports"、"flights"，params 不含认证参数。
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	target, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	return retry.NewWithData[[]byte](
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxAttempts)),
		retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
			return c.delayFor(n, err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.WarnContext(ctx, "retrying upstream call",
				"endpoint", endpoint, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	).Do(func() ([]byte, error) {
		return c.doRequest(ctx, endpoint, target)
	})
}

// buildURL 拼接完整请求地址并注入认证参数。
func (c *Client) buildURL(endpoint string, params url.Values) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("upstream: parse base url: %w", err)
	}
	target := base.JoinPath(endpoint)

	query := url.Values{}
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	query.Set("access_key", c.cfg.APIKey)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// doRequest 执行单次 HTTP 请求并分类结果。
// 错误与日志中的请求地址一律先脱敏，access_key 不落日志。
func (c *Client) doRequest(ctx context.Context, endpoint, target string) ([]byte, error) {
	c.logger.DebugContext(ctx, "calling upstream",
		"endpoint", endpoint, "url", RedactKey(target))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("upstream: build request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error 的消息内嵌完整请求地址，重建错误去掉密钥
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("upstream: %s %s: %w", urlErr.Op, RedactKey(urlErr.URL), urlErr.Err)
		}
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WarnContext(ctx, "upstream returned error status",
			"endpoint", endpoint, "status", resp.StatusCode)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	if bizErr := parseBusinessError(body); bizErr != nil {
		c.logger.WarnContext(ctx, "upstream returned business error",
			"endpoint", endpoint, "code", bizErr.Code, "type", bizErr.Type)
		return nil, retry.Unrecoverable(bizErr)
	}
	return body, nil
}

// delayFor 计算第 n 次重试前的等待时长（n 从 1 开始）。
// 普通故障按 base*2^(n-1) 指数退避，429 按上游限流节奏
// 等待 2^(n+1) 秒并封顶。
func (c *Client) delayFor(n uint, err error) time.Duration {
	if IsRateLimited(err) {
		wait := time.Duration(1<<(n+1)) * time.Second
		if wait > c.cfg.RateLimitWaitMax {
			wait = c.cfg.RateLimitWaitMax
		}
		return wait
	}
	return c.cfg.BackoffBase * time.Duration(1<<(n-1))
}

// businessEnvelope 上游业务错误的响应体结构。
type businessEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseBusinessError 识别 200 响应体中的业务错误，无错误返回 nil。
func parseBusinessError(body []byte) *BusinessError {
	var envelope businessEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return &BusinessError{
		Code:    envelope.Error.Code,
		Type:    envelope.Error.Type,
		Message: envelope.Error.Message,
	}
}

// RedactKey 将地址中的 access_key 参数替换为掩码，用于日志输出。
func RedactKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := u.Query()
	if query.Has("access_key") {
		query.Set("access_key", "REDACTED")
		u.RawQuery = query.Encode()
	}
	return u.String()
}
