package upstream

import (
	"errors"
	"fmt"
)

// ErrBusiness 上游返回了业务层错误（HTTP 200 但响应体带 error 字段）。
// 这类错误是请求本身的问题，不代表上游故障，不触发重试与熔断。
var ErrBusiness = errors.New("upstream: business error")

// 上游常见业务错误码。
const (
	CodeInvalidAccessKey = 101
	CodeUsageLimit       = 104
	CodeRateLimit        = 211
)

// BusinessError 上游业务层错误。
type BusinessError struct {
	Code    int
	Type    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("upstream: business error %d (%s): %s", e.Code, e.Type, e.Message)
}

// Is 支持 errors.Is(err, ErrBusiness) 判断。
func (e *BusinessError) Is(target error) bool {
	return target == ErrBusiness
}

// StatusError 上游返回了非 200 状态码。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d", e.StatusCode)
}

// IsRateLimited 判断错误是否为上游限流（HTTP 429）。
func IsRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 429
}
