package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lougail/hello-mira-flight-platform/internal/breaker"
	"github.com/lougail/hello-mira-flight-platform/internal/quota"
	"github.com/lougail/hello-mira-flight-platform/internal/upstream"
)

// errorBody 统一的错误响应体。
type errorBody struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
	ResetDate  string `json:"reset_date,omitempty"`
}

// writeJSON 序列化并写出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRaw 原样写出上游响应体。
func writeRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError 将管线错误映射为 HTTP 响应。
//
// 配额耗尽与熔断拒绝都给出 Retry-After 提示；
// 业务层错误归为调用方问题返回 400；其余归为网关上游故障返回 502。
func writeError(w http.ResponseWriter, err error) {
	var quotaErr *quota.ExceededError
	if errors.As(err, &quotaErr) {
		retryAfter := int64(time.Until(quotaErr.ResetAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", quotaErr.ResetAt.UTC().Format(http.TimeFormat))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      "monthly quota exceeded",
			Detail:     err.Error(),
			ResetDate:  quotaErr.ResetAt.UTC().Format("2006-01-02"),
			RetryAfter: retryAfter,
		})
		return
	}

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		seconds := int64(openErr.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:      "upstream temporarily unavailable",
			Detail:     "circuit breaker open",
			RetryAfter: seconds,
		})
		return
	}

	var bizErr *upstream.BusinessError
	if errors.As(err, &bizErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:  bizErr.Type,
			Detail: bizErr.Message,
		})
		return
	}

	writeJSON(w, http.StatusBadGateway, errorBody{
		Error:  "upstream request failed",
		Detail: err.Error(),
	})
}
