package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lougail/hello-mira-flight-platform/internal/breaker"
	"github.com/lougail/hello-mira-flight-platform/internal/cache"
	"github.com/lougail/hello-mira-flight-platform/internal/coalesce"
	"github.com/lougail/hello-mira-flight-platform/internal/gateway"
	"github.com/lougail/hello-mira-flight-platform/internal/quota"
	"github.com/lougail/hello-mira-flight-platform/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubFetcher struct {
	calls      atomic.Int64
	lastParams atomic.Pointer[url.Values]
	payload    []byte
	err        error
}

func (f *stubFetcher) Fetch(_ context.Context, _ string, params url.Values) ([]byte, error) {
	f.calls.Add(1)
	f.lastParams.Store(&params)
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

type testServer struct {
	srv     *Server
	fetcher *stubFetcher
	router  http.Handler
}

func newTestServer(t *testing.T, quotaMax int, brkCfg breaker.Config, opts Options) *testServer {
	t.Helper()
	fetcher := &stubFetcher{payload: []byte(`{"data":[]}`)}
	limiter := quota.NewLimiter(quota.NewMemoryCounter(), quotaMax, true, discardLogger())
	cacheSvc := cache.NewService(cache.NewMemoryStore(time.Minute), true, time.Minute, discardLogger())
	brk := breaker.New(brkCfg, discardLogger(), nil)
	gw := gateway.New(cacheSvc, brk, coalesce.New(), limiter, fetcher, nil, discardLogger())

	srv, err := New(gw, discardLogger(), opts)
	require.NoError(t, err)
	return &testServer{srv: srv, fetcher: fetcher, router: srv.Router()}
}

func defaultBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Root(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})
	rec := ts.get(t, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, ServiceName, body["service"])
	assert.Contains(t, body["endpoints"], "/flights")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServer_FlightsParamNormalization(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})

	rec := ts.get(t, "/flights?airline_iata=af&flight_status=ACTIVE&limit=500&dep_iata=%20cdg%20&flight_date=2026-08-30")
	require.Equal(t, http.StatusOK, rec.Code)

	params := *ts.fetcher.lastParams.Load()
	assert.Equal(t, "AF", params.Get("airline_iata"))
	assert.Equal(t, "active", params.Get("flight_status"))
	assert.Equal(t, "100", params.Get("limit"), "limit is clamped")
	assert.Equal(t, "CDG", params.Get("dep_iata"))
	assert.Equal(t, "2026-08-30", params.Get("flight_date"), "date passes through untouched")
	assert.Empty(t, params.Get("arr_iata"))
}

func TestServer_AirportsParams(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})

	rec := ts.get(t, "/airports?search=paris&limit=abc&iata_code=cdg&country_iso2=fr")
	require.Equal(t, http.StatusOK, rec.Code)

	params := *ts.fetcher.lastParams.Load()
	assert.Equal(t, "paris", params.Get("search"))
	assert.Equal(t, "CDG", params.Get("iata_code"))
	assert.Equal(t, "FR", params.Get("country_iso2"))
	assert.Equal(t, "100", params.Get("limit"), "invalid limit falls back to default")
}

func TestServer_CacheHeader(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})

	first := ts.get(t, "/airports?search=lyon")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := ts.get(t, "/airports?search=lyon")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, int64(1), ts.fetcher.calls.Load())
}

func TestServer_QuotaExceeded(t *testing.T) {
	ts := newTestServer(t, 1, defaultBreaker(), Options{})

	require.Equal(t, http.StatusOK, ts.get(t, "/flights?flight_iata=AF1").Code)

	rec := ts.get(t, "/flights?flight_iata=BA2")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, "monthly quota exceeded", body["error"])
	assert.NotEmpty(t, body["reset_date"])
}

func TestServer_BreakerOpen(t *testing.T) {
	ts := newTestServer(t, 100, breaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	}, Options{})

	ts.fetcher.err = errors.New("upstream down")
	require.Equal(t, http.StatusBadGateway, ts.get(t, "/flights?flight_iata=AF1").Code)

	rec := ts.get(t, "/flights?flight_iata=BA2")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, "upstream temporarily unavailable", body["error"])
}

func TestServer_BusinessErrorMapsTo400(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})
	ts.fetcher.err = &upstream.BusinessError{
		Code:    upstream.CodeInvalidAccessKey,
		Type:    "invalid_access_key",
		Message: "Invalid API key",
	}

	rec := ts.get(t, "/flights")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_access_key", body["error"])
}

func TestServer_UpstreamFailureMapsTo502(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})
	ts.fetcher.err = &upstream.StatusError{StatusCode: http.StatusInternalServerError}

	rec := ts.get(t, "/airports")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Usage(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})
	require.Equal(t, http.StatusOK, ts.get(t, "/flights?flight_iata=AF1").Code)

	rec := ts.get(t, "/usage")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["calls_used"])
	assert.EqualValues(t, 100, body["monthly_limit"])
	assert.EqualValues(t, 99, body["calls_remaining"])
}

func TestServer_Stats(t *testing.T) {
	ts := newTestServer(t, 100, defaultBreaker(), Options{})
	require.Equal(t, http.StatusOK, ts.get(t, "/airports").Code)
	require.Equal(t, http.StatusOK, ts.get(t, "/airports").Code)

	rec := ts.get(t, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	cacheStats, ok := body["cache"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, cacheStats["hits"])

	breakerStats, ok := body["circuit_breaker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, breakerStats["state"])
}

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

func TestServer_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t, 100, defaultBreaker(), Options{Store: stubHealth{}})
		rec := ts.get(t, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "ok", body["store"])
		assert.Equal(t, "enabled", body["cache"])

		usage, ok := body["rate_limit"].(map[string]any)
		require.True(t, ok, "health body must carry the quota snapshot")
		assert.EqualValues(t, 100, usage["monthly_limit"])
		assert.EqualValues(t, 0, usage["calls_used"])
	})

	t.Run("degraded when breaker open", func(t *testing.T) {
		ts := newTestServer(t, 100, breaker.Config{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		}, Options{})
		ts.fetcher.err = errors.New("down")
		ts.get(t, "/flights")

		body := decodeBody(t, ts.get(t, "/health"))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, breaker.StateOpen, body["circuit_breaker"])
	})

	t.Run("cache disabled flag", func(t *testing.T) {
		fetcher := &stubFetcher{payload: []byte(`{"data":[]}`)}
		limiter := quota.NewLimiter(quota.NewMemoryCounter(), 100, true, discardLogger())
		cacheSvc := cache.NewService(cache.NewMemoryStore(time.Minute), false, time.Minute, discardLogger())
		gw := gateway.New(cacheSvc, breaker.New(defaultBreaker(), discardLogger(), nil),
			coalesce.New(), limiter, fetcher, nil, discardLogger())
		srv, err := New(gw, discardLogger(), Options{})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, "disabled", decodeBody(t, rec)["cache"])
	})

	t.Run("degraded when store unreachable", func(t *testing.T) {
		ts := newTestServer(t, 100, defaultBreaker(), Options{
			Store: stubHealth{err: errors.New("no reachable servers")},
		})
		body := decodeBody(t, ts.get(t, "/health"))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "unreachable", body["store"])
	})
}

func TestServer_ClientRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ts := newTestServer(t, 1000, defaultBreaker(), Options{
		RateLimitRedis: rdb,
		RateLimitRPS:   2,
		RateLimitBurst: 2,
	})

	var rejected bool
	for range 10 {
		if ts.get(t, "/").Code == http.StatusTooManyRequests {
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "burst exhaustion must yield 429")
}
