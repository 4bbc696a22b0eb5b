// gateway 是航空数据 API 的保护网关。
//
// 网关在配额受限的上游 API 之前叠加响应缓存、请求合并、
// 月度配额与熔断保护，对内提供 /airports 与 /flights 查询，
// 以及 /health、/usage、/stats 运维端点。
//
// 用法:
//
//	gateway [--config config.yaml]
//
// 上游 API 密钥通过环境变量 AVIATIONSTACK_API_KEY 注入。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/lougail/hello-mira-flight-platform/internal/breaker"
	"github.com/lougail/hello-mira-flight-platform/internal/cache"
	"github.com/lougail/hello-mira-flight-platform/internal/coalesce"
	"github.com/lougail/hello-mira-flight-platform/internal/config"
	"github.com/lougail/hello-mira-flight-platform/internal/gateway"
	"github.com/lougail/hello-mira-flight-platform/internal/lifecycle"
	"github.com/lougail/hello-mira-flight-platform/internal/logging"
	"github.com/lougail/hello-mira-flight-platform/internal/metrics"
	"github.com/lougail/hello-mira-flight-platform/internal/quota"
	"github.com/lougail/hello-mira-flight-platform/internal/server"
	"github.com/lougail/hello-mira-flight-platform/internal/store"
	"github.com/lougail/hello-mira-flight-platform/internal/upstream"
)

// 版本信息（通过 -ldflags 注入）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	cmd := &cli.Command{
		Name:    "gateway",
		Usage:   "航空数据 API 保护网关",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（YAML 或 JSON），缺省使用内置默认值",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	logBuilder := logging.New().
		SetLevelString(cfg.Log.Level).
		SetFormat(cfg.Log.Format).
		SetAddSource(cfg.Log.AddSource)
	if cfg.Log.File != "" {
		logBuilder.SetRotation(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
	}
	logger, logCleanup, err := logBuilder.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logCleanup() }()
	slog.SetDefault(logger)

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	deps, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw, cacheSvc := buildPipeline(cfg, deps, m, logger)

	srvOpts := server.Options{Store: deps.health}
	if cfg.Server.ClientRateLimit.Enabled {
		srvOpts.RateLimitRedis = deps.redis
		srvOpts.RateLimitRPS = cfg.Server.ClientRateLimit.RPS
		srvOpts.RateLimitBurst = cfg.Server.ClientRateLimit.Burst
	}
	httpHandler, err := server.New(gw, logger, srvOpts)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	services := []func(ctx context.Context) error{
		lifecycle.HTTPServer(httpServer, cfg.Server.ShutdownTimeout),
	}
	if path := cmd.String("config"); path != "" {
		watchSvc, err := watchConfig(path, logBuilder.LevelVar(), cacheSvc, logger)
		if err != nil {
			return err
		}
		services = append(services, watchSvc)
	}

	logger.Info("gateway starting",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Backend,
		"upstream", cfg.Upstream.BaseURL,
		"quota_limit", cfg.Quota.MaxCalls,
		"version", Version)

	err = lifecycle.Run(ctx, services...)
	if err != nil && !lifecycle.IsSignal(err) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// loadConfig 加载配置文件，路径为空时使用默认值加环境变量。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if key := os.Getenv(config.EnvAPIKey); key != "" {
			cfg.Upstream.APIKey = key
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// storeDeps 按后端组建的存储依赖。
type storeDeps struct {
	cacheStore   cache.Store
	quotaCounter quota.Counter
	redis        *redis.Client
	health       server.HealthChecker
}

// buildStores 按配置的后端建立存储连接。
func buildStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storeDeps, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreMongo:
		mongoStore, err := store.ConnectMongo(ctx, &cfg.Store.Mongo)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			_ = mongoStore.Close(ctx)
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		db := mongoStore.Database()
		return &storeDeps{
				cacheStore:   cache.NewMongoStore(db.Collection(store.CacheCollection)),
				quotaCounter: quota.NewMongoCounter(db.Collection(store.QuotaCollection), store.QuotaCounterID),
				health:       mongoStore,
			}, func() {
				if err := mongoStore.Close(context.Background()); err != nil {
					logger.Warn("mongo close failed", "error", err)
				}
			}, nil

	case config.StoreRedis:
		client, err := store.ConnectRedis(ctx, &cfg.Store.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return &storeDeps{
				cacheStore:   cache.NewRedisStore(client),
				quotaCounter: quota.NewRedisCounter(client),
				redis:        client,
				health:       redisHealth{client},
			}, func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close failed", "error", err)
				}
			}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory store, quota and cache are not shared across instances")
		return &storeDeps{
			cacheStore:   cache.NewMemoryStore(cfg.Cache.TTL),
			quotaCounter: quota.NewMemoryCounter(),
		}, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// redisHealth 将 Redis ping 适配为健康检查接口。
type redisHealth struct {
	client *redis.Client
}

func (r redisHealth) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// buildPipeline 组装请求处理管线。
func buildPipeline(cfg *config.Config, deps *storeDeps, m *metrics.Metrics, logger *slog.Logger) (*gateway.Service, *cache.Service) {
	cacheSvc := cache.NewService(deps.cacheStore, cfg.Cache.Enabled, cfg.Cache.TTL, logger)
	limiter := quota.NewLimiter(deps.quotaCounter, cfg.Quota.MaxCalls, cfg.Quota.FailOpen, logger)
	limiter.OnUsage(func(used, remaining int) {
		m.QuotaUsage(context.Background(), int64(used), int64(remaining))
	})

	brkCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}
	if !cfg.Breaker.CountBusinessErrors {
		brkCfg.IgnoreFailure = func(err error) bool {
			return errors.Is(err, upstream.ErrBusiness)
		}
	}
	brk := breaker.New(brkCfg, logger, func(state string) {
		m.BreakerState(context.Background(), breakerGauge(state))
	})
	m.BreakerState(context.Background(), metrics.BreakerGaugeClosed)

	client := upstream.NewClient(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		APIKey:           cfg.Upstream.APIKey,
		Timeout:          cfg.Upstream.Timeout,
		MaxAttempts:      cfg.Upstream.MaxAttempts,
		BackoffBase:      cfg.Upstream.BackoffBase,
		RateLimitWaitMax: cfg.Upstream.RateLimitWaitMax,
	}, nil, logger)

	return gateway.New(cacheSvc, brk, coalesce.New(), limiter, client, m, logger), cacheSvc
}

// breakerGauge 将状态名映射为指标值。
func breakerGauge(state string) int64 {
	switch state {
	case breaker.StateOpen:
		return metrics.BreakerGaugeOpen
	case breaker.StateHalfOpen:
		return metrics.BreakerGaugeHalfOpen
	default:
		return metrics.BreakerGaugeClosed
	}
}

// watchConfig 监听配置文件变更，动态调整日志级别与缓存 TTL。
// 其余配置项需要重启生效。
func watchConfig(path string, level *slog.LevelVar, cacheSvc *cache.Service, logger *slog.Logger) (func(ctx context.Context) error, error) {
	watcher, err := config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			return
		}
		if parsed, err := logging.ParseLevel(cfg.Log.Level); err != nil {
			logger.Warn("invalid log level in reloaded config", "level", cfg.Log.Level)
		} else if level.Level() != parsed {
			level.Set(parsed)
			logger.Info("log level updated", "level", cfg.Log.Level)
		}
		if cfg.Cache.TTL > 0 && cfg.Cache.TTL != cacheSvc.TTL() {
			cacheSvc.SetTTL(cfg.Cache.TTL)
			logger.Info("cache ttl updated", "ttl", cfg.Cache.TTL)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	return func(ctx context.Context) error {
		watcher.Start()
		<-ctx.Done()
		return watcher.Stop()
	}, nil
}
