// Package store 管理网关的共享持久存储连接。
//
// 配额计数器与响应缓存必须跨实例全局一致，
// 因此都放在共享存储中。默认后端为 MongoDB（与参考部署一致），
// 亦支持 Redis；memory 后端仅用于开发与测试。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/lougail/hello-mira-flight-platform/internal/config"
)

// 共享存储中的集合/键名。
const (
	// CacheCollection 响应缓存集合。
	CacheCollection = "gateway_cache"

	// QuotaCollection 配额计数器集合。
	QuotaCollection = "api_rate_limit"

	// QuotaCounterID 全局配额计数器的固定文档 ID。
	QuotaCounterID = "aviationstack_api_calls"
)

// ErrNilConfig 传入的配置为 nil。
var ErrNilConfig = errors.New("store: config cannot be nil")

// Mongo 持有 MongoDB 连接与网关数据库句柄。
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo 建立 MongoDB 连接并确认可达。
func ConnectMongo(ctx context.Context, cfg *config.MongoConfig) (*Mongo, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	return &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

// Database 返回网关数据库句柄。
func (m *Mongo) Database() *mongo.Database {
	return m.db
}

// EnsureIndexes 创建网关所需的索引。
// 缓存集合使用 TTL 索引兜底清理过期文档；读路径仍然按
// expires_at 惰性判断，索引只负责回收存储空间。
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	coll := m.db.Collection(CacheCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("store: create cache ttl index: %w", err)
	}
	return nil
}

// Health 检查 MongoDB 可达性。
func (m *Mongo) Health(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("store: mongo ping: %w", err)
	}
	return nil
}

// Close 断开 MongoDB 连接。
func (m *Mongo) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: mongo disconnect: %w", err)
	}
	return nil
}

// ConnectRedis 建立 Redis 连接并确认可达。
func ConnectRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return client, nil
}
