package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoEntry 缓存文档结构。TTL 索引按 expires_at 回收，
// 读路径仍然显式比较过期时间，不依赖索引的清理时机。
type mongoEntry struct {
	Key       string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	ExpiresAt time.Time `bson:"expires_at"`
	CachedAt  time.Time `bson:"cached_at"`
}

// MongoStore 基于 MongoDB 集合的缓存后端。
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoStore 构造 MongoDB 缓存后端。
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll, now: time.Now}
}

// Get 按键读取缓存文档，惰性判断过期。
func (m *MongoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry mongoEntry
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: mongo find: %w", err)
	}
	if !entry.ExpiresAt.After(m.now()) {
		// 文档已过期但 TTL 索引尚未回收，顺手删除。
		_, _ = m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

// Set 覆盖写入缓存文档。
func (m *MongoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	entry := mongoEntry{
		Key:       key,
		Payload:   value,
		ExpiresAt: now.Add(ttl),
		CachedAt:  now,
	}
	_, err := m.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		entry,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("cache: mongo replace: %w", err)
	}
	return nil
}
