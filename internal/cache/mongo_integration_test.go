//go:build integration

package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 运行方式:
//
//	GATEWAY_MONGO_URI=mongodb://localhost:27017 go test -tags integration ./internal/cache/
func setupMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("GATEWAY_MONGO_URI")
	if uri == "" {
		t.Skip("GATEWAY_MONGO_URI not set")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx, nil))

	coll := client.Database("gateway_test").Collection(fmt.Sprintf("cache_%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = coll.Drop(context.Background()) })

	return NewMongoStore(coll)
}

func TestMongoStore_Integration(t *testing.T) {
	ctx := context.Background()

	t.Run("miss on absent key", func(t *testing.T) {
		store := setupMongoStore(t)
		_, ok, err := store.Get(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		store := setupMongoStore(t)
		require.NoError(t, store.Set(ctx, "k", []byte(`{"data":[]}`), time.Minute))

		value, ok, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(`{"data":[]}`), value)
	})

	t.Run("overwrite replaces the entry", func(t *testing.T) {
		store := setupMongoStore(t)
		require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
		require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))

		value, ok, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), value)
	})

	t.Run("expired entry is purged on read", func(t *testing.T) {
		store := setupMongoStore(t)
		require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

		// 冻结时钟越过过期时间
		now := time.Now()
		store.now = func() time.Time { return now.Add(2 * time.Minute) }

		_, ok, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		// 惰性删除后文档不应残留
		store.now = time.Now
		_, ok, err = store.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
