//go:build integration

package quota

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 运行方式:
//
//	GATEWAY_MONGO_URI=mongodb://localhost:27017 go test -tags integration ./internal/quota/
func setupMongoCounter(t *testing.T) *MongoCounter {
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

	coll := client.Database("gateway_test").Collection(fmt.Sprintf("quota_%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = coll.Drop(context.Background()) })

	return NewMongoCounter(coll, "test_counter")
}

func TestMongoCounter_Integration(t *testing.T) {
	ctx := context.Background()

	t.Run("increments until limit", func(t *testing.T) {
		c := setupMongoCounter(t)
		for i := 1; i <= 3; i++ {
			used, err := c.Increment(ctx, "2026-08", 3)
			require.NoError(t, err)
			assert.Equal(t, i, used)
		}
		_, err := c.Increment(ctx, "2026-08", 3)
		assert.ErrorIs(t, err, ErrExceeded)

		used, err := c.Current(ctx, "2026-08")
		require.NoError(t, err)
		assert.Equal(t, 3, used)
	})

	t.Run("month rollover resets the counter", func(t *testing.T) {
		c := setupMongoCounter(t)
		_, err := c.Increment(ctx, "2026-08", 1)
		require.NoError(t, err)
		_, err = c.Increment(ctx, "2026-08", 1)
		require.ErrorIs(t, err, ErrExceeded)

		used, err := c.Increment(ctx, "2026-09", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, used)

		old, err := c.Current(ctx, "2026-08")
		require.NoError(t, err)
		assert.Zero(t, old, "stale month reads as zero")
	})

	t.Run("concurrent increments never exceed limit", func(t *testing.T) {
		c := setupMongoCounter(t)
		const limit = 20
		const workers = 50

		var mu sync.Mutex
		granted := 0
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Increment(ctx, "2026-08", limit); err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, granted)
		used, err := c.Current(ctx, "2026-08")
		require.NoError(t, err)
		assert.Equal(t, limit, used)
	})
}
