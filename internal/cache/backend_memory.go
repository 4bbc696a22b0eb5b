package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryDefaultSize 进程内缓存的条目上限。
const memoryDefaultSize = 4096

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore 进程内 LRU 缓存后端，仅用于开发与测试。
// 多实例部署下各实例独立，不提供全局一致性。
type MemoryStore struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

// NewMemoryStore 构造进程内缓存后端。ttl 同时作为 LRU 的兜底回收周期。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		lru: expirable.NewLRU[string, memoryEntry](memoryDefaultSize, nil, ttl),
		now: time.Now,
	}
}

// Get 按键读取缓存值，惰性判断过期。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.After(m.now()) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return entry.payload, true, nil
}

// Set 写入缓存值。
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.Add(key, memoryEntry{
		payload:   value,
		expiresAt: m.now().Add(ttl),
	})
	return nil
}
