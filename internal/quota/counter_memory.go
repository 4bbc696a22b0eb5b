package quota

import (
	"context"
	"sync"
)

// MemoryCounter 进程内配额计数器，仅用于开发与测试。
type MemoryCounter struct {
	mu    sync.Mutex
	month string
	count int
}

// NewMemoryCounter 构造进程内配额计数器。
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Increment 原子判额加一。
func (c *MemoryCounter) Increment(_ context.Context, month string, max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.month != month {
		c.month = month
		c.count = 0
	}
	if c.count >= max {
		return 0, ErrExceeded
	}
	c.count++
	return c.count, nil
}

// Current 返回当前月份的计数。
func (c *MemoryCounter) Current(_ context.Context, month string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.month != month {
		return 0, nil
	}
	return c.count, nil
}
