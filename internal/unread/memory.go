package unread

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryCounter is the in-process Counter used by tests and by
// single-node runs without Redis. Same semantics as RedisCounter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[uuid.UUID]map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[uuid.UUID]map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, userID, threadID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.counts[userID]
	if !ok {
		m = make(map[string]int64)
		c.counts[userID] = m
	}
	m[threadID.String()]++
	return m[threadID.String()], nil
}

func (c *MemoryCounter) Reset(_ context.Context, userID, threadID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.counts[userID]; ok {
		delete(m, threadID.String())
	}
	return nil
}

func (c *MemoryCounter) Snapshot(_ context.Context, userID uuid.UUID) (map[string]int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	perThread := make(map[string]int64, len(c.counts[userID]))
	var total int64
	for thread, n := range c.counts[userID] {
		perThread[thread] = n
		total += n
	}
	return perThread, total, nil
}
