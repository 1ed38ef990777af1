package cache

import (
	"context"
	"sync"
	"time"

	"github.com/use-agent/prerender/models"
)

const defaultCleanupInterval = 5 * time.Minute

// entry holds a cached result with its creation timestamp.
type entry struct {
	result    *models.RenderResult
	createdAt time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a Memory store holding at most maxEntries results.
// A background goroutine evicts entries older than ttl every 5 minutes.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Memory{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		stop:       make(chan struct{}),
	}

	go c.cleanupLoop(defaultCleanupInterval)
	return c
}

func (c *Memory) Get(_ context.Context, key string, maxAge time.Duration) (*models.RenderResult, bool, error) {
	if maxAge <= 0 {
		return nil, false, nil
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok || time.Since(e.createdAt) > maxAge {
		return nil, false, nil
	}
	return e.result, true, nil
}

// Set stores res. If the store is at capacity, a random entry is evicted to
// make room.
func (c *Memory) Set(_ context.Context, key string, res *models.RenderResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		// Map iteration order is random.
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{result: res, createdAt: time.Now()}
	return nil
}

func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *Memory) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictOlderThan(time.Now().Add(-c.ttl))
		}
	}
}

func (c *Memory) evictOlderThan(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
}
