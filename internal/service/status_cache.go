// status_cache.go — LRU-кэш снимков статуса задач с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// statusCacheSize — задач немного, кэшируем все.
const statusCacheSize = 64

// StatusCache — кэш GetStatus по имени задачи.
type StatusCache struct {
	cache *expirable.LRU[string, *JobStatus]
}

// NewStatusCache создаёт кэш. ttl <= 0 — кэш отключён (nil).
func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		return nil
	}
	return &StatusCache{cache: expirable.NewLRU[string, *JobStatus](statusCacheSize, nil, ttl)}
}

// Get возвращает снимок статуса задачи.
func (c *StatusCache) Get(job string) (*JobStatus, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(job)
	if ok {
		statusCacheHitsTotal.Inc()
		return val, true
	}
	statusCacheMissesTotal.Inc()
	return nil, false
}

// Set сохраняет снимок статуса задачи.
func (c *StatusCache) Set(job string, status *JobStatus) {
	if c == nil {
		return
	}
	c.cache.Add(job, status)
}

// Invalidate удаляет снимок после изменения состояния задачи.
func (c *StatusCache) Invalidate(job string) {
	if c == nil {
		return
	}
	c.cache.Remove(job)
}
