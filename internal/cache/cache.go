// Package cache provides size-bounded, expiring key/value caches.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
)

// Defaults for the caches the bot keeps.
const (
	DefaultMessageStoreSize = 1000
	DefaultMessageStoreTTL  = time.Hour
	DefaultRetrySize        = 1000
	DefaultRetryTTL         = 5 * time.Minute
)

// TTLCache is an LRU whose entries also expire after a fixed TTL.
// It is safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	name string
	lru  *expirable.LRU[K, V]
}

// New creates a cache holding at most size entries for ttl each.
// A non-positive size or ttl falls back to the message store defaults.
func New[K comparable, V any](name string, size int, ttl time.Duration) *TTLCache[K, V] {
	if size <= 0 {
		size = DefaultMessageStoreSize
	}
	if ttl <= 0 {
		ttl = DefaultMessageStoreTTL
	}
	c := &TTLCache[K, V]{name: name}
	c.lru = expirable.NewLRU[K, V](size, c.onEvict, ttl)
	return c
}

func (c *TTLCache[K, V]) onEvict(key K, _ V) {
	logger.WithFields(logrus.Fields{
		"cache": c.name,
		"key":   key,
	}).Debug("cache-entry-evicted")
}

// Add stores value under key, reporting whether an older entry was evicted.
func (c *TTLCache[K, V]) Add(key K, value V) bool {
	return c.lru.Add(key, value)
}

// Get returns the value for key and refreshes its recency.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Contains reports whether key is present without touching recency.
func (c *TTLCache[K, V]) Contains(key K) bool {
	return c.lru.Contains(key)
}

// Remove deletes key, reporting whether it was present.
func (c *TTLCache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

func (c *TTLCache[K, V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	c.lru.Purge()
}

// Name identifies the cache in logs.
func (c *TTLCache[K, V]) Name() string {
	return c.name
}
