// https://github.com/kenshinx/godns/blob/89cf763271800261c0ab38983a27c5b34f34f0a5/cache.go

package tester

import (
	"net"
	"sync"
	"time"
)

type KeyNotFound struct {
	host string
}

func (e KeyNotFound) Error() string {
	return e.host + " not found"
}

type KeyExpired struct {
	host string
}

func (e KeyExpired) Error() string {
	return e.host + " expired"
}

type CacheIsFull struct {
}

func (e CacheIsFull) Error() string {
	return "Cache is Full"
}

// memoryCache keeps resolved server addresses.
type memoryCache struct {
	backend  map[string]cacheEntry
	expire   time.Duration
	maxCount int
	mu       sync.RWMutex
}

type cacheEntry struct {
	ip     net.IP
	expire time.Time
}

func newMemoryCache(expire time.Duration, maxCount int) *memoryCache {
	return &memoryCache{
		backend:  make(map[string]cacheEntry),
		expire:   expire,
		maxCount: maxCount,
	}
}

func (c *memoryCache) Get(host string) (net.IP, error) {
	c.mu.RLock()
	e, ok := c.backend[host]
	c.mu.RUnlock()
	if !ok {
		return nil, KeyNotFound{host}
	}

	if e.expire.Before(time.Now()) {
		c.Remove(host)
		return nil, KeyExpired{host}
	}

	return e.ip, nil
}

func (c *memoryCache) Set(host string, ip net.IP) error {
	if c.Full() && !c.Exists(host) {
		return CacheIsFull{}
	}

	c.mu.Lock()
	c.backend[host] = cacheEntry{ip, time.Now().Add(c.expire)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Remove(host string) {
	c.mu.Lock()
	delete(c.backend, host)
	c.mu.Unlock()
}

func (c *memoryCache) Exists(host string) bool {
	c.mu.RLock()
	_, ok := c.backend[host]
	c.mu.RUnlock()
	return ok
}

func (c *memoryCache) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.backend)
}

func (c *memoryCache) Full() bool {
	// if maxCount is zero. the cache will never be full.
	if c.maxCount == 0 {
		return false
	}
	return c.Length() >= c.maxCount
}
