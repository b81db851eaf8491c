package util

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type Cache interface {
	Get(key interface{}) interface{}
	Set(key interface{}, value interface{}, timeout int)
}

type cacheEntry struct {
	value    interface{}
	deadline time.Time // zero means no expiry
}

// MemoryCache is a bounded cache safe for use from every worker at once.
// Entries past their deadline are dropped on read.
type MemoryCache struct {
	lru *lru.Cache
}

func NewMemoryCache(size int) *MemoryCache {
	c, err := lru.New(size)
	if err != nil { // only for size <= 0
		c, _ = lru.New(1)
	}
	return &MemoryCache{lru: c}
}

// Set stores value for timeout milliseconds; timeout <= 0 keeps it until
// evicted. A nil value deletes the key.
func (c *MemoryCache) Set(key interface{}, value interface{}, timeout int) {
	if value == nil {
		c.lru.Remove(key)
		return
	}
	e := cacheEntry{value: value}
	if timeout > 0 {
		e.deadline = time.Now().Add(time.Duration(timeout) * time.Millisecond)
	}
	c.lru.Add(key, e)
}

func (c *MemoryCache) Get(key interface{}) interface{} {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil
	}
	e := v.(cacheEntry)
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		c.lru.Remove(key)
		return nil
	}
	return e.value
}

func (c *MemoryCache) Has(key interface{}) bool {
	return c.Get(key) != nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
