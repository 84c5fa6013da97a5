package db

import (
	"github.com/coocood/freecache"
)

// DefaultExpire 默认5分钟过期，单位秒
const DefaultExpire = 300

// MemCache 进程内键值缓存，容量用满后按近似LRU淘汰
type MemCache struct {
	cache *freecache.Cache
	size  int
}

// NewMemCache size 为字节数，freecache 最小 512KB
func NewMemCache(size int) *MemCache {
	return &MemCache{cache: freecache.NewCache(size), size: size}
}

// Set expire 为 -1 时使用默认过期时间，0 表示不过期
func (c *MemCache) Set(key string, value []byte, expire int) {
	if expire == -1 {
		expire = DefaultExpire
	}
	_ = c.cache.Set([]byte(key), value, expire)
}

// Get 不存在或已过期时返回 nil
func (c *MemCache) Get(key string) []byte {
	value, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil
	}
	return value
}

func (c *MemCache) Del(key string) {
	c.cache.Del([]byte(key))
}

func (c *MemCache) Len() int64 {
	return c.cache.EntryCount()
}
