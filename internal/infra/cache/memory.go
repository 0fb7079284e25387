package cache

import (
	"context"
	"fmt"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore 是进程内 LRU 缓存；条目同时受容量与各自 TTL 约束。
type MemoryStore struct {
	cache *lru.LRU[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryStore 创建容量为 maxEntries 的缓存，maxTTL 是任何条目的最长存活时间。
func NewMemoryStore(maxEntries int, maxTTL time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		cache: lru.NewLRU[string, memoryEntry](maxEntries, nil, maxTTL),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.cache.Remove(key)
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, entry)
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Remove(key)
	}
	return nil
}

// Keys 使用 path.Match 语义匹配模式。
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	var keys []string
	now := s.now()
	for _, key := range s.cache.Keys() {
		matched, _ := path.Match(pattern, key)
		if !matched {
			continue
		}
		if entry, ok := s.cache.Peek(key); ok && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len 返回当前条目数量（含尚未清理的过期条目）。
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
