package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCacheMiss 表示 key 不存在或已过期。
var ErrCacheMiss = errors.New("cache: miss")

// Store 是查询缓存的最小契约，所有调用都可能因后端不可用而失败。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// GetJSON 读取并反序列化缓存值；反序列化失败时删除损坏条目并按未命中处理。
func GetJSON(ctx context.Context, store Store, key string, dest interface{}) (bool, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		_ = store.Del(ctx, key)
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// SetJSON 序列化后写入缓存。
func SetJSON(ctx context.Context, store Store, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return store.Set(ctx, key, raw, ttl)
}

// InvalidatePattern 删除匹配 glob 模式的全部 key，返回删除数量。
func InvalidatePattern(ctx context.Context, store Store, pattern string) (int, error) {
	keys, err := store.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := store.Del(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// EscapePattern 转义 glob 元字符，用于把标识符安全地拼进匹配模式。
func EscapePattern(s string) string {
	return globEscaper.Replace(s)
}

// 查询结果标签，交给 Observe 回调。
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Observe 接收一次缓存访问的结果；err 仅在 ResultError 时非空。
type Observe func(key, result string, err error)

// Fetch 实现 cache-aside 读取：命中直接返回；未命中或缓存故障时调用 load 并回填。
// 缓存错误只交给 observe，不影响返回值；store 为 nil 时等同于始终未命中。
func Fetch[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error), observe Observe) (T, error) {
	if observe == nil {
		observe = func(string, string, error) {}
	}

	if store != nil {
		var cached T
		hit, err := GetJSON(ctx, store, key, &cached)
		switch {
		case err != nil:
			observe(key, ResultError, err)
		case hit:
			observe(key, ResultHit, nil)
			return cached, nil
		default:
			observe(key, ResultMiss, nil)
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if store != nil {
		if err := SetJSON(ctx, store, key, value, ttl); err != nil {
			observe(key, ResultError, err)
		}
	}
	return value, nil
}
