// Package kv 提供键值存储抽象：设置、快照列表与数据集元数据缓存共用，
// 后端可在内存、Badger、Redis 之间切换。
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound key 不存在
var ErrNotFound = errors.New("kv: key not found")

// Store 最小键值接口。ttl 为 0 表示不过期。
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get 不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete key 不存在时返回 nil
	Delete(ctx context.Context, key string) error
	Close() error
}
