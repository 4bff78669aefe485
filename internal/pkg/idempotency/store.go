// internal/pkg/idempotency/store.go
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// pendingMarker 表示幂等键已被抢占但订单尚未创建完成
const pendingMarker = "-"

// Store 是基于 Redis SETNX 的幂等存储
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (s *Store) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

// MessageKey 生成消息级别的去重键
func (s *Store) MessageKey(topic, id string) string {
	return fmt.Sprintf("msg:%s:%s", topic, id)
}

// Seen 第一次调用返回 false 并记住该键，之后返回 true
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), "1", s.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "idempotency: setnx %s", key)
	}
	return !ok, nil
}

// Lookup 返回已绑定的订单 ID
func (s *Store) Lookup(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "idempotency: get %s", key)
	}
	if v == pendingMarker {
		return "", nil
	}
	return v, nil
}

func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), pendingMarker, s.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "idempotency: claim %s", key)
	}
	return ok, nil
}

func (s *Store) Complete(ctx context.Context, key, orderID string) error {
	if err := s.rdb.Set(ctx, s.key(key), orderID, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "idempotency: complete %s", key)
	}
	return nil
}

// Forget 删除键，用于失败后的重试或消息处理失败的回滚
func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrapf(err, "idempotency: forget %s", key)
	}
	return nil
}
