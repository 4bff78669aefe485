// Package redis 创建共享的 go-redis 客户端。
package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient 单地址时是普通客户端，多地址时是集群客户端。创建后立即 PING 确认可用。
func NewClient(ctx context.Context, addrs []string, password string, db int) (goredis.UniversalClient, error) {
	if len(addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        addrs,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis: ping %v", addrs)
	}
	return client, nil
}
