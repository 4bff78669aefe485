package port

import "context"

// IdempotencyStore 是下单幂等键的出站端口。
type IdempotencyStore interface {
	// Lookup 返回幂等键已绑定的订单 ID，未绑定返回空字符串。
	Lookup(ctx context.Context, key string) (string, error)
	// Claim 抢占幂等键，已被占用返回 false。
	Claim(ctx context.Context, key string) (bool, error)
	// Complete 把幂等键绑定到订单。
	Complete(ctx context.Context, key, orderID string) error
	// Forget 下单失败后释放幂等键，允许客户端重试。
	Forget(ctx context.Context, key string) error
}
