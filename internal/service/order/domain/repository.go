// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// InventoryLedger 是库存账本，所有修改都通过两个原子原语完成。
type InventoryLedger interface {
	// Reserve 仅当 available >= qty 时扣减，否则返回 ErrInsufficientStock 且无副作用。
	Reserve(ctx context.Context, itemID string, qty int) error
	// Release 无条件归还；是否调用由订单状态流转保证只发生一次。
	Release(ctx context.Context, itemID string, qty int) error
	// Available 只读查询。
	Available(ctx context.Context, itemID string) (int, error)
	// Seed 仅在商品尚无库存记录时写入初始库存，已有记录保持不变（启动时灌数据用，订单路径不会调用）。
	Seed(ctx context.Context, itemID string, qty int) error
}

// Transition 是一次带前置条件的状态变更（compare-and-set）。
type Transition struct {
	OrderID string
	To      Status
	At      time.Time
	// PaymentReference 仅在流转到 PAID 时写入。
	PaymentReference string
	// DueBy 非零时要求 expires_at <= DueBy（清扫器过期路径）。
	DueBy time.Time
}

// OrderRepository 定义了订单聚合的持久化接口。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	// CompareAndTransition 只在 status = PENDING 且 payment_reference 为空时生效，
	// 条件不满足返回 ErrOrderConflict，订单不存在返回 ErrOrderNotFound。
	CompareAndTransition(ctx context.Context, t Transition) error
	// FindExpired 返回已到期、未支付的 PENDING 订单 ID，按截止时间升序。
	FindExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// EventOutbox 在业务事务内追加事件。
type EventOutbox interface {
	Append(ctx context.Context, event *OrderEvent) error
}

// Repositories 是绑定到同一个连接或事务上的一组仓储。
type Repositories struct {
	Ledger InventoryLedger
	Orders OrderRepository
	Outbox EventOutbox
}

// UnitOfWork 提供事务边界。fn 返回错误时整个事务回滚。
type UnitOfWork interface {
	Repositories() Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
