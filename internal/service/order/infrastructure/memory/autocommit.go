package memory

import (
	"context"
	"time"

	"marketplace/internal/service/order/domain"
)

// autoCommit 在事务外使用仓储时，每个调用单独加锁执行
type autoCommit struct{ store *Store }

func (a *autoCommit) Reserve(ctx context.Context, itemID string, qty int) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Ledger.Reserve(ctx, itemID, qty)
	})
}

func (a *autoCommit) Release(ctx context.Context, itemID string, qty int) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Ledger.Release(ctx, itemID, qty)
	})
}

func (a *autoCommit) Available(ctx context.Context, itemID string) (n int, err error) {
	err = a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		n, err = r.Ledger.Available(ctx, itemID)
		return err
	})
	return n, err
}

func (a *autoCommit) Seed(ctx context.Context, itemID string, qty int) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Ledger.Seed(ctx, itemID, qty)
	})
}

func (a *autoCommit) Create(ctx context.Context, order *domain.Order) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Orders.Create(ctx, order)
	})
}

func (a *autoCommit) FindByID(ctx context.Context, id string) (o *domain.Order, err error) {
	err = a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		o, err = r.Orders.FindByID(ctx, id)
		return err
	})
	return o, err
}

func (a *autoCommit) CompareAndTransition(ctx context.Context, t domain.Transition) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Orders.CompareAndTransition(ctx, t)
	})
}

func (a *autoCommit) FindExpired(ctx context.Context, now time.Time, limit int) (ids []string, err error) {
	err = a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		ids, err = r.Orders.FindExpired(ctx, now, limit)
		return err
	})
	return ids, err
}

func (a *autoCommit) Append(ctx context.Context, event *domain.OrderEvent) error {
	return a.store.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		return r.Outbox.Append(ctx, event)
	})
}
