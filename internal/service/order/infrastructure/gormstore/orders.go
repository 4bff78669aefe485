package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"marketplace/internal/service/order/domain"
)

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Create 同时写入订单行
func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model := FromDomainOrder(order)
	return classify(r.db.WithContext(ctx).Create(model).Error, "create order")
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		return nil, classify(err, "find order")
	}
	return ToDomainOrder(&model), nil
}

// CompareAndTransition 所有前置条件都写在 WHERE 里，影响行数为 0 说明输掉了竞争
func (r *GormOrderRepository) CompareAndTransition(ctx context.Context, t domain.Transition) error {
	db := r.db.WithContext(ctx)
	q := db.Model(&OrderModel{}).
		Where("id = ? AND status = ? AND payment_reference IS NULL", t.OrderID, domain.StatusPending)
	if !t.DueBy.IsZero() {
		q = q.Where("expires_at <= ?", dbTime(t.DueBy))
	}

	updates := map[string]interface{}{
		"status":     t.To,
		"updated_at": dbTime(t.At),
	}
	if t.To == domain.StatusPaid {
		updates["payment_reference"] = t.PaymentReference
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return classify(res.Error, "transition order")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current OrderModel
	err := db.Select("id", "status").Where("id = ?", t.OrderID).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, t.OrderID)
	}
	if err != nil {
		return classify(err, "transition order")
	}
	return fmt.Errorf("%w: order %s is %s, wanted %s", domain.ErrOrderConflict, t.OrderID, current.Status, t.To)
}

func (r *GormOrderRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("status = ? AND payment_reference IS NULL AND expires_at <= ?", domain.StatusPending, dbTime(now)).
		Order("expires_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, classify(err, "find expired orders")
	}
	return ids, nil
}
