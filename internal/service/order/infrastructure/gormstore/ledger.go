package gormstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

// GormLedger 用条件 UPDATE 实现原子扣减，不需要 SELECT ... FOR UPDATE
type GormLedger struct {
	db    *gorm.DB
	clock port.Clock
}

func NewGormLedger(db *gorm.DB, clock port.Clock) *GormLedger {
	return &GormLedger{db: db, clock: clock}
}

func (l *GormLedger) Reserve(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}
	res := l.db.WithContext(ctx).Model(&LedgerEntryModel{}).
		Where("item_id = ? AND available >= ?", itemID, qty).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", qty),
			"updated_at": dbTime(l.clock.Now()),
		})
	if res.Error != nil {
		return classify(res.Error, "ledger reserve")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: item %s", domain.ErrInsufficientStock, itemID)
	}
	return nil
}

func (l *GormLedger) Release(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}
	now := dbTime(l.clock.Now())
	entry := LedgerEntryModel{ItemID: itemID, Available: qty, UpdatedAt: now}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available":  gorm.Expr("available + ?", qty),
			"updated_at": now,
		}),
	}).Create(&entry).Error
	return classify(err, "ledger release")
}

func (l *GormLedger) Available(ctx context.Context, itemID string) (int, error) {
	var entry LedgerEntryModel
	err := l.db.WithContext(ctx).Where("item_id = ?", itemID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err, "ledger available")
	}
	return entry.Available, nil
}

func (l *GormLedger) Seed(ctx context.Context, itemID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: stock level must not be negative", domain.ErrInvalidOrder)
	}
	entry := LedgerEntryModel{ItemID: itemID, Available: qty, UpdatedAt: dbTime(l.clock.Now())}
	// 已有记录时不覆盖，否则重启会抹掉尚未释放的预占
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoNothing: true,
	}).Create(&entry).Error
	return classify(err, "ledger seed")
}
