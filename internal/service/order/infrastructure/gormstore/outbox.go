package gormstore

import (
	"context"

	"gorm.io/gorm"

	"marketplace/internal/pkg/outbox"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

// GormOutbox 同时是业务事务内的 domain.EventOutbox 和 relay 使用的 outbox.Store
type GormOutbox struct {
	db    *gorm.DB
	clock port.Clock
}

func NewGormOutbox(db *gorm.DB, clock port.Clock) *GormOutbox {
	return &GormOutbox{db: db, clock: clock}
}

func (o *GormOutbox) Append(ctx context.Context, event *domain.OrderEvent) error {
	rec, err := outbox.NewEvent(ctx, "order", event.OrderID, string(event.Type), event, event.OccurredAt)
	if err != nil {
		return err
	}
	model, err := FromOutboxEvent(rec)
	if err != nil {
		return err
	}
	return classify(o.db.WithContext(ctx).Create(model).Error, "append outbox")
}

func (o *GormOutbox) FetchPending(ctx context.Context, batchSize int) ([]outbox.Event, error) {
	var models []OutboxEventModel
	err := o.db.WithContext(ctx).
		Where("status = ?", string(outbox.StatusPending)).
		Order("id").
		Limit(batchSize).
		Find(&models).Error
	if err != nil {
		return nil, classify(err, "fetch outbox")
	}
	out := make([]outbox.Event, 0, len(models))
	for i := range models {
		out = append(out, ToOutboxEvent(&models[i]))
	}
	return out, nil
}

func (o *GormOutbox) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := dbTime(o.clock.Now())
	err := o.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": string(outbox.StatusSent), "sent_at": now}).Error
	return classify(err, "mark outbox sent")
}

// MarkFailed 分两步更新，MySQL 的 SET 按从左到右的新值求值
func (o *GormOutbox) MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	db := o.db.WithContext(ctx)
	err := db.Model(&OutboxEventModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
		}).Error
	if err != nil {
		return classify(err, "mark outbox failed")
	}
	if maxAttempts <= 0 {
		return nil
	}
	err = db.Model(&OutboxEventModel{}).
		Where("id = ? AND attempts >= ?", id, maxAttempts).
		Update("status", string(outbox.StatusFailed)).Error
	return classify(err, "mark outbox failed")
}
