package gormstore

import (
	"time"

	"marketplace/internal/service/order/domain"
)

// OrderModel 对应 orders 表
type OrderModel struct {
	ID               string           `gorm:"primaryKey;size:36"`
	Number           string           `gorm:"size:32;uniqueIndex"`
	BuyerID          string           `gorm:"size:64;index"`
	Status           domain.Status    `gorm:"size:16;index:idx_orders_sweep,priority:1"`
	PaymentReference *string          `gorm:"size:128"`
	ExpiresAt        time.Time        `gorm:"index:idx_orders_sweep,priority:2"`
	CreatedAt        time.Time        `gorm:"autoCreateTime:false"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime:false"`
	Lines            []OrderLineModel `gorm:"foreignKey:OrderID;references:ID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderLineModel 对应 order_lines 表，Position 保留买家下单时的顺序
type OrderLineModel struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	OrderID  string `gorm:"size:36;index"`
	Position int
	ItemID   string `gorm:"size:64"`
	Quantity int
}

func (OrderLineModel) TableName() string {
	return "order_lines"
}

// LedgerEntryModel 对应 inventory_ledger 表
type LedgerEntryModel struct {
	ItemID    string    `gorm:"primaryKey;size:64"`
	Available int       `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (LedgerEntryModel) TableName() string {
	return "inventory_ledger"
}

// OutboxEventModel 对应 order_outbox 表
type OutboxEventModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	AggregateType string `gorm:"size:32"`
	AggregateID   string `gorm:"size:36;index"`
	EventType     string `gorm:"size:32"`
	Payload       []byte
	Headers       string `gorm:"type:text"`
	Status        string `gorm:"size:16;index:idx_outbox_pending,priority:1"`
	Attempts      int
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false;index:idx_outbox_pending,priority:2"`
	SentAt        *time.Time
}

func (OutboxEventModel) TableName() string {
	return "order_outbox"
}
