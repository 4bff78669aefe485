// internal/service/order/domain/order.go
package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderLine 是订单行值对象，创建后只读
type OrderLine struct {
	ItemID   string
	Quantity int
}

// Order 是订单聚合的根实体
type Order struct {
	ID               string
	Number           string // 仅用于展示
	BuyerID          string
	Lines            []OrderLine
	Status           Status
	PaymentReference string // 空字符串表示尚未支付
	CreatedAt        time.Time
	ExpiresAt        time.Time // 创建时确定，之后不可变
	UpdatedAt        time.Time
}

// NewOrder 工厂函数，校验订单行并计算预占截止时间
func NewOrder(id, number, buyerID string, lines []OrderLine, now time.Time, window time.Duration) (*Order, error) {
	if err := ValidateLines(buyerID, lines); err != nil {
		return nil, err
	}
	if id == "" || number == "" {
		return nil, fmt.Errorf("%w: missing order identity", ErrInvalidOrder)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: reservation window must be positive", ErrInvalidOrder)
	}

	copied := make([]OrderLine, len(lines))
	copy(copied, lines)

	return &Order{
		ID:        id,
		Number:    number,
		BuyerID:   buyerID,
		Lines:     copied,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(window),
		UpdatedAt: now,
	}, nil
}

// ValidateLines 校验买家和订单行，不涉及库存
func ValidateLines(buyerID string, lines []OrderLine) error {
	if strings.TrimSpace(buyerID) == "" {
		return fmt.Errorf("%w: buyer id is required", ErrInvalidOrder)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidOrder)
	}
	for i, l := range lines {
		if strings.TrimSpace(l.ItemID) == "" {
			return fmt.Errorf("%w: line %d has no item id", ErrInvalidOrder, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive, got %d", ErrInvalidOrder, i, l.Quantity)
		}
	}
	return nil
}

// IsPaid 是否已经挂上支付凭证
func (o *Order) IsPaid() bool {
	return o.PaymentReference != ""
}

// IsExpired 截止时间已到且仍可被清扫器释放
func (o *Order) IsExpired(now time.Time) bool {
	return o.Status == StatusPending && !o.IsPaid() && !now.Before(o.ExpiresAt)
}

// CheckTransition 是守卫条件：只有 PENDING 且未支付的订单可以流转。
// EXPIRED 额外要求截止时间已到。
func (o *Order) CheckTransition(to Status, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not a target status", ErrInvalidOrder, to)
	}
	if o.Status != StatusPending || o.IsPaid() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderConflict, o.ID, o.Status)
	}
	if to == StatusExpired && now.Before(o.ExpiresAt) {
		return fmt.Errorf("%w: order %s reservation has not elapsed", ErrOrderConflict, o.ID)
	}
	return nil
}

// MarkPaid 挂上支付凭证并进入 PAID
func (o *Order) MarkPaid(paymentRef string, at time.Time) error {
	if strings.TrimSpace(paymentRef) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrInvalidOrder)
	}
	if err := o.CheckTransition(StatusPaid, at); err != nil {
		return err
	}
	o.Status = StatusPaid
	o.PaymentReference = paymentRef
	o.UpdatedAt = at
	return nil
}

// Release 进入 CANCELLED 或 EXPIRED，调用方负责归还库存
func (o *Order) Release(to Status, at time.Time) error {
	if !to.ReleasesStock() {
		return fmt.Errorf("%w: %s does not release stock", ErrInvalidOrder, to)
	}
	if err := o.CheckTransition(to, at); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// Quantities 按商品汇总预占数量
func (o *Order) Quantities() map[string]int {
	out := make(map[string]int, len(o.Lines))
	for _, l := range o.Lines {
		out[l.ItemID] += l.Quantity
	}
	return out
}
