// internal/service/order/domain/event.go
package domain

import "time"

// EventType 是写入 outbox 的订单生命周期事件类型
type EventType string

const (
	EventOrderReserved  EventType = "order.reserved"
	EventOrderPaid      EventType = "order.paid"
	EventOrderCancelled EventType = "order.cancelled"
	EventOrderExpired   EventType = "order.expired"
)

// EventTypeFor 返回状态流转对应的事件类型
func EventTypeFor(s Status) EventType {
	switch s {
	case StatusPaid:
		return EventOrderPaid
	case StatusCancelled:
		return EventOrderCancelled
	case StatusExpired:
		return EventOrderExpired
	default:
		return EventOrderReserved
	}
}

// OrderEvent 与状态流转在同一个事务里写入，由 relay 异步投递到 Kafka
type OrderEvent struct {
	Type             EventType   `json:"type"`
	OrderID          string      `json:"orderId"`
	OrderNumber      string      `json:"orderNumber"`
	BuyerID          string      `json:"buyerId"`
	Status           Status      `json:"status"`
	Lines            []EventLine `json:"lines"`
	PaymentReference string      `json:"paymentReference,omitempty"`
	ExpiresAt        time.Time   `json:"expiresAt"`
	OccurredAt       time.Time   `json:"occurredAt"`
}

type EventLine struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// NewOrderEvent 从订单当前状态构造事件
func NewOrderEvent(o *Order, at time.Time) *OrderEvent {
	lines := make([]EventLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, EventLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return &OrderEvent{
		Type:             EventTypeFor(o.Status),
		OrderID:          o.ID,
		OrderNumber:      o.Number,
		BuyerID:          o.BuyerID,
		Status:           o.Status,
		Lines:            lines,
		PaymentReference: o.PaymentReference,
		ExpiresAt:        o.ExpiresAt,
		OccurredAt:       at,
	}
}

// PaymentConfirmed 是支付服务发布的支付成功事件
type PaymentConfirmed struct {
	TraceID          string    `json:"traceId,omitempty"`
	OrderID          string    `json:"orderId"`
	PaymentReference string    `json:"paymentReference"`
	PaidAt           time.Time `json:"paidAt,omitempty"`
}

// PaymentConflict 在支付到达时订单已经结束，支付方据此发起退款
type PaymentConflict struct {
	OrderID          string    `json:"orderId"`
	PaymentReference string    `json:"paymentReference"`
	OrderStatus      Status    `json:"orderStatus"`
	Reason           string    `json:"reason"`
	DetectedAt       time.Time `json:"detectedAt"`
}
