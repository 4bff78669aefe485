// internal/service/order/application/dto.go
package application

import (
	"time"

	"marketplace/internal/service/order/domain"
)

// CreateOrderRequest 是下单用例的输入
type CreateOrderRequest struct {
	BuyerID        string         `json:"buyerId"`
	Lines          []OrderLineDTO `json:"lines"`
	IdempotencyKey string         `json:"-"`
}

type OrderLineDTO struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

func (r *CreateOrderRequest) ToDomainLines() []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, domain.OrderLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}

// OrderView 是返回给接口层的订单快照
type OrderView struct {
	ID               string         `json:"id"`
	Number           string         `json:"number"`
	BuyerID          string         `json:"buyerId"`
	Status           domain.Status  `json:"status"`
	Lines            []OrderLineDTO `json:"lines"`
	PaymentReference string         `json:"paymentReference,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	// Replayed 表示结果来自幂等键重放，没有新的预占
	Replayed bool `json:"-"`
}

func ToOrderView(o *domain.Order) *OrderView {
	lines := make([]OrderLineDTO, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, OrderLineDTO{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return &OrderView{
		ID:               o.ID,
		Number:           o.Number,
		BuyerID:          o.BuyerID,
		Status:           o.Status,
		Lines:            lines,
		PaymentReference: o.PaymentReference,
		CreatedAt:        o.CreatedAt,
		ExpiresAt:        o.ExpiresAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// StockView 是库存查询结果
type StockView struct {
	ItemID    string `json:"itemId"`
	Available int    `json:"available"`
}
