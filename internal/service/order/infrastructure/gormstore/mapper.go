package gormstore

import (
	"encoding/json"
	"time"

	"marketplace/internal/pkg/outbox"
	"marketplace/internal/service/order/domain"
)

// MySQL datetime(6) 只保留到微秒
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func FromDomainOrder(o *domain.Order) *OrderModel {
	m := &OrderModel{
		ID:        o.ID,
		Number:    o.Number,
		BuyerID:   o.BuyerID,
		Status:    o.Status,
		ExpiresAt: dbTime(o.ExpiresAt),
		CreatedAt: dbTime(o.CreatedAt),
		UpdatedAt: dbTime(o.UpdatedAt),
		Lines:     make([]OrderLineModel, 0, len(o.Lines)),
	}
	if o.PaymentReference != "" {
		ref := o.PaymentReference
		m.PaymentReference = &ref
	}
	for i, l := range o.Lines {
		m.Lines = append(m.Lines, OrderLineModel{
			OrderID:  o.ID,
			Position: i,
			ItemID:   l.ItemID,
			Quantity: l.Quantity,
		})
	}
	return m
}

func ToDomainOrder(m *OrderModel) *domain.Order {
	o := &domain.Order{
		ID:        m.ID,
		Number:    m.Number,
		BuyerID:   m.BuyerID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt.UTC(),
		ExpiresAt: m.ExpiresAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
		Lines:     make([]domain.OrderLine, 0, len(m.Lines)),
	}
	if m.PaymentReference != nil {
		o.PaymentReference = *m.PaymentReference
	}
	for _, l := range m.Lines {
		o.Lines = append(o.Lines, domain.OrderLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return o
}

func FromOutboxEvent(e outbox.Event) (*OutboxEventModel, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return nil, err
	}
	return &OutboxEventModel{
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.Type,
		Payload:       e.Payload,
		Headers:       string(headers),
		Status:        string(e.Status),
		CreatedAt:     dbTime(e.CreatedAt),
	}, nil
}

func ToOutboxEvent(m *OutboxEventModel) outbox.Event {
	headers := map[string]string{}
	if m.Headers != "" {
		// 损坏的头只影响链路追踪，不阻塞投递
		_ = json.Unmarshal([]byte(m.Headers), &headers)
	}
	return outbox.Event{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		Type:          m.EventType,
		Payload:       m.Payload,
		Headers:       headers,
		CreatedAt:     m.CreatedAt.UTC(),
		Status:        outbox.Status(m.Status),
		Attempts:      m.Attempts,
		LastError:     m.LastError,
	}
}
