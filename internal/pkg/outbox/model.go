package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Event 是一条待投递的 outbox 记录
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	Status        Status
	Attempts      int
	LastError     string
}

// NewEvent 序列化 payload，并把当前链路上下文保存到 Headers，投递时再注入 Kafka 消息头
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       body,
		Headers:       carrier,
		CreatedAt:     at,
		Status:        StatusPending,
	}, nil
}
