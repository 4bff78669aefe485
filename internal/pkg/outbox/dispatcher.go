package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"

	"marketplace/internal/pkg/logger"
)

const HeaderEventType = "event_type"

// Producer 是 kafka.Writer 的最小接口，测试中可替换
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	producer Producer
	topic    string
}

// NewDispatcher topic 为空时使用 Producer 自身配置的 topic
func NewDispatcher(producer Producer, topic string) *Dispatcher {
	return &Dispatcher{producer: producer, topic: topic}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	headers := make([]kafka.Header, 0, len(event.Headers)+1)
	for k, v := range event.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)})

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("event_id", event.ID).Msg("outbox dispatch failed")
		return err
	}
	logger.Ctx(ctx).Debug().Int64("event_id", event.ID).Str("type", event.Type).Msg("outbox dispatched")
	return nil
}
