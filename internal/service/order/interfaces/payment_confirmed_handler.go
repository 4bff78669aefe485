package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/pkg/mq"
	"marketplace/internal/pkg/outbox"
	"marketplace/internal/service/order/application"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

// MessageReader 是 kafka.Reader 的最小接口
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageDeduper 过滤重复投递的消息
type MessageDeduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
	MessageKey(topic, id string) string
}

// PaymentConfirmedConsumer 消费支付成功事件并驱动 ConfirmPayment。
// 订单已被释放时把冲突转发到 payment-conflicts，由支付方退款。
type PaymentConfirmedConsumer struct {
	reader    MessageReader
	conflicts outbox.Producer
	dedupe    MessageDeduper
	appSvc    *application.OrderApplicationService
	clock     port.Clock
	tracer    trace.Tracer
	topic     string
}

func NewPaymentConfirmedConsumer(reader MessageReader, conflicts outbox.Producer, dedupe MessageDeduper, appSvc *application.OrderApplicationService, clock port.Clock, topic string) *PaymentConfirmedConsumer {
	return &PaymentConfirmedConsumer{
		reader:    reader,
		conflicts: conflicts,
		dedupe:    dedupe,
		appSvc:    appSvc,
		clock:     clock,
		tracer:    otel.Tracer(serviceName),
		topic:     topic,
	}
}

// Run 持续消费直到 ctx 取消。处理成功（包括转发冲突）后才提交 offset。
func (c *PaymentConfirmedConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("✅ payment consumer started")
	defer func() {
		if err := c.reader.Close(); err != nil {
			logger.L().Warn().Err(err).Msg("close payment reader")
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 payment consumer shutting down")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not read payment message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.HandleMessage(ctx, msg); err != nil {
			// 只有 ctx 取消才会走到这里，不提交，重启后重新投递
			logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("payment message left uncommitted")
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to commit payment message")
		}
	}
}

// HandleMessage 处理单条消息。返回错误表示消息没有被处理，不能提交。
func (c *PaymentConfirmedConsumer) HandleMessage(ctx context.Context, msg kafka.Message) error {
	ctx = mq.ExtractTraceContext(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "consumer.PaymentConfirmed", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	eventType := mq.HeaderValue(msg.Headers, outbox.HeaderEventType)
	span.SetAttributes(attribute.String("messaging.event_type", eventType))

	var event domain.PaymentConfirmed
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.OrderID == "" {
		logger.Ctx(ctx).Error().Err(err).
			Str("event_type", eventType).
			Str("value", string(msg.Value)).
			Msg("malformed payment message skipped")
		return nil
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	var key string
	if c.dedupe != nil {
		key = c.dedupe.MessageKey(c.topic, event.OrderID+":"+event.PaymentReference)
		seen, err := c.dedupe.Seen(ctx, key)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("payment dedupe unavailable, processing anyway")
		} else if seen {
			logger.Ctx(ctx).Debug().Str("order_id", event.OrderID).Msg("duplicate payment message skipped")
			return nil
		}
	}

	var confirmErr error
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		_, confirmErr = c.appSvc.ConfirmPayment(ctx, event.OrderID, event.PaymentReference)
		if confirmErr == nil || isRefundable(confirmErr) {
			return nil
		}
		logger.Ctx(ctx).Warn().Err(confirmErr).Str("order_id", event.OrderID).Msg("confirm payment failed, retrying")
		return confirmErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		c.forget(ctx, key)
		return err
	}
	if confirmErr == nil {
		return nil
	}

	if err := c.publishConflict(ctx, event, confirmErr); err != nil {
		c.forget(ctx, key)
		return err
	}
	return nil
}

// isRefundable 订单不可能再被支付，重试没有意义
func isRefundable(err error) bool {
	return errors.Is(err, domain.ErrOrderConflict) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrInvalidOrder)
}

func (c *PaymentConfirmedConsumer) publishConflict(ctx context.Context, event domain.PaymentConfirmed, cause error) error {
	conflict := domain.PaymentConflict{
		OrderID:          event.OrderID,
		PaymentReference: event.PaymentReference,
		Reason:           cause.Error(),
		DetectedAt:       c.clock.Now(),
	}
	if view, err := c.appSvc.GetOrder(ctx, event.OrderID); err == nil {
		conflict.OrderStatus = view.Status
	}

	body, err := json.Marshal(conflict)
	if err != nil {
		return err
	}
	headers := []kafka.Header{}
	mq.InjectTraceContext(ctx, &headers)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		return c.conflicts.WriteMessages(ctx, kafka.Message{
			Key:     []byte(event.OrderID),
			Value:   body,
			Headers: headers,
		})
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Warn().
		Str("order_id", event.OrderID).
		Str("payment_reference", event.PaymentReference).
		Str("order_status", string(conflict.OrderStatus)).
		Msg("payment arrived for a resolved order, forwarded for refund")
	return nil
}

func (c *PaymentConfirmedConsumer) forget(ctx context.Context, key string) {
	if c.dedupe == nil {
		return
	}
	// ctx 可能已取消，用独立的短超时清理
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.dedupe.Forget(cleanup, key); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to forget payment dedupe key")
	}
}
