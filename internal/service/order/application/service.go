// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/pkg/metrics"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

// Options 控制预占窗口和事务重试
type Options struct {
	ReservationWindow time.Duration
	MaxRetries        uint64
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReservationWindow <= 0 {
		o.ReservationWindow = 15 * time.Minute
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 20 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Second
	}
	return o
}

// OrderApplicationService 编排预占、释放和支付确认，每个用例是一个事务
type OrderApplicationService struct {
	uow     domain.UnitOfWork
	clock   port.Clock
	idem    port.IdempotencyStore
	metrics *metrics.OrderMetrics
	tracer  trace.Tracer
	opts    Options
}

// NewOrderApplicationService idem 和 m 可以为 nil
func NewOrderApplicationService(uow domain.UnitOfWork, clock port.Clock, idem port.IdempotencyStore, m *metrics.OrderMetrics, tracer trace.Tracer, opts Options) *OrderApplicationService {
	return &OrderApplicationService{
		uow:     uow,
		clock:   clock,
		idem:    idem,
		metrics: m,
		tracer:  tracer,
		opts:    opts.withDefaults(),
	}
}

// ReservationWindow 返回当前的预占窗口
func (s *OrderApplicationService) ReservationWindow() time.Duration {
	return s.opts.ReservationWindow
}

// CreateOrder 在一个事务里预占所有订单行并写入 PENDING 订单，要么全部成功要么没有任何副作用
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("buyer.id", req.BuyerID),
		attribute.Int("order.lines", len(req.Lines)),
	)

	lines := req.ToDomainLines()
	if err := domain.ValidateLines(req.BuyerID, lines); err != nil {
		s.metrics.CheckoutFailed("invalid")
		span.SetStatus(codes.Error, "invalid order")
		return nil, err
	}

	if req.IdempotencyKey != "" && s.idem != nil {
		key := idempotencyKey(req.BuyerID, req.IdempotencyKey)
		view, claimed, err := s.claimIdempotencyKey(ctx, key)
		if err != nil {
			span.RecordError(err)
			s.metrics.CheckoutFailed("idempotency")
			return nil, err
		}
		if view != nil {
			span.AddEvent("idempotent replay")
			return view, nil
		}
		if claimed {
			view, err := s.createOrder(ctx, req.BuyerID, lines)
			s.settleIdempotencyKey(ctx, key, view, err)
			return s.finishCreate(ctx, span, view, err)
		}
	}

	view, err := s.createOrder(ctx, req.BuyerID, lines)
	return s.finishCreate(ctx, span, view, err)
}

func (s *OrderApplicationService) finishCreate(ctx context.Context, span trace.Span, view *OrderView, err error) (*OrderView, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			s.metrics.CheckoutFailed("insufficient_stock")
			logger.Ctx(ctx).Info().Err(err).Msg("checkout rejected")
		case errors.Is(err, domain.ErrTransactionFailure):
			s.metrics.CheckoutFailed("transaction_failure")
			logger.Ctx(ctx).Error().Err(err).Msg("checkout failed after retries")
		default:
			s.metrics.CheckoutFailed("error")
			logger.Ctx(ctx).Error().Err(err).Msg("checkout failed")
		}
		return nil, err
	}

	s.metrics.OrderCreated()
	span.SetAttributes(attribute.String("order.id", view.ID))
	logger.Ctx(ctx).Info().
		Str("order_id", view.ID).
		Str("order_number", view.Number).
		Time("expires_at", view.ExpiresAt).
		Msg("order reserved")
	return view, nil
}

// idempotencyKey 按买家隔离，不同买家复用同一个键互不影响
func idempotencyKey(buyerID, key string) string {
	return buyerID + ":" + key
}

// claimIdempotencyKey 返回已完成的订单（重放）或者是否抢到了键。
// Redis 不可用时降级为不做幂等。
func (s *OrderApplicationService) claimIdempotencyKey(ctx context.Context, key string) (*OrderView, bool, error) {
	existing, err := s.idem.Lookup(ctx, key)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed, continuing without it")
		return nil, false, nil
	}
	if existing != "" {
		return s.replay(ctx, existing)
	}

	claimed, err := s.idem.Claim(ctx, key)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency claim failed, continuing without it")
		return nil, false, nil
	}
	if claimed {
		return nil, true, nil
	}

	// 另一个请求持有该键：已完成则重放，否则仍在处理中
	if existing, err = s.idem.Lookup(ctx, key); err == nil && existing != "" {
		return s.replay(ctx, existing)
	}
	return nil, false, fmt.Errorf("%w: idempotency key %s", domain.ErrDuplicateRequest, key)
}

func (s *OrderApplicationService) replay(ctx context.Context, orderID string) (*OrderView, bool, error) {
	order, err := s.uow.Repositories().Orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	view := ToOrderView(order)
	view.Replayed = true
	return view, false, nil
}

func (s *OrderApplicationService) settleIdempotencyKey(ctx context.Context, key string, view *OrderView, createErr error) {
	var err error
	if createErr != nil {
		err = s.idem.Forget(ctx, key)
	} else {
		err = s.idem.Complete(ctx, key, view.ID)
	}
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("failed to settle idempotency key")
	}
}

func (s *OrderApplicationService) createOrder(ctx context.Context, buyerID string, lines []domain.OrderLine) (*OrderView, error) {
	id := uuid.NewString()

	// 按商品 ID 顺序预占，多行订单并发时行锁获取顺序一致
	reserveOrder := make([]domain.OrderLine, len(lines))
	copy(reserveOrder, lines)
	sort.SliceStable(reserveOrder, func(i, j int) bool { return reserveOrder[i].ItemID < reserveOrder[j].ItemID })

	var created *domain.Order
	err := s.withRetry(ctx, "create order", func() error {
		now := s.clock.Now()
		order, err := domain.NewOrder(id, orderNumber(now, id), buyerID, lines, now, s.opts.ReservationWindow)
		if err != nil {
			return err
		}
		err = s.uow.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			for _, l := range reserveOrder {
				if err := repos.Ledger.Reserve(ctx, l.ItemID, l.Quantity); err != nil {
					return err
				}
			}
			if err := repos.Orders.Create(ctx, order); err != nil {
				return err
			}
			return repos.Outbox.Append(ctx, domain.NewOrderEvent(order, now))
		})
		if err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ToOrderView(created), nil
}

// ReleaseOrder 把 PENDING 订单流转到 CANCELLED 或 EXPIRED 并归还库存。
// 订单已被处理时返回 ErrOrderConflict，此时库存不会变动。
func (s *OrderApplicationService) ReleaseOrder(ctx context.Context, orderID string, target domain.Status) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ReleaseOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.target", string(target)))

	if !target.ReleasesStock() {
		return nil, fmt.Errorf("%w: %s does not release stock", domain.ErrInvalidOrder, target)
	}

	now := s.clock.Now()
	var released *domain.Order
	err := s.uow.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		order, err := repos.Orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.Release(target, now); err != nil {
			return err
		}

		t := domain.Transition{OrderID: orderID, To: target, At: now}
		if target == domain.StatusExpired {
			t.DueBy = now
		}
		if err := repos.Orders.CompareAndTransition(ctx, t); err != nil {
			return err
		}
		for _, l := range order.Lines {
			if err := repos.Ledger.Release(ctx, l.ItemID, l.Quantity); err != nil {
				return err
			}
		}
		if err := repos.Outbox.Append(ctx, domain.NewOrderEvent(order, now)); err != nil {
			return err
		}
		released = order
		return nil
	})
	if err != nil {
		s.recordTransitionError(ctx, span, orderID, target, err)
		return nil, err
	}

	s.metrics.OrderReleased(string(target))
	logger.Ctx(ctx).Info().
		Str("order_id", released.ID).
		Str("status", string(released.Status)).
		Int("lines", len(released.Lines)).
		Time("expires_at", released.ExpiresAt).
		Msg("order released")
	return ToOrderView(released), nil
}

// CancelOrder 买家或管理员取消
func (s *OrderApplicationService) CancelOrder(ctx context.Context, orderID string) (*OrderView, error) {
	var view *OrderView
	err := s.withRetry(ctx, "cancel order", func() error {
		var err error
		view, err = s.ReleaseOrder(ctx, orderID, domain.StatusCancelled)
		return err
	})
	return view, err
}

// ConfirmPayment 把订单标记为 PAID，库存保持扣减。
// 同一个支付凭证重复确认视为成功；订单已被释放时返回 ErrOrderConflict，调用方据此退款。
func (s *OrderApplicationService) ConfirmPayment(ctx context.Context, orderID, paymentRef string) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if strings.TrimSpace(paymentRef) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", domain.ErrInvalidOrder)
	}

	var (
		paid      *domain.Order
		duplicate bool
	)
	err := s.withRetry(ctx, "confirm payment", func() error {
		now := s.clock.Now()
		return s.uow.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			order, err := repos.Orders.FindByID(ctx, orderID)
			if err != nil {
				return err
			}
			if order.Status == domain.StatusPaid && order.PaymentReference == paymentRef {
				paid, duplicate = order, true
				return nil
			}
			if err := order.MarkPaid(paymentRef, now); err != nil {
				return err
			}
			err = repos.Orders.CompareAndTransition(ctx, domain.Transition{
				OrderID:          orderID,
				To:               domain.StatusPaid,
				At:               now,
				PaymentReference: paymentRef,
			})
			if err != nil {
				return err
			}
			if err := repos.Outbox.Append(ctx, domain.NewOrderEvent(order, now)); err != nil {
				return err
			}
			paid = order
			return nil
		})
	})
	if err != nil {
		s.recordTransitionError(ctx, span, orderID, domain.StatusPaid, err)
		return nil, err
	}

	if duplicate {
		logger.Ctx(ctx).Debug().Str("order_id", orderID).Msg("payment already confirmed with the same reference")
		return ToOrderView(paid), nil
	}
	s.metrics.PaymentConfirmed()
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("payment_reference", paymentRef).Msg("payment confirmed")
	return ToOrderView(paid), nil
}

func (s *OrderApplicationService) recordTransitionError(ctx context.Context, span trace.Span, orderID string, target domain.Status, err error) {
	span.RecordError(err)
	l := logger.Ctx(ctx)
	switch {
	case errors.Is(err, domain.ErrOrderConflict):
		s.metrics.Conflict(string(target))
		l.Debug().Err(err).Str("order_id", orderID).Str("target", string(target)).Msg("transition lost the race")
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrInvalidOrder):
		l.Debug().Err(err).Str("order_id", orderID).Msg("transition rejected")
	default:
		span.SetStatus(codes.Error, "transition failed")
		l.Error().Err(err).Str("order_id", orderID).Str("target", string(target)).Msg("transition failed")
	}
}

func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.uow.Repositories().Orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ToOrderView(order), nil
}

func (s *OrderApplicationService) Available(ctx context.Context, itemID string) (*StockView, error) {
	n, err := s.uow.Repositories().Ledger.Available(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return &StockView{ItemID: itemID, Available: n}, nil
}

// SeedInventory 启动时为尚无库存记录的商品写入初始库存，已有的台账不受影响
func (s *OrderApplicationService) SeedInventory(ctx context.Context, stock map[string]int) error {
	return s.uow.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		for item, qty := range stock {
			if err := repos.Ledger.Seed(ctx, item, qty); err != nil {
				return err
			}
		}
		return nil
	})
}

// withRetry 只重试 ErrTransactionFailure，其余错误直接返回
func (s *OrderApplicationService) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxInterval = s.opts.RetryMax
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrTransactionFailure) {
			return backoff.Permanent(err)
		}
		logger.Ctx(ctx).Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transaction failed, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.opts.MaxRetries), ctx))
}

// orderNumber 生成展示用单号 ORD-YYYYMMDD-XXXXXXXX
func orderNumber(now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}
