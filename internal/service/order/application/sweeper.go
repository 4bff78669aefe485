package application

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/pkg/metrics"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

// SweepResult 是一次清扫的统计
type SweepResult struct {
	Found     int
	Released  int
	Conflicts int
	Failed    int
}

// ExpirationSweeper 定期释放超过支付窗口的订单。
// 多个实例同时清扫是安全的：每个订单的释放都是独立的 compare-and-set 事务。
type ExpirationSweeper struct {
	svc       *OrderApplicationService
	orders    domain.OrderRepository
	clock     port.Clock
	metrics   *metrics.OrderMetrics
	tracer    trace.Tracer
	interval  time.Duration
	batchSize int
}

func NewExpirationSweeper(svc *OrderApplicationService, interval time.Duration, batchSize int) *ExpirationSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ExpirationSweeper{
		svc:       svc,
		orders:    svc.uow.Repositories().Orders,
		clock:     svc.clock,
		metrics:   svc.metrics,
		tracer:    svc.tracer,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run 启动时先清扫一次，之后按 interval 执行，ctx 取消后返回
func (s *ExpirationSweeper) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).Msg("✅ expiration sweeper started")

	s.tick(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 expiration sweeper stopping")
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirationSweeper) tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		logger.Ctx(ctx).Error().Err(err).Msg("expiration sweep failed")
	}
}

// Sweep 查询到期订单并逐个释放；没有到期订单时不写库也不打日志
func (s *ExpirationSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	start := time.Now()
	now := s.clock.Now()

	ids, err := s.orders.FindExpired(ctx, now, s.batchSize)
	if err != nil {
		s.metrics.SweepFinished(time.Since(start), 0)
		return res, err
	}
	res.Found = len(ids)
	if res.Found == 0 {
		s.metrics.SweepFinished(time.Since(start), 0)
		return res, nil
	}

	ctx, span := s.tracer.Start(ctx, "app.ExpirationSweep")
	defer span.End()
	span.SetAttributes(attribute.Int("sweep.found", res.Found))

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, err := s.svc.ReleaseOrder(ctx, id, domain.StatusExpired)
		switch {
		case err == nil:
			res.Released++
		case errors.Is(err, domain.ErrOrderConflict), errors.Is(err, domain.ErrOrderNotFound):
			// 已被支付、取消或其他清扫实例处理
			res.Conflicts++
		default:
			res.Failed++
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", id).Msg("expire order failed, will retry next sweep")
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.released", res.Released),
		attribute.Int("sweep.conflicts", res.Conflicts),
		attribute.Int("sweep.failed", res.Failed),
	)
	s.metrics.SweepFinished(time.Since(start), res.Failed)
	logger.Ctx(ctx).Info().
		Int("found", res.Found).
		Int("released", res.Released).
		Int("conflicts", res.Conflicts).
		Int("failed", res.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("expiration sweep finished")
	return res, nil
}
