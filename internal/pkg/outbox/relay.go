package outbox

import (
	"context"
	"time"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/pkg/metrics"
)

// Store 是 outbox 表的读写接口
type Store interface {
	// FetchPending 返回最早的一批待投递事件
	FetchPending(ctx context.Context, batchSize int) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkFailed 记录失败次数，超过 maxAttempts 后不再投递
	MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) error
}

type Relay struct {
	store       Store
	dispatch    *Dispatcher
	metrics     *metrics.OrderMetrics
	batchSize   int
	interval    time.Duration
	maxAttempts int
}

func NewRelay(store Store, dispatch *Dispatcher, m *metrics.OrderMetrics, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		store:       store,
		dispatch:    dispatch,
		metrics:     m,
		batchSize:   batchSize,
		interval:    interval,
		maxAttempts: 10,
	}
}

// Run 周期性投递，ctx 取消后返回
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	logger.Ctx(ctx).Info().Dur("interval", r.interval).Msg("✅ outbox relay started")
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 outbox relay stopping")
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox relay batch failed")
			}
		}
	}
}

// RunOnce 投递一批事件，返回成功条数
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(events))
	failed := 0
	for _, e := range events {
		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			failed++
			if markErr := r.store.MarkFailed(ctx, e.ID, err.Error(), r.maxAttempts); markErr != nil {
				logger.Ctx(ctx).Error().Err(markErr).Int64("event_id", e.ID).Msg("outbox mark failed error")
			}
			continue
		}
		ids = append(ids, e.ID)
	}
	r.metrics.OutboxResult(len(ids), failed)

	if len(ids) > 0 {
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
