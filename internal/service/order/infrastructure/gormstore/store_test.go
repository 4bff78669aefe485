package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marketplace/internal/pkg/clock"
	"marketplace/internal/pkg/outbox"
	"marketplace/internal/service/order/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clk := clock.NewManual(t0)
	s := NewStore(db, clk)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s, clk
}

func newOrder(t *testing.T, id string, window time.Duration, lines ...domain.OrderLine) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(id, "ORD-"+id, "buyer-1", lines, t0, window)
	require.NoError(t, err)
	return o
}

func TestGormLedger_ReserveReleaseSeed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	led := s.Repositories().Ledger

	require.NoError(t, led.Seed(ctx, "sku-1", 2))
	require.NoError(t, led.Reserve(ctx, "sku-1", 2))
	assert.ErrorIs(t, led.Reserve(ctx, "sku-1", 1), domain.ErrInsufficientStock)
	assert.ErrorIs(t, led.Reserve(ctx, "never-stocked", 1), domain.ErrInsufficientStock)

	require.NoError(t, led.Release(ctx, "sku-1", 2))
	n, err := led.Available(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 已有记录时再次灌数据不改变库存
	require.NoError(t, led.Seed(ctx, "sku-1", 10))
	n, err = led.Available(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = led.Available(ctx, "never-stocked")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGormLedger_ConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Repositories().Ledger.Seed(ctx, "sku-1", 5))

	var mu sync.Mutex
	success := 0
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
				return r.Ledger.Reserve(ctx, "sku-1", 1)
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	n, err := s.Repositories().Ledger.Available(ctx, "sku-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGormStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.Repositories().Ledger.Seed(ctx, "sku-1", 3))

	err := s.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		if err := r.Ledger.Reserve(ctx, "sku-1", 3); err != nil {
			return err
		}
		if err := r.Orders.Create(ctx, newOrder(t, "o-1", 15*time.Minute, domain.OrderLine{ItemID: "sku-1", Quantity: 3})); err != nil {
			return err
		}
		return r.Ledger.Reserve(ctx, "sku-2", 1)
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	n, err := s.Repositories().Ledger.Available(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = s.Repositories().Orders.FindByID(ctx, "o-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestGormOrders_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := s.Repositories().Orders

	o := newOrder(t, "o-1", 15*time.Minute,
		domain.OrderLine{ItemID: "sku-b", Quantity: 2},
		domain.OrderLine{ItemID: "sku-a", Quantity: 1},
	)
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, o.Lines, got.Lines)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(15*time.Minute)))
	assert.Empty(t, got.PaymentReference)

	_, err = repo.FindByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestGormOrders_CompareAndTransition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := s.Repositories().Orders
	line := domain.OrderLine{ItemID: "sku-1", Quantity: 1}
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-1", 15*time.Minute, line)))
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-2", 15*time.Minute, line)))

	tests := []struct {
		name    string
		tr      domain.Transition
		wantErr error
	}{
		{"expire before deadline", domain.Transition{OrderID: "o-1", To: domain.StatusExpired, At: t0, DueBy: t0.Add(14 * time.Minute)}, domain.ErrOrderConflict},
		{"pay", domain.Transition{OrderID: "o-1", To: domain.StatusPaid, At: t0, PaymentReference: "pay-1"}, nil},
		{"expire paid order", domain.Transition{OrderID: "o-1", To: domain.StatusExpired, At: t0, DueBy: t0.Add(time.Hour)}, domain.ErrOrderConflict},
		{"cancel paid order", domain.Transition{OrderID: "o-1", To: domain.StatusCancelled, At: t0}, domain.ErrOrderConflict},
		{"expire at deadline", domain.Transition{OrderID: "o-2", To: domain.StatusExpired, At: t0, DueBy: t0.Add(15 * time.Minute)}, nil},
		{"expire twice", domain.Transition{OrderID: "o-2", To: domain.StatusExpired, At: t0, DueBy: t0.Add(time.Hour)}, domain.ErrOrderConflict},
		{"missing", domain.Transition{OrderID: "o-3", To: domain.StatusCancelled, At: t0}, domain.ErrOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.CompareAndTransition(ctx, tt.tr)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	paid, err := repo.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)
	assert.Equal(t, "pay-1", paid.PaymentReference)

	expired, err := repo.FindByID(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, expired.Status)
}

func TestGormOrders_FindExpired(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	repo := s.Repositories().Orders
	line := domain.OrderLine{ItemID: "sku-1", Quantity: 1}

	require.NoError(t, repo.Create(ctx, newOrder(t, "o-late", 15*time.Minute, line)))
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-early", 10*time.Minute, line)))
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-paid", 5*time.Minute, line)))
	require.NoError(t, repo.Create(ctx, newOrder(t, "o-future", time.Hour, line)))
	require.NoError(t, repo.CompareAndTransition(ctx, domain.Transition{
		OrderID: "o-paid", To: domain.StatusPaid, At: t0, PaymentReference: "pay",
	}))

	ids, err := repo.FindExpired(ctx, t0.Add(15*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-early", "o-late"}, ids)

	ids, err = repo.FindExpired(ctx, t0.Add(15*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-early"}, ids)

	ids, err = repo.FindExpired(ctx, t0, 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGormOutbox_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	o := newOrder(t, "o-1", 15*time.Minute, domain.OrderLine{ItemID: "sku-1", Quantity: 1})

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		if err := r.Orders.Create(ctx, o); err != nil {
			return err
		}
		return r.Outbox.Append(ctx, domain.NewOrderEvent(o, clk.Now()))
	}))
	require.NoError(t, s.Repositories().Outbox.Append(ctx, domain.NewOrderEvent(o, clk.Now())))

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, string(domain.EventOrderReserved), pending[0].Type)
	assert.Contains(t, string(pending[0].Payload), `"orderId":"o-1"`)

	require.NoError(t, s.MarkSent(ctx, []int64{pending[0].ID}))
	require.NoError(t, s.MarkFailed(ctx, pending[1].ID, "broker down", 2))

	pending, err = s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, s.MarkFailed(ctx, pending[0].ID, "broker down", 2))
	pending, err = s.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var failed OutboxEventModel
	require.NoError(t, s.db.Where("status = ?", string(outbox.StatusFailed)).First(&failed).Error)
	assert.Equal(t, 2, failed.Attempts)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "op"))
	assert.ErrorIs(t, classify(domain.ErrOrderConflict, "op"), domain.ErrOrderConflict)
	assert.ErrorIs(t, classify(errors.New("database is locked"), "op"), domain.ErrTransactionFailure)
	assert.ErrorIs(t, classify(context.DeadlineExceeded, "op"), domain.ErrTransactionFailure)
	assert.NotErrorIs(t, classify(errors.New("syntax error"), "op"), domain.ErrTransactionFailure)
}

func TestClassify_MySQLErrors(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	assert.ErrorIs(t, classify(deadlock, "op"), domain.ErrTransactionFailure)

	timeout := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	assert.ErrorIs(t, classify(fmt.Errorf("exec: %w", timeout), "op"), domain.ErrTransactionFailure)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.NotErrorIs(t, classify(dup, "op"), domain.ErrTransactionFailure)
}
