package gormstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"marketplace/internal/pkg/clock"
	"marketplace/internal/service/order/application"
	"marketplace/internal/service/order/domain"
)

func newTestService(t *testing.T, stock map[string]int) (*Store, *clock.Manual, *application.OrderApplicationService) {
	t.Helper()
	s, clk := newTestStore(t)
	svc := application.NewOrderApplicationService(s, clk, nil, nil, noop.NewTracerProvider().Tracer("test"), application.Options{
		ReservationWindow: 15 * time.Minute,
		MaxRetries:        3,
		RetryInitial:      time.Millisecond,
		RetryMax:          5 * time.Millisecond,
	})
	require.NoError(t, svc.SeedInventory(context.Background(), stock))
	return s, clk, svc
}

func availableOf(t *testing.T, svc *application.OrderApplicationService, itemID string) int {
	t.Helper()
	v, err := svc.Available(context.Background(), itemID)
	require.NoError(t, err)
	return v.Available
}

func outboxTypes(t *testing.T, s *Store, orderID string) []string {
	t.Helper()
	events, err := s.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		if e.AggregateID == orderID {
			out = append(out, e.Type)
		}
	}
	return out
}

func checkoutOf(items ...application.OrderLineDTO) *application.CreateOrderRequest {
	return &application.CreateOrderRequest{BuyerID: "buyer-1", Lines: items}
}

func lineOf(id string, qty int) application.OrderLineDTO {
	return application.OrderLineDTO{ItemID: id, Quantity: qty}
}

func TestService_ReserveCancelRoundTripRestoresStock(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newTestService(t, map[string]int{"ticket": 10, "poster": 4})

	view, err := svc.CreateOrder(ctx, checkoutOf(lineOf("poster", 4), lineOf("ticket", 3)))
	require.NoError(t, err)
	assert.Equal(t, 7, availableOf(t, svc, "ticket"))
	assert.Zero(t, availableOf(t, svc, "poster"))

	_, err = svc.CreateOrder(ctx, checkoutOf(lineOf("poster", 1)))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 7, availableOf(t, svc, "ticket"))

	cancelled, err := svc.CancelOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, availableOf(t, svc, "ticket"))
	assert.Equal(t, 4, availableOf(t, svc, "poster"))

	// 重复释放只归还一次
	_, err = svc.CancelOrder(ctx, view.ID)
	assert.ErrorIs(t, err, domain.ErrOrderConflict)
	_, err = svc.ReleaseOrder(ctx, view.ID, domain.StatusExpired)
	assert.ErrorIs(t, err, domain.ErrOrderConflict)
	assert.Equal(t, 10, availableOf(t, svc, "ticket"))
	assert.Equal(t, 4, availableOf(t, svc, "poster"))

	assert.Equal(t, []string{"order.reserved", "order.cancelled"}, outboxTypes(t, s, view.ID))
}

func TestService_PaidOrderIsIgnoredBySweep(t *testing.T) {
	ctx := context.Background()
	s, clk, svc := newTestService(t, map[string]int{"ticket": 5})

	view, err := svc.CreateOrder(ctx, checkoutOf(lineOf("ticket", 2)))
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	paid, err := svc.ConfirmPayment(ctx, view.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)

	_, err = svc.ConfirmPayment(ctx, view.ID, "pay-2")
	assert.ErrorIs(t, err, domain.ErrOrderConflict)

	clk.Advance(time.Hour)
	res, err := application.NewExpirationSweeper(svc, time.Minute, 10).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Found)
	assert.Equal(t, 3, availableOf(t, svc, "ticket"))
	assert.Equal(t, []string{"order.reserved", "order.paid"}, outboxTypes(t, s, view.ID))
}

func TestService_PaymentVersusExpiryExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	_, clk, svc := newTestService(t, map[string]int{"ticket": 30})

	ids := make([]string, 10)
	for i := range ids {
		view, err := svc.CreateOrder(ctx, checkoutOf(lineOf("ticket", 3)))
		require.NoError(t, err)
		ids[i] = view.ID
	}
	clk.Advance(15*time.Minute + time.Second)

	expired := 0
	for _, id := range ids {
		var payErr, expireErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, payErr = svc.ConfirmPayment(ctx, id, "pay-"+id)
		}()
		go func() {
			defer wg.Done()
			_, expireErr = svc.ReleaseOrder(ctx, id, domain.StatusExpired)
		}()
		wg.Wait()

		got, err := svc.GetOrder(ctx, id)
		require.NoError(t, err)
		switch {
		case payErr == nil:
			require.ErrorIs(t, expireErr, domain.ErrOrderConflict)
			assert.Equal(t, domain.StatusPaid, got.Status)
		case expireErr == nil:
			require.ErrorIs(t, payErr, domain.ErrOrderConflict)
			assert.Equal(t, domain.StatusExpired, got.Status)
			expired++
		default:
			t.Fatalf("both transitions failed: pay=%v expire=%v", payErr, expireErr)
		}
	}
	assert.Equal(t, expired*3, availableOf(t, svc, "ticket"))
}

func TestService_ReseedingKeepsOutstandingReservations(t *testing.T) {
	ctx := context.Background()
	_, clk, svc := newTestService(t, map[string]int{"ticket": 5})

	view, err := svc.CreateOrder(ctx, checkoutOf(lineOf("ticket", 2)))
	require.NoError(t, err)
	require.Equal(t, 3, availableOf(t, svc, "ticket"))

	// 进程重启后按同一份配置再次灌数据
	require.NoError(t, svc.SeedInventory(ctx, map[string]int{"ticket": 5, "poster": 1}))
	assert.Equal(t, 3, availableOf(t, svc, "ticket"))
	assert.Equal(t, 1, availableOf(t, svc, "poster"))

	clk.Advance(16 * time.Minute)
	res, err := application.NewExpirationSweeper(svc, time.Minute, 10).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 5, availableOf(t, svc, "ticket"))

	got, err := svc.GetOrder(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
}
