// Package memory 是单进程的订单存储，用于本地开发和测试。
// 每个事务在全局互斥锁内对状态快照进行修改，成功后整体替换，效果等同于串行化隔离。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace/internal/pkg/outbox"
	"marketplace/internal/service/order/domain"
)

type state struct {
	stock       map[string]int
	orders      map[string]*domain.Order
	events      []outbox.Event
	nextEventID int64
}

func newState() *state {
	return &state{
		stock:  make(map[string]int),
		orders: make(map[string]*domain.Order),
	}
}

func (s *state) clone() *state {
	c := &state{
		stock:       make(map[string]int, len(s.stock)),
		orders:      make(map[string]*domain.Order, len(s.orders)),
		events:      make([]outbox.Event, len(s.events)),
		nextEventID: s.nextEventID,
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	copy(c.events, s.events)
	return c
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Lines = make([]domain.OrderLine, len(o.Lines))
	copy(cp.Lines, o.Lines)
	return &cp
}

// Store 实现 domain.UnitOfWork 和 outbox.Store
type Store struct {
	mu sync.Mutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

// WithinTx fn 返回错误时丢弃快照
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.st.clone()
	if err := fn(ctx, draft.repositories()); err != nil {
		return err
	}
	s.st = draft
	return nil
}

// Repositories 返回自动提交的仓储，每次调用都是一个独立事务
func (s *Store) Repositories() domain.Repositories {
	ac := &autoCommit{store: s}
	return domain.Repositories{Ledger: ac, Orders: ac, Outbox: ac}
}

func (st *state) repositories() domain.Repositories {
	return domain.Repositories{
		Ledger: &ledger{st: st},
		Orders: &orders{st: st},
		Outbox: &events{st: st},
	}
}

type ledger struct{ st *state }

func (l *ledger) Reserve(_ context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}
	if l.st.stock[itemID] < qty {
		return fmt.Errorf("%w: item %s", domain.ErrInsufficientStock, itemID)
	}
	l.st.stock[itemID] -= qty
	return nil
}

func (l *ledger) Release(_ context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}
	l.st.stock[itemID] += qty
	return nil
}

func (l *ledger) Available(_ context.Context, itemID string) (int, error) {
	return l.st.stock[itemID], nil
}

func (l *ledger) Seed(_ context.Context, itemID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: stock level must not be negative", domain.ErrInvalidOrder)
	}
	if _, ok := l.st.stock[itemID]; !ok {
		l.st.stock[itemID] = qty
	}
	return nil
}

type orders struct{ st *state }

func (r *orders) Create(_ context.Context, order *domain.Order) error {
	if _, ok := r.st.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", domain.ErrInvalidOrder, order.ID)
	}
	r.st.orders[order.ID] = copyOrder(order)
	return nil
}

func (r *orders) FindByID(_ context.Context, id string) (*domain.Order, error) {
	o, ok := r.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

func (r *orders) CompareAndTransition(_ context.Context, t domain.Transition) error {
	o, ok := r.st.orders[t.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, t.OrderID)
	}
	if o.Status != domain.StatusPending || o.PaymentReference != "" {
		return fmt.Errorf("%w: order %s is %s", domain.ErrOrderConflict, o.ID, o.Status)
	}
	if !t.DueBy.IsZero() && t.DueBy.Before(o.ExpiresAt) {
		return fmt.Errorf("%w: order %s reservation has not elapsed", domain.ErrOrderConflict, o.ID)
	}
	o.Status = t.To
	o.UpdatedAt = t.At
	if t.To == domain.StatusPaid {
		o.PaymentReference = t.PaymentReference
	}
	return nil
}

func (r *orders) FindExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []*domain.Order
	for _, o := range r.st.orders {
		if o.IsExpired(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ExpiresAt.Before(due[j].ExpiresAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, o := range due {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

type events struct{ st *state }

func (e *events) Append(ctx context.Context, event *domain.OrderEvent) error {
	rec, err := outbox.NewEvent(ctx, "order", event.OrderID, string(event.Type), event, event.OccurredAt)
	if err != nil {
		return err
	}
	e.st.nextEventID++
	rec.ID = e.st.nextEventID
	e.st.events = append(e.st.events, rec)
	return nil
}
