package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/pkg/metrics"
)

type fakeStore struct {
	mu       sync.Mutex
	events   []Event
	sent     []int64
	failures map[int64]string
}

func (s *fakeStore) FetchPending(_ context.Context, batchSize int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Status == StatusPending && len(out) < batchSize {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	for i := range s.events {
		for _, id := range ids {
			if s.events[i].ID == id {
				s.events[i].Status = StatusSent
			}
		}
	}
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, errMsg string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = map[int64]string{}
	}
	s.failures[id] = errMsg
	return nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []kafka.Message
	failKey  string
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if string(m.Key) == p.failKey {
			return errors.New("broker unavailable")
		}
		p.messages = append(p.messages, m)
	}
	return nil
}

func TestRelay_RunOncePublishesAndMarksSent(t *testing.T) {
	store := &fakeStore{events: []Event{
		{ID: 1, AggregateID: "order-1", Type: "order.reserved", Payload: []byte(`{}`), Status: StatusPending,
			Headers: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}},
		{ID: 2, AggregateID: "order-2", Type: "order.expired", Payload: []byte(`{}`), Status: StatusPending},
	}}
	producer := &fakeProducer{failKey: "order-2"}
	m := metrics.New(prometheus.NewRegistry())
	relay := NewRelay(store, NewDispatcher(producer, "order-events"), m, time.Second, 10)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []int64{1}, store.sent)
	assert.Contains(t, store.failures, int64(2))

	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, "order-events", msg.Topic)
	assert.Equal(t, "order-1", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "order.reserved", headers[HeaderEventType])
	assert.NotEmpty(t, headers["traceparent"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxFailures))
}

func TestRelay_RunOnceEmpty(t *testing.T) {
	relay := NewRelay(&fakeStore{}, NewDispatcher(&fakeProducer{}, "order-events"), nil, time.Second, 10)
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	relay := NewRelay(&fakeStore{}, NewDispatcher(&fakeProducer{}, "order-events"), nil, 5*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
