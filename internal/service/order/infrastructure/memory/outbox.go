package memory

import (
	"context"

	"marketplace/internal/pkg/outbox"
)

func (s *Store) FetchPending(_ context.Context, batchSize int) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.Event, 0, batchSize)
	for _, e := range s.st.events {
		if e.Status != outbox.StatusPending {
			continue
		}
		out = append(out, e)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}
	for i := range s.st.events {
		if _, ok := sent[s.st.events[i].ID]; ok {
			s.st.events[i].Status = outbox.StatusSent
		}
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, errMsg string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.events {
		e := &s.st.events[i]
		if e.ID != id {
			continue
		}
		e.Attempts++
		e.LastError = errMsg
		if maxAttempts > 0 && e.Attempts >= maxAttempts {
			e.Status = outbox.StatusFailed
		}
	}
	return nil
}

// Events 返回全部 outbox 记录的副本
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.Event, len(s.st.events))
	copy(out, s.st.events)
	return out
}
