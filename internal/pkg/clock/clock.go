// Package clock 提供系统时钟和可手动推进的时钟。
package clock

import (
	"sync"
	"time"
)

// System 是 UTC 系统时钟
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual 是可以手动推进的时钟，并发安全
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 向前推进 d
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
