package replay

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

// Memory is a process-local guard. Claims are lost on restart and are not
// shared between replicas.
type Memory struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	calls int
	now   func() time.Time
}

// NewMemory returns an empty in-process guard.
func NewMemory() *Memory {
	return &Memory{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *Memory) Use(_ context.Context, kind, value string, ttl time.Duration) (bool, error) {
	key := kind + ":" + value
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweepLocked(now)
	}

	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

// Len reports how many claims are held, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) sweepLocked(now time.Time) {
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = make(map[string]time.Time)
	return nil
}
