package gemhunt

import (
	"context"
	"sync"
	"time"
)

// TickManager runs one ticker goroutine that invokes a callback per active
// match on every interval. Callbacks run sequentially on that goroutine.
//
// Invariant: each callback is invoked at most once per tick interval.
type TickManager struct {
	interval time.Duration
	mu       sync.Mutex
	ticks    map[int64]func()
}

// NewTickManager returns a manager that fires ticks every interval.
//
// Precondition: interval must be > 0.
func NewTickManager(interval time.Duration) *TickManager {
	if interval <= 0 {
		panic("gemhunt.NewTickManager: interval must be > 0")
	}
	return &TickManager{
		interval: interval,
		ticks:    make(map[int64]func()),
	}
}

// RegisterTick registers fn for matchID, replacing any existing callback.
func (m *TickManager) RegisterTick(matchID int64, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[matchID] = fn
}

// Unregister removes the callback for matchID. Unknown ids are ignored.
func (m *TickManager) Unregister(matchID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ticks, matchID)
}

// Len returns the number of registered callbacks.
func (m *TickManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

// Interval returns the tick period.
func (m *TickManager) Interval() time.Duration {
	return m.interval
}

// Start begins the tick loop in a new goroutine. It runs until ctx is cancelled.
//
// Postcondition: all registered callbacks are invoked once per interval.
func (m *TickManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.fire()
			}
		}
	}()
}

// fire snapshots the callbacks so a callback may unregister itself.
func (m *TickManager) fire() {
	m.mu.Lock()
	callbacks := make([]func(), 0, len(m.ticks))
	for _, fn := range m.ticks {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
