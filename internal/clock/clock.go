// Package clock abstracts time so accounting windows and flush loops can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Ticker is an interface for time.Ticker to allow mocking.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TimeProvider provides time-related functionality for dependency injection.
type TimeProvider interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Real implements TimeProvider using the wall clock.
type Real struct{}

// NewTicker creates a new ticker.
func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

type realTicker struct {
	ticker *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.ticker.C }
func (r *realTicker) Stop()               { r.ticker.Stop() }

// Mock is a manually advanced clock. Tickers it creates only fire on Tick.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

// NewMock returns a clock frozen at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
}

// NewTicker returns a ticker fired by Tick.
func (m *Mock) NewTicker(time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &MockTicker{TickChan: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)

	return t
}

// Now returns the mocked time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

// Tick advances the clock by d and fires every live ticker once.
// A ticker whose previous tick is still unread drops this one, like time.Ticker.
func (m *Mock) Tick(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*MockTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, t := range tickers {
		t.fire(now)
	}
}

// MockTicker is a mock implementation of Ticker for testing.
type MockTicker struct {
	TickChan chan time.Time

	mu      sync.Mutex
	stopped bool
}

// C returns the ticker's channel.
func (m *MockTicker) C() <-chan time.Time {
	return m.TickChan
}

// Stop stops the ticker. The channel is left open, matching time.Ticker.
func (m *MockTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
}

func (m *MockTicker) fire(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	select {
	case m.TickChan <- now:
	default:
	}
}
