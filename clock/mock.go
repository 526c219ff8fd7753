package clock

import (
	"sync"
	"time"
)

// MockTimeProvider is a TimeProvider whose clock only moves when told to.
// Tickers and timers it creates are real but never fire on their own; tests
// drive the roster through Tick and RunDue instead.
//
//	mockTime := clock.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
//	mockTime.Advance(6 * time.Second)
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockTimeProvider creates a MockTimeProvider starting at the specified time.
func NewMockTimeProvider(startTime time.Time) *MockTimeProvider {
	return &MockTimeProvider{currentTime: startTime}
}

// Now returns the mock's current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Advance moves the mock time forward by the specified duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// Set updates the mock time to the specified time.
func (m *MockTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// NewTicker returns a stopped ticker.
func (m *MockTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	t := time.NewTicker(d)
	t.Stop()
	return t
}

// NewTimer returns a stopped timer.
func (m *MockTimeProvider) NewTimer(d time.Duration) *time.Timer {
	t := time.NewTimer(d)
	t.Stop()
	return t
}
