// Package export provides mock implementations for testing.
package export

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockService is a mock ServiceInterface for scheduler and handler tests.
type MockService struct {
	mu            sync.Mutex
	shouldSucceed bool
	runDelay      time.Duration
	runCalled     bool
	callCount     int
	result        *Result
}

// NewMockService creates a mock that succeeds by default.
func NewMockService() *MockService {
	return &MockService{
		shouldSucceed: true,
		result: &Result{
			FilePath:  "mock_archive.tar.gz",
			SizeBytes: 1024,
			RowCount:  3,
			Checksum:  "mock-checksum-12345",
			Duration:  10 * time.Millisecond,
		},
	}
}

// Run performs a mock archive pass.
func (m *MockService) Run(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	m.runCalled = true
	m.callCount++
	delay := m.runDelay
	succeed := m.shouldSucceed
	result := *m.result
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !succeed {
		return nil, fmt.Errorf("mock archive run failed")
	}
	return &result, nil
}

// SetShouldSucceed controls whether Run will succeed.
func (m *MockService) SetShouldSucceed(shouldSucceed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldSucceed = shouldSucceed
}

// SetRunDelay sets a delay for Run (useful for cancellation tests).
func (m *MockService) SetRunDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runDelay = delay
}

// SetResult overrides the result successful runs return.
func (m *MockService) SetResult(result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// WasRunCalled reports whether Run was called.
func (m *MockService) WasRunCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalled
}

// GetCallCount returns the number of Run calls.
func (m *MockService) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset clears recorded calls.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCalled = false
	m.callCount = 0
}
