// Package timeutil provides a small abstraction over the system clock so
// time-dependent logic can be driven deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time. Production code uses Default;
// tests substitute a Mock to control the clock.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// Mock is a Provider whose current time is set explicitly.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a Mock provider frozen at the given instant.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the mock clock to the given instant.
func (m *Mock) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
