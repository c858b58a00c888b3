// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timeutil provides a testable abstraction over the wall clock used
// to timestamp simulated commands, scans and odometry.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
}

// Utime converts t to the microsecond timestamps carried by simulator messages.
func Utime(t time.Time) int64 {
	return t.UnixMicro()
}

// FromUtime is the inverse of Utime.
func FromUtime(us int64) time.Time {
	return time.UnixMicro(us)
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MockClock is a manually controlled clock for testing.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []mockWaiter
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock clock to a specific time and fires expired waiters.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
	c.fire()
}

// Advance moves the mock clock forward by d and fires expired waiters.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.fire()
}

// After returns a channel that receives the mocked time once the clock has
// been advanced past d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, mockWaiter{deadline: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	c.fire()
	return ch
}

func (c *MockClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}
