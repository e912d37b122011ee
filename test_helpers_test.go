package kin

// test_helpers_test.go contains shared test doubles and utilities for kin package tests.

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

// testLogger is a shared test implementation of Logger.
type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

func (l *testLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

// =============================================================================
// Clock and event fixtures
// =============================================================================

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stream builds a positioned event sequence for one task. Ids sort in order.
func stream(tenantID, taskID string, payloads ...Payload) []Event {
	events := make([]Event, len(payloads))
	for i, p := range payloads {
		e := NewEvent(tenantID, taskID, "alice", p)
		e.ID = fmt.Sprintf("evt-%04d", i+1)
		e.Version = int64(i + 1)
		e.Timestamp = testEpoch.Add(time.Duration(i) * time.Minute)
		events[i] = e
	}
	return events
}

func strPtr(s string) *string { return &s }

func tagsPtr(tags ...string) *[]string { return &tags }
