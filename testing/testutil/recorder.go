// Package testutil provides test doubles and fixtures for kin tests.
package testutil

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// RecordingT is a testing.TB that collects failures instead of reporting
// them, so fixture assertions can themselves be asserted on. Fatal and
// FailNow end the calling goroutine; run fixtures through Record.
type RecordingT struct {
	testing.TB

	mu       sync.Mutex
	failures []string
	logs     []string
	failed   bool
	stopped  bool
}

// Record runs fn against a fresh RecordingT and returns it once fn has
// returned or stopped.
func Record(fn func(t *RecordingT)) *RecordingT {
	rt := &RecordingT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(rt)
	}()
	<-done
	return rt
}

func (r *RecordingT) fail(stop bool, msg string) {
	r.mu.Lock()
	r.failed = true
	r.stopped = r.stopped || stop
	if msg != "" {
		r.failures = append(r.failures, msg)
	}
	r.mu.Unlock()
	if stop {
		runtime.Goexit()
	}
}

func (r *RecordingT) Helper()      {}
func (r *RecordingT) Name() string { return "recording" }

func (r *RecordingT) Error(args ...any)                 { r.fail(false, fmt.Sprint(args...)) }
func (r *RecordingT) Errorf(format string, args ...any) { r.fail(false, fmt.Sprintf(format, args...)) }
func (r *RecordingT) Fatal(args ...any)                 { r.fail(true, fmt.Sprint(args...)) }
func (r *RecordingT) Fatalf(format string, args ...any) { r.fail(true, fmt.Sprintf(format, args...)) }
func (r *RecordingT) Fail()                             { r.fail(false, "") }
func (r *RecordingT) FailNow()                          { r.fail(true, "") }

func (r *RecordingT) Log(args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, fmt.Sprint(args...))
}

func (r *RecordingT) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

// Failed reports whether any failure was recorded.
func (r *RecordingT) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Stopped reports whether the run ended through Fatal or FailNow.
func (r *RecordingT) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Failures returns the recorded failure messages in order.
func (r *RecordingT) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

// Logs returns what was passed to Log and Logf.
func (r *RecordingT) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

// Report joins every failure message, one per line.
func (r *RecordingT) Report() string {
	return strings.Join(r.Failures(), "\n")
}
