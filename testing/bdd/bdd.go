// Package bdd provides Given-When-Then fixtures for family task commands.
// A fixture seeds a task stream with historical events, runs one command
// through a real processor over an in-memory store, and asserts on the
// events that command appended.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// DefaultActor authors given events unless By is used.
const DefaultActor = "alice"

// TaskFixture provides BDD-style testing for one task stream.
type TaskFixture struct {
	t        TB
	ctx      context.Context
	tenantID string
	taskID   string
	actorID  string
	given    []kin.Payload
	opts     []kin.ProcessorOption

	adapter *memory.MemoryAdapter
	store   *kin.EventStore

	result   *kin.Result
	err      error
	executed bool
}

// Given starts a fixture for tenantID/taskID whose stream already holds
// events. With no events the stream does not exist.
func Given(t TB, tenantID, taskID string, events ...kin.Payload) *TaskFixture {
	t.Helper()
	adapter := memory.NewAdapter()
	return &TaskFixture{
		t:        t,
		ctx:      context.Background(),
		tenantID: tenantID,
		taskID:   taskID,
		actorID:  DefaultActor,
		given:    events,
		adapter:  adapter,
		store:    kin.New(adapter),
	}
}

// By sets the actor of the given events.
func (f *TaskFixture) By(actorID string) *TaskFixture {
	f.actorID = actorID
	return f
}

// WithContext sets a custom context for the command execution.
func (f *TaskFixture) WithContext(ctx context.Context) *TaskFixture {
	f.ctx = ctx
	return f
}

// WithProcessorOptions configures the processor built by When.
func (f *TaskFixture) WithProcessorOptions(opts ...kin.ProcessorOption) *TaskFixture {
	f.opts = append(f.opts, opts...)
	return f
}

// Store returns the fixture's event store.
func (f *TaskFixture) Store() *kin.EventStore {
	return f.store
}

// When stores the given events and handles cmd.
func (f *TaskFixture) When(cmd kin.Command) *TaskFixture {
	f.t.Helper()

	if len(f.given) > 0 {
		events := make([]kin.Event, len(f.given))
		for i, p := range f.given {
			events[i] = kin.Event{ActorID: f.actorID, Payload: p}
		}
		if _, err := f.store.Append(f.ctx, f.tenantID, f.taskID, adapters.NoStream, events); err != nil {
			f.t.Fatalf("Failed to store given events: %v", err)
		}
	}

	f.result, f.err = kin.NewProcessor(f.store, f.opts...).Handle(f.ctx, cmd)
	f.executed = true
	return f
}

func (f *TaskFixture) mustHaveRun(method string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: " + method + "() must be called after When() - no command was handled")
	}
}

func (f *TaskFixture) streamID() string {
	if f.result != nil && f.result.TaskID != "" {
		return f.result.TaskID
	}
	return f.taskID
}

// appended returns the events the command added after the given ones.
func (f *TaskFixture) appended() []kin.Event {
	f.t.Helper()
	if f.streamID() == "" {
		return nil
	}
	events, err := f.store.Read(f.ctx, f.tenantID, f.streamID())
	if err != nil {
		if errors.Is(err, kin.ErrStreamNotFound) || kin.KindOf(err) == kin.KindNotFound {
			return nil
		}
		f.t.Fatalf("Failed to read stream: %v", err)
	}
	if len(events) < len(f.given) {
		f.t.Fatalf("Stream shrank: %d given events, %d stored", len(f.given), len(events))
	}
	return events[len(f.given):]
}

// Then asserts that the command succeeded and appended exactly expected.
func (f *TaskFixture) Then(expected ...kin.Payload) *TaskFixture {
	f.t.Helper()
	f.mustHaveRun("Then")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}

	actual := f.appended()
	if len(actual) != len(expected) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(actual), expected, payloads(actual))
	}
	for i, want := range expected {
		if !reflect.DeepEqual(actual[i].Payload, want) {
			f.t.Errorf("Event %d mismatch:\nExpected: %#v\nActual: %#v", i, want, actual[i].Payload)
		}
	}
	return f
}

// ThenKinds asserts that the command succeeded and appended events of
// exactly these kinds.
func (f *TaskFixture) ThenKinds(kinds ...kin.EventKind) *TaskFixture {
	f.t.Helper()
	f.mustHaveRun("ThenKinds")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}

	actual := f.appended()
	got := make([]kin.EventKind, len(actual))
	for i, e := range actual {
		got[i] = e.Kind
	}
	if !reflect.DeepEqual(got, kinds) {
		f.t.Errorf("Expected kinds %v, got %v", kinds, got)
	}
	return f
}

// ThenTask runs check against the state after the command.
func (f *TaskFixture) ThenTask(check func(t TB, task *kin.Task)) *TaskFixture {
	f.t.Helper()
	f.mustHaveRun("ThenTask")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if f.result == nil || f.result.Task == nil {
		f.t.Fatal("Expected a task in the result")
	}
	check(f.t, f.result.Task)
	return f
}

// ThenVersion asserts the stream version after the command.
func (f *TaskFixture) ThenVersion(expected int64) *TaskFixture {
	f.t.Helper()
	f.mustHaveRun("ThenVersion")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

// ThenError asserts that the command failed with an error matching target
// and appended nothing.
func (f *TaskFixture) ThenError(target error) {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("Expected error %v, got %v", target, f.err)
	}
	f.ThenNoEvents()
}

// ThenErrorKind asserts that the command failed with an error of kind.
func (f *TaskFixture) ThenErrorKind(kind kin.ErrorKind) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorKind")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if got := kin.KindOf(f.err); got != kind {
		f.t.Errorf("Expected error kind %q, got %q (%v)", kind, got, f.err)
	}
	f.ThenNoEvents()
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TaskFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(f.err.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.err.Error())
	}
}

// ThenNoEvents asserts that the stream holds only the given events.
func (f *TaskFixture) ThenNoEvents() {
	f.t.Helper()
	f.mustHaveRun("ThenNoEvents")

	if actual := f.appended(); len(actual) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(actual), payloads(actual))
	}
}

func payloads(events []kin.Event) []kin.Payload {
	out := make([]kin.Payload, len(events))
	for i, e := range events {
		out[i] = e.Payload
	}
	return out
}
