package testutil

import (
	"context"
	"testing"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
)

// NewStore returns an event store over a fresh in-memory adapter.
func NewStore(t testing.TB) (*kin.EventStore, *memory.MemoryAdapter) {
	t.Helper()
	adapter := memory.NewAdapter()
	t.Cleanup(func() { _ = adapter.Close() })
	return kin.New(adapter), adapter
}

// SeedTask appends payloads by actorID to a new task stream and returns
// the stored records.
func SeedTask(t testing.TB, store *kin.EventStore, tenantID, taskID, actorID string, payloads ...kin.Payload) []adapters.StoredEvent {
	t.Helper()
	ctx := context.Background()

	events := make([]kin.Event, len(payloads))
	for i, p := range payloads {
		events[i] = kin.Event{ActorID: actorID, Payload: p}
	}
	if _, err := store.Append(ctx, tenantID, taskID, adapters.NoStream, events); err != nil {
		t.Fatalf("seed %s/%s: %v", tenantID, taskID, err)
	}

	stored, err := store.ReadRaw(ctx, tenantID, taskID, 0)
	if err != nil {
		t.Fatalf("read %s/%s: %v", tenantID, taskID, err)
	}
	return stored
}

// Lifecycle returns the payloads of a task created, assigned to assignee
// and completed.
func Lifecycle(title, assignee string) []kin.Payload {
	return []kin.Payload{
		kin.TaskCreated{Title: title, Tags: []string{}},
		kin.TaskAssigned{AssigneeID: assignee},
		kin.TaskCompleted{},
	}
}

// Corrupt returns a copy of se whose payload cannot be decoded.
func Corrupt(se adapters.StoredEvent) adapters.StoredEvent {
	se.Data = []byte("{not json")
	return se
}
