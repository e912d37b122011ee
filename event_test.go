package kin

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

func TestEventKinds(t *testing.T) {
	t.Run("known kinds", func(t *testing.T) {
		for _, k := range KnownKinds {
			assert.True(t, k.IsKnown(), k)
		}
		assert.False(t, EventKind("task.archived").IsKnown())
	})

	t.Run("payloads report their kind", func(t *testing.T) {
		assert.Equal(t, KindTaskCreated, TaskCreated{}.EventKind())
		assert.Equal(t, KindTaskUpdated, TaskUpdated{}.EventKind())
		assert.Equal(t, KindTaskCompleted, TaskCompleted{}.EventKind())
		assert.Equal(t, KindTaskReopened, TaskReopened{}.EventKind())
		assert.Equal(t, KindTaskDeleted, TaskDeleted{}.EventKind())
		assert.Equal(t, KindTaskAssigned, TaskAssigned{}.EventKind())
		assert.Equal(t, EventKind("x.y"), UnknownPayload{Kind: "x.y"}.EventKind())
	})

	t.Run("NewEvent stamps kind and schema", func(t *testing.T) {
		e := NewEvent("fam", "t1", "alice", TaskCreated{Title: "a"})
		assert.Equal(t, KindTaskCreated, e.Kind)
		assert.Equal(t, 2, e.SchemaVersion)
		assert.Equal(t, adapters.NewStreamKey("fam", "t1"), e.Key())
	})
}

func TestEventIDs(t *testing.T) {
	t.Run("ids are strictly increasing", func(t *testing.T) {
		prev := NewEventID()
		for i := 0; i < 1000; i++ {
			next := NewEventID()
			require.Equal(t, 1, CompareEventIDs(next, prev))
			prev = next
		}
	})

	t.Run("NextEventID sorts after an id from the future", func(t *testing.T) {
		future := uuid.Must(uuid.NewV7())
		ms := uint64(time.Now().Add(time.Hour).UnixMilli())
		for i := 0; i < 6; i++ {
			future[5-i] = byte(ms >> (8 * i))
		}

		next := NextEventID(future.String())
		assert.Equal(t, 1, CompareEventIDs(next, future.String()))
		parsed, err := uuid.Parse(next)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
	})

	t.Run("NextEventID ignores ids that are not UUIDv7", func(t *testing.T) {
		assert.Len(t, NextEventID("zzz-not-a-uuid"), 36)
	})

	t.Run("NextEventID with empty previous returns a fresh id", func(t *testing.T) {
		assert.Len(t, NextEventID(""), 36)
	})
}

func TestEncodeDecodeEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("known payload survives the codec", func(t *testing.T) {
		e := NewEvent("fam", "t1", "alice", TaskUpdated{Title: strPtr("Buy oat milk"), Tags: tagsPtr("shopping")})
		e.ID = "e1"
		e.Timestamp = ts
		e.Metadata = adapters.Metadata{CorrelationID: "req-1", CausationID: "cmd-1"}

		rec, err := EncodeEvent(e)
		require.NoError(t, err)
		assert.Equal(t, "task.updated", rec.Kind)
		assert.Equal(t, 1, rec.SchemaVersion)
		assert.JSONEq(t, `{"title":"Buy oat milk","tags":["shopping"]}`, string(rec.Data))

		decoded, err := DecodeEvent(adapters.StoredEvent{
			ID: rec.ID, TenantID: "fam", AggregateID: "t1", Kind: rec.Kind,
			SchemaVersion: rec.SchemaVersion, ActorID: rec.ActorID, Data: rec.Data,
			Metadata: rec.Metadata, Timestamp: rec.Timestamp, Version: 3, GlobalPosition: 9,
		})
		require.NoError(t, err)
		assert.Equal(t, e.Payload, decoded.Payload)
		assert.Equal(t, int64(3), decoded.Version)
		assert.Equal(t, uint64(9), decoded.GlobalPosition)
		assert.Equal(t, "cmd-1", decoded.Metadata.CausationID)
	})

	t.Run("unknown payload cannot be appended", func(t *testing.T) {
		e := Event{Payload: UnknownPayload{Kind: "task.archived"}}
		_, err := EncodeEvent(e)
		assert.ErrorIs(t, err, ErrUnknownEventKind)
	})

	t.Run("missing payload is a validation error", func(t *testing.T) {
		_, err := EncodeEvent(Event{})
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("unknown kind decodes to UnknownPayload", func(t *testing.T) {
		e, err := DecodeEvent(adapters.StoredEvent{ID: "e1", Kind: "task.archived", SchemaVersion: 1, Data: []byte(`{"x":1}`)})
		require.NoError(t, err)
		p, ok := e.Payload.(UnknownPayload)
		require.True(t, ok)
		assert.Equal(t, EventKind("task.archived"), p.Kind)
		assert.JSONEq(t, `{"x":1}`, string(p.Raw))
	})

	t.Run("future schema decodes to UnknownPayload", func(t *testing.T) {
		e, err := DecodeEvent(adapters.StoredEvent{ID: "e1", Kind: "task.completed", SchemaVersion: 9, Data: []byte(`{}`)})
		require.NoError(t, err)
		_, ok := e.Payload.(UnknownPayload)
		assert.True(t, ok)
	})

	t.Run("created schema 1 is upcast", func(t *testing.T) {
		e, err := DecodeEvent(adapters.StoredEvent{
			ID: "e1", TenantID: "fam", AggregateID: "t1",
			Kind: "task.created", SchemaVersion: 1, Data: []byte(`{"title":"Walk dog"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, e.SchemaVersion)
		p := e.Payload.(TaskCreated)
		assert.Equal(t, "Walk dog", p.Title)
		assert.NotNil(t, p.Tags)
		assert.Empty(t, p.Tags)
	})

	t.Run("malformed known payload is corrupt", func(t *testing.T) {
		_, err := DecodeEvent(adapters.StoredEvent{
			ID: "e7", TenantID: "fam", AggregateID: "t1",
			Kind: "task.assigned", SchemaVersion: 1, Data: []byte(`{"assigneeId":`),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCorruptStream)

		var corrupt *CorruptStreamError
		require.True(t, errors.As(err, &corrupt))
		assert.Equal(t, "e7", corrupt.EventID)
		var syntax *json.SyntaxError
		assert.True(t, errors.As(err, &syntax))
	})

	t.Run("empty data decodes for payloads without fields", func(t *testing.T) {
		e, err := DecodeEvent(adapters.StoredEvent{ID: "e1", Kind: "task.completed", SchemaVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted{}, e.Payload)
	})

	t.Run("DecodeEvents stops at the first error", func(t *testing.T) {
		_, err := DecodeEvents([]adapters.StoredEvent{
			{ID: "e1", Kind: "task.completed", SchemaVersion: 1},
			{ID: "e2", Kind: "task.deleted", SchemaVersion: 1, Data: []byte(`[`)},
		})
		assert.ErrorIs(t, err, ErrCorruptStream)
	})
}
