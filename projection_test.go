package kin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
)

// appendRaw appends payloads to a task stream and returns what was stored.
func appendRaw(t *testing.T, store *EventStore, taskID string, payloads ...Payload) []adapters.StoredEvent {
	t.Helper()
	ctx := context.Background()
	events := make([]Event, len(payloads))
	for i, p := range payloads {
		events[i] = payloadEvent(p)
	}
	before, err := store.StreamVersion(ctx, "fam", taskID)
	require.NoError(t, err)
	_, err = store.Append(ctx, "fam", taskID, adapters.AnyVersion, events)
	require.NoError(t, err)
	raw, err := store.ReadRaw(ctx, "fam", taskID, before)
	require.NoError(t, err)
	return raw
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveProjection(kind EventKind, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, string(kind)+":"+outcome)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *DeadLetter) error { return errors.New("queue unavailable") }
func (failingPublisher) Destination() string                       { return "broken" }

func newProjectionFixture(opts ...ProjectionOption) (*EventStore, *memory.MemoryAdapter, *ProjectionUpdater, *ChannelDeadLetters) {
	adapter := memory.NewAdapter()
	dl := NewChannelDeadLetters(0)
	opts = append([]ProjectionOption{WithDeadLetters(dl)}, opts...)
	return New(adapter), adapter, NewProjectionUpdater(adapter, opts...), dl
}

func TestProjectionUpdater_CreateThenComplete(t *testing.T) {
	ctx := context.Background()
	store, adapter, updater, _ := newProjectionFixture()

	raw := appendRaw(t, store, "t1", TaskCreated{Title: "Buy milk", Tags: []string{}}, TaskCompleted{})

	result := updater.ApplyBatch(ctx, raw)
	assert.Equal(t, 2, result.Applied)
	assert.Empty(t, result.Failures)

	row, err := adapter.GetRow(ctx, adapters.NewStreamKey("fam", "t1"))
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", row.Title)
	assert.Equal(t, adapters.StatusCompleted, row.Status)
	assert.False(t, row.Active)
	assert.Equal(t, int64(2), row.Version)
	assert.Equal(t, raw[1].ID, row.LastEventID)

	active, err := NewProjectionQuery(adapter).ListActive(ctx, "fam", 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The projection agrees with a replay of the stream.
	events, err := store.Read(ctx, "fam", "t1")
	require.NoError(t, err)
	task, err := NewReconstructor().Reconstruct(events, nil)
	require.NoError(t, err)
	assert.Equal(t, task.Row(), row)

	t.Run("reopen returns the row to the active index", func(t *testing.T) {
		reopened := appendRaw(t, store, "t1", TaskReopened{})
		require.Equal(t, 1, updater.ApplyBatch(ctx, reopened).Applied)

		active, err := NewProjectionQuery(adapter).ListActive(ctx, "fam", 0)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "t1", active[0].AggregateID)
		assert.True(t, active[0].Active)
		assert.Equal(t, adapters.StatusActive, active[0].Status)
		assert.Nil(t, active[0].CompletedAt)
		assert.Equal(t, int64(3), active[0].Version)
	})
}

func TestProjectionUpdater_Idempotency(t *testing.T) {
	ctx := context.Background()
	store, adapter, updater, _ := newProjectionFixture()

	raw := appendRaw(t, store, "t1",
		TaskCreated{Title: "Buy milk", Tags: []string{"shopping"}},
		TaskAssigned{AssigneeID: "alice"},
		TaskUpdated{Title: strPtr("Buy oat milk")},
		TaskCompleted{},
	)

	first := updater.ApplyBatch(ctx, raw)
	require.Equal(t, 4, first.Applied)
	want, err := adapter.GetRow(ctx, adapters.NewStreamKey("fam", "t1"))
	require.NoError(t, err)

	t.Run("replaying the batch changes nothing", func(t *testing.T) {
		again := updater.ApplyBatch(ctx, raw)
		assert.Equal(t, 0, again.Applied)
		assert.Equal(t, 4, again.Skipped)

		got, err := adapter.GetRow(ctx, adapters.NewStreamKey("fam", "t1"))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("duplicated deliveries converge on the same row", func(t *testing.T) {
		_, adapter2, updater2, _ := newProjectionFixture()
		dupes := []adapters.StoredEvent{raw[0], raw[0], raw[1], raw[0], raw[2], raw[1], raw[3], raw[3], raw[2]}
		result := updater2.ApplyBatch(ctx, dupes)
		assert.Equal(t, 4, result.Applied)
		assert.Equal(t, 5, result.Skipped)

		got, err := adapter2.GetRow(ctx, adapters.NewStreamKey("fam", "t1"))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestProjectionUpdater_Gaps(t *testing.T) {
	ctx := context.Background()

	t.Run("event before creation is retried", func(t *testing.T) {
		store, _, updater, dl := newProjectionFixture()
		raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}}, TaskCompleted{})

		outcome, err := updater.ApplyStored(ctx, raw[1], 1)
		assert.Equal(t, OutcomeRetry, outcome)
		assert.ErrorIs(t, err, ErrProjectionGap)
		assert.Equal(t, KindTransient, KindOf(err))
		assert.Equal(t, 0, dl.Len())
	})

	t.Run("skipped version is retried then applied in order", func(t *testing.T) {
		store, adapter, updater, _ := newProjectionFixture()
		raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}}, TaskAssigned{AssigneeID: "bob"}, TaskCompleted{})

		_, err := updater.ApplyStored(ctx, raw[0], 1)
		require.NoError(t, err)
		outcome, err := updater.ApplyStored(ctx, raw[2], 1)
		assert.Equal(t, OutcomeRetry, outcome)
		assert.ErrorIs(t, err, ErrProjectionGap)

		for _, se := range raw[1:] {
			outcome, err := updater.ApplyStored(ctx, se, 2)
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, outcome)
		}
		row, err := adapter.GetRow(ctx, adapters.NewStreamKey("fam", "t1"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), row.Version)
	})
}

func TestProjectionUpdater_DeadLetters(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt sequence is dead-lettered", func(t *testing.T) {
		store, _, updater, dl := newProjectionFixture()
		raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}}, TaskCreated{Title: "b", Tags: []string{}})

		result := updater.ApplyBatch(ctx, raw)
		assert.Equal(t, 1, result.Applied)
		assert.Equal(t, 1, result.DeadLettered)

		letters := dl.Letters()
		require.Len(t, letters, 1)
		assert.Equal(t, raw[1].ID, letters[0].Event.ID)
		assert.Equal(t, KindCorrupt, letters[0].Kind)
		assert.Equal(t, 1, letters[0].Attempts)
	})

	t.Run("malformed payload is dead-lettered", func(t *testing.T) {
		_, _, updater, dl := newProjectionFixture()
		se := adapters.StoredEvent{
			ID: "e1", TenantID: "fam", AggregateID: "t1",
			Kind: "task.created", SchemaVersion: 2, Data: []byte(`{"title":`), Version: 1,
		}
		outcome, err := updater.ApplyStored(ctx, se, 3)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeadLettered, outcome)
		assert.Equal(t, 3, dl.Letters()[0].Attempts)
	})

	t.Run("unknown kinds follow the reconstructor policy", func(t *testing.T) {
		unknown := func(id string) adapters.StoredEvent {
			return adapters.StoredEvent{ID: id, TenantID: "fam", AggregateID: "t1", Kind: "task.archived", SchemaVersion: 1, Version: 2}
		}

		store, _, skip, _ := newProjectionFixture()
		raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}})
		require.Equal(t, 1, skip.ApplyBatch(ctx, raw).Applied)
		outcome, err := skip.ApplyStored(ctx, unknown("zzz-unknown"), 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		store, _, reject, dl := newProjectionFixture(WithProjectionReconstructor(NewReconstructor(WithUnknownKindPolicy(RejectUnknownKinds))))
		raw = appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}})
		require.Equal(t, 1, reject.ApplyBatch(ctx, raw).Applied)
		outcome, err = reject.ApplyStored(ctx, unknown("zzz-unknown"), 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeadLettered, outcome)
		assert.Equal(t, 1, dl.Len())
	})

	t.Run("failed dead-letter publish is retried", func(t *testing.T) {
		store, _, updater, _ := newProjectionFixture(WithDeadLetters(failingPublisher{}))
		raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}}, TaskCreated{Title: "b", Tags: []string{}})

		result := updater.ApplyBatch(ctx, raw)
		assert.Equal(t, []string{raw[1].ID}, result.Failures)
		assert.Equal(t, "broken", updater.DeadLetters().Destination())
	})
}

func TestProjectionUpdater_TransientStorage(t *testing.T) {
	ctx := context.Background()
	store, adapter, updater, dl := newProjectionFixture()
	raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}})

	adapter.FailNext(memory.OpPutRow, errors.New("connection reset"))
	outcome, err := updater.ApplyStored(ctx, raw[0], 1)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.ErrorIs(t, err, ErrTransient)

	adapter.FailNext(memory.OpGetRow, errors.New("connection reset"))
	outcome, _ = updater.ApplyStored(ctx, raw[0], 2)
	assert.Equal(t, OutcomeRetry, outcome)

	outcome, err = updater.ApplyStored(ctx, raw[0], 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 0, dl.Len())
}

func TestProjectionUpdater_Observer(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	store, _, updater, _ := newProjectionFixture(WithProjectionObserver(observer))
	raw := appendRaw(t, store, "t1", TaskCreated{Title: "a", Tags: []string{}})

	updater.ApplyBatch(ctx, raw)
	updater.ApplyBatch(ctx, raw)
	assert.Equal(t, []string{"task.created:applied", "task.created:skipped"}, observer.outcomes)
}

func TestProjectionQuery(t *testing.T) {
	ctx := context.Background()
	store, adapter, updater, _ := newProjectionFixture()

	for _, id := range []string{"t3", "t1", "t2"} {
		updater.ApplyBatch(ctx, appendRaw(t, store, id, TaskCreated{Title: "task " + id, Tags: []string{}}))
	}
	updater.ApplyBatch(ctx, appendRaw(t, store, "t2", TaskDeleted{Reason: "dup"}))

	query := NewProjectionQuery(adapter)

	active, err := query.ListActive(ctx, "fam", 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "t1", active[0].AggregateID)
	assert.Equal(t, "t3", active[1].AggregateID)

	row, err := query.Get(ctx, "fam", "t1")
	require.NoError(t, err)
	assert.Equal(t, "task t1", row.Title)

	_, err = query.Get(ctx, "fam", "t2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = query.Get(ctx, "fam", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := query.ListActive(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}
