package kin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
)

type snapshotFixture struct {
	clock     *testClock
	logger    *testLogger
	adapter   *memory.MemoryAdapter
	store     *EventStore
	manager   *SnapshotManager
	processor *Processor
}

func newSnapshotFixture(t *testing.T, policy SnapshotPolicy) *snapshotFixture {
	t.Helper()
	f := &snapshotFixture{clock: newTestClock(), logger: newTestLogger()}
	f.adapter = memory.NewAdapter(memory.WithClock(f.clock.Now))
	f.store = New(f.adapter, WithClock(f.clock.Now), WithLogger(f.logger))
	f.manager = NewSnapshotManager(f.store, f.adapter,
		WithSnapshotPolicy(policy),
		WithSnapshotClock(f.clock.Now),
		WithSnapshotLogger(f.logger),
	)
	f.processor = NewProcessor(f.store, WithLoader(f.manager.Loader()), WithRetryPolicy(fastRetry(4)))
	return f
}

func (f *snapshotFixture) create(t *testing.T) string {
	t.Helper()
	return createTask(t, f.processor, "Buy milk").TaskID
}

func (f *snapshotFixture) handle(t *testing.T, cmd Command) {
	t.Helper()
	_, err := f.processor.Handle(context.Background(), cmd)
	require.NoError(t, err)
}

func (f *snapshotFixture) fullReplay(t *testing.T, id string) *Task {
	t.Helper()
	events, err := f.store.Read(context.Background(), "fam", id)
	require.NoError(t, err)
	task, err := NewReconstructor().Reconstruct(events, nil)
	require.NoError(t, err)
	return task
}

func TestSnapshotManager_CountTrigger(t *testing.T) {
	ctx := context.Background()
	f := newSnapshotFixture(t, SnapshotPolicy{EventThreshold: 3, ExpiryGrace: time.Hour})
	id := f.create(t)

	decision, snap, err := f.manager.MaybeSnapshot(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, decision.Trigger)
	assert.Nil(t, snap)
	assert.Equal(t, int64(2), decision.EventsSinceCutoff)

	f.handle(t, CompleteTask{CommandBase: base(id)})

	decision, snap, err = f.manager.MaybeSnapshot(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerCount, decision.Trigger)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Version)

	status, err := f.manager.State(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, HasSnapshot, status.State)
	assert.Equal(t, "has_snapshot", status.State.String())
	assert.Equal(t, snap.CutoffEventID, status.CutoffEventID)

	events, err := f.store.Read(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].ID, status.CutoffEventID)

	decision, err = f.manager.Evaluate(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, decision.Trigger)
	assert.Equal(t, int64(0), decision.EventsSinceCutoff)
}

func TestSnapshotManager_AgeTrigger(t *testing.T) {
	ctx := context.Background()
	f := newSnapshotFixture(t, SnapshotPolicy{EventThreshold: 100, MaxAge: time.Hour, ExpiryGrace: time.Hour})
	id := f.create(t)

	decision, err := f.manager.Evaluate(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, decision.Trigger)

	f.clock.Advance(2 * time.Hour)
	decision, snap, err := f.manager.MaybeSnapshot(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerAge, decision.Trigger)
	assert.Equal(t, 2*time.Hour, decision.Age)
	require.NotNil(t, snap)

	// An old snapshot with nothing new after it is left alone.
	f.clock.Advance(2 * time.Hour)
	decision, err = f.manager.Evaluate(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerNone, decision.Trigger)

	f.handle(t, CompleteTask{CommandBase: base(id)})
	decision, err = f.manager.Evaluate(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, TriggerAge, decision.Trigger)
}

func TestSnapshotManager_Take(t *testing.T) {
	ctx := context.Background()
	f := newSnapshotFixture(t, DefaultSnapshotPolicy())

	t.Run("missing task", func(t *testing.T) {
		_, err := f.manager.Take(ctx, "fam", "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = f.manager.Evaluate(ctx, "fam", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("forced snapshot and up to date", func(t *testing.T) {
		id := f.create(t)
		snap, err := f.manager.Take(ctx, "fam", id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Version)

		_, err = f.manager.Take(ctx, "fam", id)
		assert.ErrorIs(t, err, ErrSnapshotUpToDate)
	})

	t.Run("no snapshot state", func(t *testing.T) {
		status, err := f.manager.State(ctx, "fam", "missing")
		require.NoError(t, err)
		assert.Equal(t, NoSnapshot, status.State)
	})

	t.Run("save failure is reported", func(t *testing.T) {
		id := f.create(t)
		f.adapter.FailNext(memory.OpSaveSnapshot, NewTransientError("save", assert.AnError))
		_, err := f.manager.Take(ctx, "fam", id)
		assert.ErrorIs(t, err, ErrTransient)
	})
}

func TestSnapshotManager_Equivalence(t *testing.T) {
	ctx := context.Background()
	f := newSnapshotFixture(t, SnapshotPolicy{EventThreshold: 1, ExpiryGrace: time.Hour})
	id := f.create(t)
	cb := base(id)

	commands := []Command{
		UpdateTask{CommandBase: cb, Description: strPtr("2 litres"), Tags: tagsPtr("shopping")},
		AssignTask{CommandBase: cb, AssigneeID: "bob"},
		CompleteTask{CommandBase: cb},
		ReopenTask{CommandBase: cb},
		UpdateTask{CommandBase: cb, Title: strPtr("Buy oat milk")},
	}
	for i, cmd := range commands {
		f.clock.Advance(time.Minute)
		f.handle(t, cmd)

		// Snapshot every other step so loads mix snapshot and delta.
		if i%2 == 0 {
			_, snap, err := f.manager.MaybeSnapshot(ctx, "fam", id)
			require.NoError(t, err)
			require.NotNil(t, snap)
		}

		loaded, err := f.manager.Loader().Load(ctx, "fam", id)
		require.NoError(t, err)
		assert.Equal(t, f.fullReplay(t, id), loaded)
	}
	assert.Empty(t, f.logger.warnings())
}

func TestSnapshotManager_Fallbacks(t *testing.T) {
	ctx := context.Background()

	save := func(t *testing.T, f *snapshotFixture, rec *adapters.SnapshotRecord) {
		t.Helper()
		require.NoError(t, f.adapter.SaveSnapshot(ctx, rec, f.clock.Now()))
	}

	t.Run("cutoff missing from the stream", func(t *testing.T) {
		f := newSnapshotFixture(t, DefaultSnapshotPolicy())
		id := f.create(t)
		task := f.fullReplay(t, id)

		snap := NewSnapshot(task, f.clock.Now())
		snap.CutoffEventID = "not-in-stream"
		snap.Task.LastEventID = "not-in-stream"
		rec, err := EncodeSnapshot(NewJSONSerializer(), snap)
		require.NoError(t, err)
		save(t, f, rec)

		loaded, err := f.manager.Loader().Load(ctx, "fam", id)
		require.NoError(t, err)
		assert.Equal(t, task, loaded)
		assert.Len(t, f.logger.warnings(), 1)
	})

	t.Run("undecodable snapshot", func(t *testing.T) {
		f := newSnapshotFixture(t, DefaultSnapshotPolicy())
		id := f.create(t)
		save(t, f, &adapters.SnapshotRecord{TenantID: "fam", AggregateID: id, CutoffEventID: "x", Version: 1, Data: []byte("{oops")})

		loaded, err := f.manager.Loader().Load(ctx, "fam", id)
		require.NoError(t, err)
		assert.Equal(t, f.fullReplay(t, id), loaded)
		assert.Len(t, f.logger.warnings(), 1)
	})
}

func TestSnapshotManager_Expiry(t *testing.T) {
	ctx := context.Background()
	f := newSnapshotFixture(t, SnapshotPolicy{EventThreshold: 1, ExpiryGrace: time.Hour})
	id := f.create(t)

	_, err := f.manager.Take(ctx, "fam", id)
	require.NoError(t, err)
	f.handle(t, CompleteTask{CommandBase: base(id)})
	_, err = f.manager.Take(ctx, "fam", id)
	require.NoError(t, err)

	n, err := f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.clock.Advance(time.Hour)
	n, err = f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := f.adapter.ListSnapshots(ctx, adapters.NewStreamKey("fam", id))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Version)
}

func TestSnapshotManager_Run(t *testing.T) {
	f := newSnapshotFixture(t, SnapshotPolicy{EventThreshold: 2, ExpiryGrace: time.Hour})
	id := f.create(t)

	raw, err := f.store.ReadRaw(context.Background(), "fam", id, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Run(ctx, sourceOf(raw...)))

	status, err := f.manager.State(ctx, "fam", id)
	require.NoError(t, err)
	assert.Equal(t, HasSnapshot, status.State)
	assert.Equal(t, int64(2), status.Version)
}
