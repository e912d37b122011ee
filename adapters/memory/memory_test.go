package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskKey = adapters.NewStreamKey("family-1", "task-1")

func records(kinds ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(kinds))
	for i, k := range kinds {
		out[i] = adapters.EventRecord{Kind: k, SchemaVersion: 1, ActorID: "user-1", Data: []byte(`{}`)}
	}
	return out
}

func TestNewAdapter(t *testing.T) {
	t.Run("creates adapter with defaults", func(t *testing.T) {
		adapter := NewAdapter()

		assert.NotNil(t, adapter)
		assert.Equal(t, 0, adapter.EventCount())
		assert.Equal(t, 0, adapter.StreamCount())
		assert.NoError(t, adapter.Initialize(context.Background()))
	})
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new stream", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "family-1", stored[0].TenantID)
		assert.Equal(t, "task-1", stored[0].AggregateID)
		assert.Equal(t, "task.created", stored[0].Kind)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
		assert.NotEmpty(t, stored[0].ID)
		assert.False(t, stored[0].Timestamp.IsZero())
	})

	t.Run("keeps caller supplied ids", func(t *testing.T) {
		adapter := NewAdapter()
		recs := records("task.created")
		recs[0].ID = "evt-1"

		stored, err := adapter.Append(ctx, taskKey, adapters.NoStream, recs)

		require.NoError(t, err)
		assert.Equal(t, "evt-1", stored[0].ID)
	})

	t.Run("append batch assigns consecutive versions", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created", "task.assigned"))

		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, int64(2), stored[1].Version)
	})

	t.Run("version is monotonic across appends", func(t *testing.T) {
		adapter := NewAdapter()

		for i := int64(0); i < 5; i++ {
			stored, err := adapter.Append(ctx, taskKey, i, records("task.updated"))
			require.NoError(t, err)
			assert.Equal(t, i+1, stored[0].Version)
		}

		info, err := adapter.GetStreamInfo(ctx, taskKey)
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Version)
		assert.Equal(t, int64(5), info.EventCount)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		require.NoError(t, err)
		_, err = adapter.Append(ctx, taskKey, 1, records("task.updated"))
		require.NoError(t, err)

		_, err = adapter.Append(ctx, taskKey, 1, records("task.updated"))

		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
		assert.Equal(t, 2, adapter.EventCount())
	})

	t.Run("no stream on existing stream conflicts", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		require.NoError(t, err)

		_, err = adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))

		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("duplicate event id rejects the whole batch", func(t *testing.T) {
		adapter := NewAdapter()
		recs := records("task.created", "task.assigned")
		recs[0].ID = "same"
		recs[1].ID = "same"

		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, recs)

		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
		assert.Equal(t, 0, adapter.EventCount())
		assert.Equal(t, 0, adapter.StreamCount())
	})

	t.Run("rejects empty batch and key", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, nil)
		assert.ErrorIs(t, err, adapters.ErrNoEvents)

		_, err = adapter.Append(ctx, adapters.StreamKey{TenantID: "family-1"}, adapters.NoStream, records("task.created"))
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamKey)
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		adapter := NewAdapter()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := adapter.Append(cctx, taskKey, adapters.NoStream, records("task.created"))

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("same tenant different aggregates are independent", func(t *testing.T) {
		adapter := NewAdapter()
		other := adapters.NewStreamKey("family-1", "task-2")

		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		require.NoError(t, err)
		stored, err := adapter.Append(ctx, other, adapters.NoStream, records("task.created"))
		require.NoError(t, err)

		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, uint64(2), stored[0].GlobalPosition)
	})
}

func TestMemoryAdapter_ConcurrentAppend(t *testing.T) {
	t.Run("only one writer wins per version", func(t *testing.T) {
		adapter := NewAdapter()
		ctx := context.Background()
		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		require.NoError(t, err)

		const writers = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0

		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := adapter.Append(ctx, taskKey, 1, records("task.updated"))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, adapters.ErrConcurrencyConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	stored, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created", "task.updated", "task.completed"))
	require.NoError(t, err)

	t.Run("loads all events in order", func(t *testing.T) {
		events, err := adapter.Load(ctx, taskKey, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "task.created", events[0].Kind)
		assert.Equal(t, "task.completed", events[2].Kind)
	})

	t.Run("loads from version", func(t *testing.T) {
		events, err := adapter.Load(ctx, taskKey, 2)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(3), events[0].Version)
	})

	t.Run("missing stream yields empty slice", func(t *testing.T) {
		events, err := adapter.Load(ctx, adapters.NewStreamKey("family-1", "nope"), 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("load after event id", func(t *testing.T) {
		events, err := adapter.LoadAfter(ctx, taskKey, stored[0].ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, stored[1].ID, events[0].ID)
	})

	t.Run("load after unknown id", func(t *testing.T) {
		_, err := adapter.LoadAfter(ctx, taskKey, "unknown")
		assert.ErrorIs(t, err, adapters.ErrEventNotFound)
	})

	t.Run("reads are restartable", func(t *testing.T) {
		first, err := adapter.Load(ctx, taskKey, 0)
		require.NoError(t, err)
		second, err := adapter.Load(ctx, taskKey, 0)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestMemoryAdapter_ReadsDoNotAliasStorage(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	recs := records("task.created")
	recs[0].Metadata.Custom = map[string]string{"source": "app"}
	stored, err := adapter.Append(ctx, taskKey, adapters.NoStream, recs)
	require.NoError(t, err)

	recs[0].Data[0] = 'X'
	recs[0].Metadata.Custom["source"] = "caller"
	stored[0].Data[0] = 'X'
	stored[0].Metadata.Custom["source"] = "returned"

	events, err := adapter.Load(ctx, taskKey, 0)
	require.NoError(t, err)
	events[0].Data[0] = 'X'
	events[0].Metadata.Custom["source"] = "loaded"

	check := func(t *testing.T, events []adapters.StoredEvent) {
		t.Helper()
		require.Len(t, events, 1)
		assert.Equal(t, []byte(`{}`), events[0].Data)
		assert.Equal(t, "app", events[0].Metadata.Custom["source"])
	}

	t.Run("load", func(t *testing.T) {
		events, err := adapter.Load(ctx, taskKey, 0)
		require.NoError(t, err)
		check(t, events)
	})

	t.Run("load tenant", func(t *testing.T) {
		events, err := adapter.LoadTenant(ctx, taskKey.TenantID, 0, 0)
		require.NoError(t, err)
		check(t, events)
	})

	t.Run("load from position", func(t *testing.T) {
		events, err := adapter.LoadFromPosition(ctx, 0, 0)
		require.NoError(t, err)
		check(t, events)
	})
}

func TestMemoryAdapter_LoadTenant(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
	require.NoError(t, err)
	_, err = adapter.Append(ctx, adapters.NewStreamKey("family-2", "task-9"), adapters.NoStream, records("task.created"))
	require.NoError(t, err)
	_, err = adapter.Append(ctx, adapters.NewStreamKey("family-1", "task-2"), adapters.NoStream, records("task.created"))
	require.NoError(t, err)

	events, err := adapter.LoadTenant(ctx, "family-1", 0, 0)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "task-1", events[0].AggregateID)
	assert.Equal(t, "task-2", events[1].AggregateID)
}

func TestMemoryAdapter_GetStreamInfo(t *testing.T) {
	t.Run("missing stream", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.GetStreamInfo(context.Background(), taskKey)

		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
	})
}

func TestMemoryAdapter_FailNext(t *testing.T) {
	t.Run("injected error is returned once", func(t *testing.T) {
		adapter := NewAdapter()
		ctx := context.Background()
		boom := errors.New("throttled")
		adapter.FailNext(OpAppend, boom)

		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, adapter.EventCount())

		_, err = adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		assert.NoError(t, err)
	})
}

func TestMemoryAdapter_Close(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()
	require.NoError(t, adapter.Close())

	_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	_, err = adapter.Load(ctx, taskKey, 0)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	_, err = adapter.SubscribeAll(ctx, 0)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	assert.ErrorIs(t, adapter.Ping(ctx), adapters.ErrAdapterClosed)
}

func TestMemoryAdapter_LoadFromPosition(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created", "task.updated", "task.completed"))
	require.NoError(t, err)

	events, err := adapter.LoadFromPosition(ctx, 1, 1)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].GlobalPosition)
}

func TestMemoryAdapter_SubscribeAll(t *testing.T) {
	t.Run("replays history then streams new events", func(t *testing.T) {
		adapter := NewAdapter()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
		require.NoError(t, err)

		ch, err := adapter.SubscribeAll(ctx, 0)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, taskKey, 1, records("task.completed"))
		require.NoError(t, err)

		var got []string
		for len(got) < 2 {
			select {
			case e := <-ch:
				got = append(got, e.Kind)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for events")
			}
		}
		assert.Equal(t, []string{"task.created", "task.completed"}, got)
	})

	t.Run("does not drop events when the consumer is slow", func(t *testing.T) {
		adapter := NewAdapter()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := adapter.SubscribeAll(ctx, 0)
		require.NoError(t, err)

		const total = 300
		for i := 0; i < total; i++ {
			key := adapters.NewStreamKey("family-1", fmt.Sprintf("task-%03d", i))
			_, err := adapter.Append(ctx, key, adapters.NoStream, records("task.created"))
			require.NoError(t, err)
		}

		var last uint64
		for count := 0; count < total; count++ {
			select {
			case e := <-ch:
				assert.Equal(t, last+1, e.GlobalPosition)
				last = e.GlobalPosition
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out after %d events", count)
			}
		}
	})

	t.Run("channel closes on cancel", func(t *testing.T) {
		adapter := NewAdapter()
		ctx, cancel := context.WithCancel(context.Background())

		ch, err := adapter.SubscribeAll(ctx, 0)
		require.NoError(t, err)
		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	})
}

func TestMemoryAdapter_Reset(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()
	_, err := adapter.Append(ctx, taskKey, adapters.NoStream, records("task.created"))
	require.NoError(t, err)
	require.NoError(t, adapter.SetCheckpoint(ctx, "projector", 1))

	adapter.Reset()

	assert.Equal(t, 0, adapter.EventCount())
	pos, err := adapter.GetCheckpoint(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}
