package kin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
)

// hookAdapter intercepts the next Append of the wrapped memory adapter.
type hookAdapter struct {
	*memory.MemoryAdapter

	// beforeAppend runs once, ahead of the next append.
	beforeAppend func()

	// loseResponse stores the next append but reports a transient failure.
	loseResponse bool
}

func (a *hookAdapter) Append(ctx context.Context, key adapters.StreamKey, expected int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	if f := a.beforeAppend; f != nil {
		a.beforeAppend = nil
		f()
	}
	stored, err := a.MemoryAdapter.Append(ctx, key, expected, records)
	if err == nil && a.loseResponse {
		a.loseResponse = false
		return nil, NewTransientError("append", errors.New("connection reset after commit"))
	}
	return stored, err
}

// competingWrite appends p to the stream behind the processor's back.
func (a *hookAdapter) competingWrite(t *testing.T, tenantID, taskID string, p Payload) {
	t.Helper()
	e := NewEvent(tenantID, taskID, "bob", p)
	e.ID = NewEventID()
	e.Timestamp = time.Now()
	rec, err := EncodeEvent(e)
	require.NoError(t, err)
	_, err = a.MemoryAdapter.Append(context.Background(), e.Key(), adapters.AnyVersion, []adapters.EventRecord{rec})
	require.NoError(t, err)
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
}

func newTestProcessor(t *testing.T, opts ...ProcessorOption) (*Processor, *hookAdapter) {
	t.Helper()
	adapter := &hookAdapter{MemoryAdapter: memory.NewAdapter()}
	store := New(adapter)
	opts = append([]ProcessorOption{WithRetryPolicy(fastRetry(4))}, opts...)
	return NewProcessor(store, opts...), adapter
}

func createTask(t *testing.T, p *Processor, title string) *Result {
	t.Helper()
	result, err := p.Handle(context.Background(), CreateTask{CommandBase: base(""), Title: title})
	require.NoError(t, err)
	return result
}

func TestProcessor_CreateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and self assigns", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		result := createTask(t, p, "Buy milk")

		assert.NotEmpty(t, result.TaskID)
		assert.Len(t, result.EventIDs, 2)
		assert.Equal(t, int64(2), result.Version)
		assert.Equal(t, 1, result.Attempts)
		assert.Equal(t, "Buy milk", result.Task.Title)
		assert.Equal(t, []string{"alice"}, result.Task.Assignees)

		loaded, err := p.Load(ctx, "fam", result.TaskID)
		require.NoError(t, err)
		assert.Equal(t, result.Task, loaded)
	})

	t.Run("events carry causation and correlation", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		cmd := CreateTask{CommandBase: base(""), Title: "a"}
		cmd.CommandID = "cmd-1"
		cmd.CorrelationID = "req-1"
		result, err := p.Handle(ctx, cmd)
		require.NoError(t, err)

		events, err := p.store.Read(ctx, "fam", result.TaskID)
		require.NoError(t, err)
		for _, e := range events {
			assert.Equal(t, "cmd-1", e.Metadata.CausationID)
			assert.Equal(t, "req-1", e.Metadata.CorrelationID)
			assert.Equal(t, "alice", e.ActorID)
		}
	})

	t.Run("existing task id conflicts without retrying", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, err := p.Handle(ctx, CreateTask{CommandBase: base("t1"), Title: "a"})
		require.NoError(t, err)

		_, err = p.Handle(ctx, CreateTask{CommandBase: base("t1"), Title: "b"})
		var ce *ConcurrencyError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 1, ce.Attempts)
	})

	t.Run("invalid input never reaches the store", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		_, err := p.Handle(ctx, CreateTask{CommandBase: base(""), Title: ""})
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.Equal(t, 0, adapter.EventCount())
	})

	t.Run("nil command", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, err := p.Handle(ctx, nil)
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

func TestProcessor_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t)
	id := createTask(t, p, "Buy milk").TaskID
	cb := base(id)

	result, err := p.Handle(ctx, UpdateTask{CommandBase: cb, Title: strPtr("Buy oat milk")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)

	result, err = p.Handle(ctx, AssignTask{CommandBase: cb, AssigneeID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, result.Task.Assignees)

	result, err = p.Handle(ctx, CompleteTask{CommandBase: cb})
	require.NoError(t, err)
	assert.True(t, result.Task.Completed())

	_, err = p.Handle(ctx, CompleteTask{CommandBase: cb})
	assert.ErrorIs(t, err, ErrValidationFailed)

	result, err = p.Handle(ctx, ReopenTask{CommandBase: cb})
	require.NoError(t, err)
	assert.True(t, result.Task.Active())
	assert.Nil(t, result.Task.CompletedAt)

	result, err = p.Handle(ctx, DeleteTask{CommandBase: cb, Reason: "done elsewhere"})
	require.NoError(t, err)
	assert.True(t, result.Task.Deleted())
	assert.Equal(t, int64(7), result.Version)

	t.Run("deleted task is not found", func(t *testing.T) {
		_, err := p.Handle(ctx, UpdateTask{CommandBase: cb, Title: strPtr("x")})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = p.Load(ctx, "fam", id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown task is not found", func(t *testing.T) {
		_, err := p.Handle(ctx, CompleteTask{CommandBase: base("missing")})
		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "missing", nf.TaskID)
	})
}

func TestProcessor_StreamWithoutCreate(t *testing.T) {
	ctx := context.Background()
	p, adapter := newTestProcessor(t)
	key := adapters.NewStreamKey("fam", "legacy")
	_, err := adapter.MemoryAdapter.Append(ctx, key, adapters.NoStream, []adapters.EventRecord{
		{ID: NewEventID(), Kind: "task.archived", SchemaVersion: 1, ActorID: "alice", Data: []byte(`{}`)},
	})
	require.NoError(t, err)

	t.Run("load is corrupt", func(t *testing.T) {
		task, err := p.Load(ctx, "fam", "legacy")
		assert.Nil(t, task)
		assert.ErrorIs(t, err, ErrCorruptStream)
	})

	t.Run("commands append nothing", func(t *testing.T) {
		_, err := p.Handle(ctx, CompleteTask{CommandBase: base("legacy")})
		assert.ErrorIs(t, err, ErrCorruptStream)

		info, err := adapter.GetStreamInfo(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), info.Version)
	})
}

func TestProcessor_Authorization(t *testing.T) {
	ctx := context.Background()
	members := NewStaticMembership().Add("fam", "alice")
	p, adapter := newTestProcessor(t, WithAuthorizer(members))

	_, err := p.Handle(ctx, CreateTask{CommandBase: base(""), Title: "a"})
	require.NoError(t, err)

	intruder := CreateTask{CommandBase: CommandBase{TenantID: "fam", ActorID: "mallory"}, Title: "b"}
	_, err = p.Handle(ctx, intruder)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 2, adapter.EventCount())

	members.Remove("fam", "alice")
	_, err = p.Handle(ctx, CreateTask{CommandBase: base(""), Title: "c"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	denyAll := AuthorizerFunc(func(context.Context, string, string) error { return &AuthorizationError{} })
	p2, _ := newTestProcessor(t, WithAuthorizer(denyAll))
	_, err = p2.Handle(ctx, CreateTask{CommandBase: base(""), Title: "d"})
	assert.Equal(t, KindUnauthorize, KindOf(err))
}

func TestProcessor_Conflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("conflict is retried on fresh state", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		id := createTask(t, p, "Buy milk").TaskID
		adapter.beforeAppend = func() {
			adapter.competingWrite(t, "fam", id, TaskUpdated{Title: strPtr("Buy bread")})
		}

		result, err := p.Handle(ctx, CompleteTask{CommandBase: base(id)})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Attempts)
		assert.Equal(t, int64(4), result.Version)
		assert.Equal(t, "Buy bread", result.Task.Title)
		assert.True(t, result.Task.Completed())
	})

	t.Run("retry revalidates against the new state", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		id := createTask(t, p, "Buy milk").TaskID
		adapter.beforeAppend = func() {
			adapter.competingWrite(t, "fam", id, TaskCompleted{})
		}

		_, err := p.Handle(ctx, CompleteTask{CommandBase: base(id)})
		assert.ErrorIs(t, err, ErrValidationFailed)

		v, err := p.store.StreamVersion(ctx, "fam", id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	})

	t.Run("exhausted retries surface the conflict", func(t *testing.T) {
		p, adapter := newTestProcessor(t, WithRetryPolicy(NoRetryPolicy()))
		id := createTask(t, p, "Buy milk").TaskID
		adapter.beforeAppend = func() {
			adapter.competingWrite(t, "fam", id, TaskUpdated{Title: strPtr("Buy bread")})
		}

		_, err := p.Handle(ctx, CompleteTask{CommandBase: base(id)})
		var ce *ConcurrencyError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 1, ce.Attempts)
		assert.Equal(t, int64(2), ce.ExpectedVersion)
		assert.Equal(t, KindConflict, KindOf(err))
	})
}

func TestProcessor_TransientFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("failure before commit is retried", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		id := createTask(t, p, "Buy milk").TaskID
		adapter.FailNext(memory.OpAppend, NewTransientError("append", errors.New("throttled")))

		result, err := p.Handle(ctx, CompleteTask{CommandBase: base(id)})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Attempts)
		assert.False(t, result.Reconciled)
		assert.Equal(t, int64(3), result.Version)
	})

	t.Run("lost response is reconciled instead of appended twice", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		id := createTask(t, p, "Buy milk").TaskID
		adapter.loseResponse = true

		result, err := p.Handle(ctx, AssignTask{CommandBase: base(id), AssigneeID: "bob"})
		require.NoError(t, err)
		assert.True(t, result.Reconciled)
		assert.Len(t, result.EventIDs, 1)
		assert.Equal(t, int64(3), result.Version)
		assert.Equal(t, []string{"alice", "bob"}, result.Task.Assignees)

		events, err := p.store.Read(ctx, "fam", id)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("lost create response is reconciled", func(t *testing.T) {
		p, adapter := newTestProcessor(t)
		adapter.loseResponse = true

		result, err := p.Handle(ctx, CreateTask{CommandBase: base("t1"), Title: "Buy milk"})
		require.NoError(t, err)
		assert.True(t, result.Reconciled)
		assert.Equal(t, int64(2), result.Version)
		assert.Equal(t, 2, adapter.EventCount())
	})

	t.Run("persistent failure is returned after the last attempt", func(t *testing.T) {
		p, adapter := newTestProcessor(t, WithRetryPolicy(fastRetry(2)))
		id := createTask(t, p, "Buy milk").TaskID
		for i := 0; i < 3; i++ {
			adapter.FailNext(memory.OpAppend, NewTransientError("append", errors.New("throttled")))
		}

		_, err := p.Handle(ctx, CompleteTask{CommandBase: base(id)})
		assert.ErrorIs(t, err, ErrTransient)
		assert.True(t, IsRetryable(err))
	})

	t.Run("cancellation stops the retry loop", func(t *testing.T) {
		p, adapter := newTestProcessor(t, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}))
		id := createTask(t, p, "Buy milk").TaskID
		adapter.FailNext(memory.OpAppend, NewTransientError("append", errors.New("throttled")))

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := p.Handle(cctx, CompleteTask{CommandBase: base(id)})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestProcessor_Middleware(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandleFunc) HandleFunc {
			return func(ctx context.Context, cmd Command) (*Result, error) {
				order = append(order, name)
				return next(ctx, cmd)
			}
		}
	}

	p, _ := newTestProcessor(t, WithMiddleware(trace("outer"), trace("inner")))
	createTask(t, p, "a")
	assert.Equal(t, []string{"outer", "inner"}, order)
}
