package kin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Authorizer checks that an actor may act inside a tenant.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID, actorID string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, tenantID, actorID string) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, tenantID, actorID string) error {
	return f(ctx, tenantID, actorID)
}

// AllowAll authorizes every actor.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, string, string) error { return nil }

// StaticMembership authorizes actors from a fixed tenant membership table.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

// NewStaticMembership creates an empty membership table.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{members: make(map[string]map[string]struct{})}
}

// Add makes users members of tenantID.
func (m *StaticMembership) Add(tenantID string, userIDs ...string) *StaticMembership {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[tenantID]
	if !ok {
		set = make(map[string]struct{})
		m.members[tenantID] = set
	}
	for _, u := range userIDs {
		set[u] = struct{}{}
	}
	return m
}

// Remove revokes a membership.
func (m *StaticMembership) Remove(tenantID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[tenantID], userID)
}

// Authorize implements Authorizer.
func (m *StaticMembership) Authorize(_ context.Context, tenantID, actorID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.members[tenantID][actorID]; ok {
		return nil
	}
	return &AuthorizationError{TenantID: tenantID, ActorID: actorID}
}

var (
	_ Authorizer = AllowAll{}
	_ Authorizer = (*StaticMembership)(nil)
	_ Authorizer = AuthorizerFunc(nil)
)

// Result describes a handled command.
type Result struct {
	TaskID   string
	EventIDs []string

	// Version is the stream version after the command.
	Version int64

	// Attempts is the number of load-decide-append cycles used.
	Attempts int

	// Task is the state after the command.
	Task *Task

	// Reconciled is set when the events were found already stored after an
	// ambiguous failure instead of being appended again.
	Reconciled bool
}

// HandleFunc handles one command.
type HandleFunc func(ctx context.Context, cmd Command) (*Result, error)

// Middleware wraps a HandleFunc.
type Middleware func(next HandleFunc) HandleFunc

// Processor validates commands, decides events and appends them under the
// optimistic version guard.
type Processor struct {
	store      *EventStore
	loader     *TaskLoader
	authorizer Authorizer
	retry      RetryPolicy
	logger     Logger
	middleware []Middleware
	handler    HandleFunc
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithAuthorizer sets the membership check. The default allows everyone.
func WithAuthorizer(a Authorizer) ProcessorOption {
	return func(p *Processor) {
		p.authorizer = a
	}
}

// WithRetryPolicy sets the conflict retry policy.
func WithRetryPolicy(r RetryPolicy) ProcessorOption {
	return func(p *Processor) {
		p.retry = r
	}
}

// WithLoader sets the task loader, typically to enable snapshots.
func WithLoader(l *TaskLoader) ProcessorOption {
	return func(p *Processor) {
		p.loader = l
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithMiddleware appends middleware. The first one added is the outermost.
func WithMiddleware(mw ...Middleware) ProcessorOption {
	return func(p *Processor) {
		p.middleware = append(p.middleware, mw...)
	}
}

// NewProcessor creates a command processor over store.
func NewProcessor(store *EventStore, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:      store,
		authorizer: AllowAll{},
		retry:      DefaultRetryPolicy(),
		logger:     store.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.loader == nil {
		p.loader = NewTaskLoader(store, nil, nil, NewReconstructor(WithReconstructorLogger(p.logger)))
	}
	p.retry = p.retry.normalized()

	p.handler = Chain(p.handle, p.middleware...)
	return p
}

// Loader returns the task loader.
func (p *Processor) Loader() *TaskLoader {
	return p.loader
}

// Handle runs cmd through the middleware chain and the processor.
func (p *Processor) Handle(ctx context.Context, cmd Command) (*Result, error) {
	if cmd == nil {
		return nil, NewValidationError("", "", "command is nil")
	}
	return p.handler(ctx, cmd)
}

// Load returns the current state of a task. Deleted tasks are NotFound.
func (p *Processor) Load(ctx context.Context, tenantID, taskID string) (*Task, error) {
	task, err := p.loader.Load(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Deleted() {
		return nil, &NotFoundError{TenantID: tenantID, TaskID: taskID}
	}
	return task, nil
}

func (p *Processor) handle(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	env := cmd.Envelope()
	if err := p.authorizer.Authorize(ctx, env.TenantID, env.ActorID); err != nil {
		return nil, err
	}

	_, creating := cmd.(CreateTask)
	if env.TaskID == "" {
		if !creating {
			return nil, NewValidationError(cmd.CommandType(), "taskId", "task id is required")
		}
		env.TaskID = uuid.Must(uuid.NewV7()).String()
	}
	if env.CommandID == "" {
		env.CommandID = uuid.Must(uuid.NewV7()).String()
	}

	ambiguous := false
	for attempt := 1; ; attempt++ {
		result, err := p.attempt(ctx, cmd, env, creating, ambiguous)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}

		switch {
		case errors.Is(err, ErrConcurrencyConflict):
			if creating || attempt >= p.retry.MaxAttempts {
				p.logger.Warn("Giving up on conflicting command",
					"type", cmd.CommandType(), "tenant", env.TenantID, "task", env.TaskID, "attempts", attempt)
				expected := int64(-1)
				var ce *adapters.ConcurrencyError
				if errors.As(err, &ce) {
					expected = ce.ExpectedVersion
				}
				return nil, &ConcurrencyError{
					TenantID:        env.TenantID,
					TaskID:          env.TaskID,
					ExpectedVersion: expected,
					Attempts:        attempt,
					Cause:           err,
				}
			}
		case errors.Is(err, ErrTransient):
			ambiguous = true
			if attempt >= p.retry.MaxAttempts {
				return nil, err
			}
		default:
			return nil, err
		}

		delay := p.retry.Delay(attempt)
		p.logger.Debug("Retrying command",
			"type", cmd.CommandType(), "task", env.TaskID, "attempt", attempt, "delay", delay, "error", err)
		if serr := sleepContext(ctx, delay); serr != nil {
			return nil, fmt.Errorf("kin: %s interrupted while retrying: %w", cmd.CommandType(), serr)
		}
	}
}

// attempt runs one load-decide-append cycle.
func (p *Processor) attempt(ctx context.Context, cmd Command, env CommandBase, creating, ambiguous bool) (*Result, error) {
	if ambiguous {
		result, err := p.reconcile(ctx, env)
		if err != nil || result != nil {
			return result, err
		}
	}

	task := &Task{}
	expected := adapters.NoStream
	if !creating {
		loaded, err := p.Load(ctx, env.TenantID, env.TaskID)
		if err != nil {
			return nil, err
		}
		task = loaded
		expected = loaded.Version
	}

	payloads, err := cmd.Decide(task)
	if err != nil {
		return nil, err
	}

	now := p.store.Now()
	prev := task.LastEventID
	events := make([]Event, len(payloads))
	for i, payload := range payloads {
		e := NewEvent(env.TenantID, env.TaskID, env.ActorID, payload)
		e.ID = NextEventID(prev)
		e.Timestamp = now
		e.Metadata = adapters.Metadata{
			CorrelationID: env.CorrelationID,
			CausationID:   env.CommandID,
		}
		prev = e.ID
		events[i] = e
	}

	appended, err := p.store.Append(ctx, env.TenantID, env.TaskID, expected, events)
	if err != nil {
		return nil, err
	}

	next := task.Clone()
	for _, e := range appended.Events {
		if err := p.loader.Reconstructor().Apply(next, e); err != nil {
			return nil, err
		}
	}

	return &Result{
		TaskID:   env.TaskID,
		EventIDs: appended.EventIDs,
		Version:  appended.Version,
		Task:     next,
	}, nil
}

// reconcile looks for events already caused by this command. It returns a
// nil result when there are none.
func (p *Processor) reconcile(ctx context.Context, env CommandBase) (*Result, error) {
	events, err := p.store.Read(ctx, env.TenantID, env.TaskID)
	if err != nil {
		return nil, err
	}

	var ids []string
	var version int64
	for _, e := range events {
		if e.Metadata.CausationID == env.CommandID {
			ids = append(ids, e.ID)
			version = e.Version
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	task, err := p.loader.Reconstructor().Reconstruct(events, nil)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Command already applied, reconciled with stored events",
		"tenant", env.TenantID, "task", env.TaskID, "command", env.CommandID, "events", len(ids))

	return &Result{
		TaskID:     env.TaskID,
		EventIDs:   ids,
		Version:    version,
		Task:       task,
		Reconciled: true,
	}, nil
}
