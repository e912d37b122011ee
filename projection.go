package kin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Projector applies events to a read model.
type Projector interface {
	Apply(ctx context.Context, e Event) error
}

// Projection outcomes reported to observers.
const (
	OutcomeApplied      = "applied"
	OutcomeSkipped      = "skipped"
	OutcomeRetry        = "retry"
	OutcomeDeadLettered = "dead_lettered"
)

// ProjectionObserver is notified of every projection outcome.
type ProjectionObserver interface {
	ObserveProjection(kind EventKind, outcome string, duration time.Duration)
}

// IsPermanent reports whether a projection failure will never succeed by
// redelivering the same event.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrCorruptStream) ||
		errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrUnknownEventKind)
}

// ProjectionUpdater maintains task projection rows and the active index.
type ProjectionUpdater struct {
	rows          adapters.ProjectionAdapter
	reconstructor *Reconstructor
	deadLetters   DeadLetterPublisher
	observer      ProjectionObserver
	logger        Logger
	now           func() time.Time
}

// ProjectionOption configures a ProjectionUpdater.
type ProjectionOption func(*ProjectionUpdater)

// WithDeadLetters sets where permanently failing events go.
func WithDeadLetters(p DeadLetterPublisher) ProjectionOption {
	return func(u *ProjectionUpdater) {
		u.deadLetters = p
	}
}

// WithProjectionReconstructor sets the fold used to apply events.
func WithProjectionReconstructor(r *Reconstructor) ProjectionOption {
	return func(u *ProjectionUpdater) {
		u.reconstructor = r
	}
}

// WithProjectionObserver sets an outcome observer, e.g. metrics.
func WithProjectionObserver(o ProjectionObserver) ProjectionOption {
	return func(u *ProjectionUpdater) {
		u.observer = o
	}
}

// WithProjectionLogger sets the logger.
func WithProjectionLogger(l Logger) ProjectionOption {
	return func(u *ProjectionUpdater) {
		u.logger = l
	}
}

// WithProjectionClock sets the time source for dead letters.
func WithProjectionClock(now func() time.Time) ProjectionOption {
	return func(u *ProjectionUpdater) {
		u.now = now
	}
}

// NewProjectionUpdater creates an updater writing to rows.
func NewProjectionUpdater(rows adapters.ProjectionAdapter, opts ...ProjectionOption) *ProjectionUpdater {
	u := &ProjectionUpdater{
		rows:        rows,
		deadLetters: NewChannelDeadLetters(0),
		logger:      &noopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.reconstructor == nil {
		u.reconstructor = NewReconstructor(WithReconstructorLogger(u.logger))
	}
	return u
}

// DeadLetters returns the dead-letter publisher.
func (u *ProjectionUpdater) DeadLetters() DeadLetterPublisher {
	return u.deadLetters
}

// Apply applies one event. Events not strictly newer than the row's last
// applied event are skipped.
func (u *ProjectionUpdater) Apply(ctx context.Context, e Event) error {
	_, err := u.apply(ctx, e)
	return err
}

// apply reports whether the event changed the row.
func (u *ProjectionUpdater) apply(ctx context.Context, e Event) (bool, error) {
	key := e.Key()
	row, err := u.rows.GetRow(ctx, key)
	if err != nil && !errors.Is(err, adapters.ErrRowNotFound) {
		return false, NewTransientError("get projection row", err)
	}
	if errors.Is(err, adapters.ErrRowNotFound) {
		row = nil
	}

	task := &Task{}
	expected := ""
	if row == nil {
		if _, ok := e.Payload.(TaskCreated); !ok {
			return false, fmt.Errorf("%w: %s %s arrived before %s", ErrProjectionGap, e.Kind, e.ID, KindTaskCreated)
		}
	} else {
		if CompareEventIDs(e.ID, row.LastEventID) <= 0 || (e.Version != 0 && e.Version <= row.Version) {
			u.logger.Debug("Skipping already applied event", "stream", key.String(), "event", e.ID)
			return false, nil
		}
		if e.Version != 0 && e.Version > row.Version+1 {
			return false, fmt.Errorf("%w: %s is version %d, row is at %d", ErrProjectionGap, e.ID, e.Version, row.Version)
		}
		task = taskFromRow(row)
		expected = row.LastEventID
	}

	if err := u.reconstructor.Apply(task, e); err != nil {
		return false, err
	}

	if err := u.rows.PutRow(ctx, task.Row(), expected); err != nil {
		return false, NewTransientError("put projection row", err)
	}
	return true, nil
}

// BatchResult summarizes ApplyBatch.
type BatchResult struct {
	Applied      int
	Skipped      int
	DeadLettered int

	// Failures are the ids of events that failed transiently and must be
	// redelivered.
	Failures []string
}

// ApplyBatch applies a batch of stored events, isolating failures per event.
// Permanent failures are dead-lettered, transient ones are listed in Failures.
func (u *ProjectionUpdater) ApplyBatch(ctx context.Context, batch []adapters.StoredEvent) BatchResult {
	var result BatchResult
	for _, se := range batch {
		switch outcome, _ := u.ApplyStored(ctx, se, 1); outcome {
		case OutcomeApplied:
			result.Applied++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeDeadLettered:
			result.DeadLettered++
		default:
			result.Failures = append(result.Failures, se.ID)
		}
	}
	return result
}

// ApplyStored decodes and applies one stored event delivered for the given
// attempt. Permanent failures are dead-lettered. It returns the outcome and,
// for OutcomeRetry, the error to retry on.
func (u *ProjectionUpdater) ApplyStored(ctx context.Context, se adapters.StoredEvent, attempt int) (string, error) {
	start := time.Now()
	outcome, err := u.applyStored(ctx, se, attempt)
	if u.observer != nil {
		u.observer.ObserveProjection(EventKind(se.Kind), outcome, time.Since(start))
	}
	return outcome, err
}

func (u *ProjectionUpdater) applyStored(ctx context.Context, se adapters.StoredEvent, attempt int) (string, error) {
	e, err := DecodeEvent(se)
	if err == nil {
		var changed bool
		changed, err = u.apply(ctx, e)
		if err == nil {
			if changed {
				return OutcomeApplied, nil
			}
			return OutcomeSkipped, nil
		}
	}

	if !IsPermanent(err) {
		u.logger.Warn("Projection failed, event will be redelivered",
			"stream", se.Key().String(), "event", se.ID, "attempt", attempt, "error", err)
		return OutcomeRetry, err
	}

	if dlErr := u.DeadLetter(ctx, se, err, attempt); dlErr != nil {
		return OutcomeRetry, dlErr
	}
	return OutcomeDeadLettered, nil
}

// DeadLetter publishes se to the dead-letter channel.
func (u *ProjectionUpdater) DeadLetter(ctx context.Context, se adapters.StoredEvent, cause error, attempts int) error {
	u.logger.Error("Dead-lettering event",
		"stream", se.Key().String(), "event", se.ID, "kind", se.Kind,
		"destination", u.deadLetters.Destination(), "error", cause)

	if err := u.deadLetters.Publish(ctx, NewDeadLetter(se, cause, attempts, u.now().UTC())); err != nil {
		return NewTransientError("publish dead letter", err)
	}
	return nil
}

var _ Projector = (*ProjectionUpdater)(nil)

// ProjectionQuery reads task projection rows.
type ProjectionQuery struct {
	rows adapters.ProjectionAdapter
}

// NewProjectionQuery creates a query over rows.
func NewProjectionQuery(rows adapters.ProjectionAdapter) *ProjectionQuery {
	return &ProjectionQuery{rows: rows}
}

// Get returns the row of a task. Missing and deleted tasks are NotFound.
func (q *ProjectionQuery) Get(ctx context.Context, tenantID, taskID string) (*adapters.ProjectionRow, error) {
	row, err := q.rows.GetRow(ctx, adapters.NewStreamKey(tenantID, taskID))
	if errors.Is(err, adapters.ErrRowNotFound) {
		return nil, &NotFoundError{TenantID: tenantID, TaskID: taskID}
	}
	if err != nil {
		return nil, NewTransientError("get projection row", err)
	}
	if row.Status == adapters.StatusDeleted {
		return nil, &NotFoundError{TenantID: tenantID, TaskID: taskID}
	}
	return row, nil
}

// ListActive returns up to limit active tasks of a tenant, oldest first.
func (q *ProjectionQuery) ListActive(ctx context.Context, tenantID string, limit int) ([]*adapters.ProjectionRow, error) {
	rows, err := q.rows.ListActive(ctx, tenantID, limit)
	if err != nil {
		return nil, NewTransientError("list active", err)
	}
	return rows, nil
}
