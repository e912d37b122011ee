package kin

import (
	"fmt"
	"time"
)

// UnknownKindPolicy decides what replay does with event kinds this build
// does not understand.
type UnknownKindPolicy int

const (
	// SkipUnknownKinds logs a warning and advances the version without
	// changing state.
	SkipUnknownKinds UnknownKindPolicy = iota

	// RejectUnknownKinds fails replay with a CorruptStreamError.
	RejectUnknownKinds
)

// String returns the policy name used in configuration.
func (p UnknownKindPolicy) String() string {
	if p == RejectUnknownKinds {
		return "reject"
	}
	return "skip"
}

// ParseUnknownKindPolicy parses "skip" or "reject".
func ParseUnknownKindPolicy(s string) (UnknownKindPolicy, error) {
	switch s {
	case "", "skip":
		return SkipUnknownKinds, nil
	case "reject":
		return RejectUnknownKinds, nil
	default:
		return SkipUnknownKinds, fmt.Errorf("kin: unknown event kind policy %q", s)
	}
}

// Snapshot is a point-in-time copy of a task plus the id of the last event it
// incorporates.
type Snapshot struct {
	Task          Task      `json:"task"`
	CutoffEventID string    `json:"cutoffEventId"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewSnapshot captures the given state.
func NewSnapshot(t *Task, createdAt time.Time) *Snapshot {
	return &Snapshot{
		Task:          *t.Clone(),
		CutoffEventID: t.LastEventID,
		Version:       t.Version,
		CreatedAt:     createdAt,
	}
}

// Reconstructor folds ordered events into task state.
type Reconstructor struct {
	policy UnknownKindPolicy
	logger Logger
}

// ReconstructorOption configures a Reconstructor.
type ReconstructorOption func(*Reconstructor)

// WithUnknownKindPolicy sets the policy for unknown event kinds.
func WithUnknownKindPolicy(p UnknownKindPolicy) ReconstructorOption {
	return func(r *Reconstructor) {
		r.policy = p
	}
}

// WithReconstructorLogger sets the logger used for skipped events.
func WithReconstructorLogger(l Logger) ReconstructorOption {
	return func(r *Reconstructor) {
		r.logger = l
	}
}

// NewReconstructor creates a Reconstructor. The default policy skips unknown kinds.
func NewReconstructor(opts ...ReconstructorOption) *Reconstructor {
	r := &Reconstructor{
		policy: SkipUnknownKinds,
		logger: &noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured unknown kind policy.
func (r *Reconstructor) Policy() UnknownKindPolicy {
	return r.policy
}

// Reconstruct folds events, in stream order, on top of base (which may be nil).
// Events with a zero Version are taken to be in position. The first error
// stops the fold; nothing is skipped except unknown kinds under
// SkipUnknownKinds.
func (r *Reconstructor) Reconstruct(events []Event, base *Snapshot) (*Task, error) {
	if base == nil && len(events) == 0 {
		return nil, fmt.Errorf("%w: no events to fold", ErrNotFound)
	}

	task := &Task{}
	if base != nil {
		task = base.Task.Clone()
		if task.Version != base.Version || task.LastEventID != base.CutoffEventID {
			return nil, &CorruptStreamError{
				TenantID: task.TenantID,
				TaskID:   task.ID,
				EventID:  base.CutoffEventID,
				Reason:   "snapshot state does not match its cutoff",
			}
		}
	}

	for _, e := range events {
		if err := r.apply(task, e); err != nil {
			return nil, err
		}
	}
	if !task.Created() {
		corrupt := &CorruptStreamError{TenantID: task.TenantID, TaskID: task.ID, Reason: "stream does not begin with " + string(KindTaskCreated)}
		if len(events) > 0 {
			corrupt.TenantID, corrupt.TaskID, corrupt.EventID = events[0].TenantID, events[0].AggregateID, events[0].ID
		}
		return nil, corrupt
	}
	return task, nil
}

// Apply folds a single event into task, enforcing stream position and the
// unknown kind policy.
func (r *Reconstructor) Apply(task *Task, e Event) error {
	return r.apply(task, e)
}

func (r *Reconstructor) apply(task *Task, e Event) error {
	if task.Created() && (e.TenantID != task.TenantID || e.AggregateID != task.ID) {
		return &CorruptStreamError{
			TenantID: task.TenantID,
			TaskID:   task.ID,
			EventID:  e.ID,
			Reason:   fmt.Sprintf("event belongs to %s/%s", e.TenantID, e.AggregateID),
		}
	}
	if e.Version != 0 && e.Version != task.Version+1 {
		return &CorruptStreamError{
			TenantID: e.TenantID,
			TaskID:   e.AggregateID,
			EventID:  e.ID,
			Reason:   fmt.Sprintf("expected version %d, got %d", task.Version+1, e.Version),
		}
	}

	if p, unknown := e.Payload.(UnknownPayload); unknown {
		if r.policy == RejectUnknownKinds {
			return &CorruptStreamError{
				TenantID: e.TenantID,
				TaskID:   e.AggregateID,
				EventID:  e.ID,
				Reason:   fmt.Sprintf("%s schema %d", p.Kind, p.SchemaVersion),
				Cause:    ErrUnknownEventKind,
			}
		}
		r.logger.Warn("Skipping unknown event kind",
			"tenant", e.TenantID, "task", e.AggregateID, "event", e.ID,
			"kind", string(p.Kind), "schema", p.SchemaVersion)
	}

	return task.Apply(e)
}
