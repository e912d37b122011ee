package kin

import (
	"context"
	"errors"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// TaskLoader rebuilds current task state from the latest snapshot plus the
// events after its cutoff.
type TaskLoader struct {
	store         *EventStore
	snapshots     adapters.SnapshotAdapter
	serializer    Serializer
	reconstructor *Reconstructor
	logger        Logger
}

// NewTaskLoader creates a loader. snapshots may be nil, in which case every
// load is a full replay.
func NewTaskLoader(store *EventStore, snapshots adapters.SnapshotAdapter, serializer Serializer, r *Reconstructor) *TaskLoader {
	if serializer == nil {
		serializer = NewJSONSerializer()
	}
	if r == nil {
		r = NewReconstructor(WithReconstructorLogger(store.Logger()))
	}
	return &TaskLoader{
		store:         store,
		snapshots:     snapshots,
		serializer:    serializer,
		reconstructor: r,
		logger:        store.Logger(),
	}
}

// Reconstructor returns the reconstructor used by the loader.
func (l *TaskLoader) Reconstructor() *Reconstructor {
	return l.reconstructor
}

// Load returns the task state. Deleted tasks are returned as such; a stream
// that does not exist yields a NotFoundError.
func (l *TaskLoader) Load(ctx context.Context, tenantID, taskID string) (*Task, error) {
	if l.snapshots != nil {
		task, ok, err := l.loadFromSnapshot(ctx, tenantID, taskID)
		if err != nil || ok {
			return task, err
		}
	}

	events, err := l.store.Read(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &NotFoundError{TenantID: tenantID, TaskID: taskID}
	}
	return l.reconstructor.Reconstruct(events, nil)
}

// loadFromSnapshot reports ok=false when no usable snapshot exists.
func (l *TaskLoader) loadFromSnapshot(ctx context.Context, tenantID, taskID string) (*Task, bool, error) {
	key := adapters.NewStreamKey(tenantID, taskID)
	rec, err := l.snapshots.LatestSnapshot(ctx, key)
	if err != nil {
		return nil, false, l.store.translate("latest snapshot", key, err)
	}
	if rec == nil {
		return nil, false, nil
	}

	snap, err := DecodeSnapshot(l.serializer, rec)
	if err != nil {
		l.logger.Warn("Ignoring undecodable snapshot", "stream", key.String(), "cutoff", rec.CutoffEventID, "error", err)
		return nil, false, nil
	}

	events, err := l.store.ReadSince(ctx, tenantID, taskID, rec.CutoffEventID)
	if errors.Is(err, adapters.ErrEventNotFound) {
		l.logger.Warn("Snapshot cutoff is not in the stream, replaying in full",
			"stream", key.String(), "cutoff", rec.CutoffEventID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	task, err := l.reconstructor.Reconstruct(events, snap)
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}
