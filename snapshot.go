package kin

import (
	"context"
	"errors"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// ErrSnapshotUpToDate is returned by Take when no event follows the latest snapshot.
var ErrSnapshotUpToDate = errors.New("kin: snapshot is up to date")

// SnapshotPolicy decides when a task is snapshotted.
type SnapshotPolicy struct {
	// EventThreshold triggers a snapshot once this many events follow the
	// latest cutoff. Zero disables the count trigger.
	EventThreshold int64

	// MaxAge triggers a snapshot once the latest snapshot (or the stream,
	// when there is none) is this old and has new events. Zero disables it.
	MaxAge time.Duration

	// ExpiryGrace is how long superseded snapshots are kept for in-flight readers.
	ExpiryGrace time.Duration
}

// DefaultSnapshotPolicy returns 100 events, 7 days, 24h grace.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		EventThreshold: 100,
		MaxAge:         7 * 24 * time.Hour,
		ExpiryGrace:    24 * time.Hour,
	}
}

// SnapshotState is the per-task snapshot state.
type SnapshotState int

const (
	// NoSnapshot means the task has never been snapshotted.
	NoSnapshot SnapshotState = iota

	// HasSnapshot means a snapshot with a cutoff exists.
	HasSnapshot
)

// String returns the state name.
func (s SnapshotState) String() string {
	if s == HasSnapshot {
		return "has_snapshot"
	}
	return "no_snapshot"
}

// SnapshotStatus reports the snapshot state of one task.
type SnapshotStatus struct {
	State         SnapshotState
	CutoffEventID string
	Version       int64
	CreatedAt     time.Time
}

// SnapshotTrigger names what caused a snapshot.
type SnapshotTrigger string

// Snapshot triggers.
const (
	TriggerNone   SnapshotTrigger = "none"
	TriggerCount  SnapshotTrigger = "count"
	TriggerAge    SnapshotTrigger = "age"
	TriggerForced SnapshotTrigger = "forced"
)

// SnapshotDecision is the result of evaluating the policy for a task.
type SnapshotDecision struct {
	Trigger           SnapshotTrigger
	StreamVersion     int64
	EventsSinceCutoff int64
	Age               time.Duration
}

// SnapshotManager materializes task snapshots to bound replay cost.
type SnapshotManager struct {
	store      *EventStore
	snapshots  adapters.SnapshotAdapter
	loader     *TaskLoader
	serializer Serializer
	policy     SnapshotPolicy
	logger     Logger
	now        func() time.Time
}

// SnapshotOption configures a SnapshotManager.
type SnapshotOption func(*snapshotConfig)

type snapshotConfig struct {
	policy        SnapshotPolicy
	serializer    Serializer
	reconstructor *Reconstructor
	logger        Logger
	now           func() time.Time
}

// WithSnapshotPolicy sets the trigger policy.
func WithSnapshotPolicy(p SnapshotPolicy) SnapshotOption {
	return func(c *snapshotConfig) {
		c.policy = p
	}
}

// WithSnapshotSerializer sets the state codec. The default is JSON.
func WithSnapshotSerializer(s Serializer) SnapshotOption {
	return func(c *snapshotConfig) {
		c.serializer = s
	}
}

// WithSnapshotReconstructor sets the fold used to build snapshots.
func WithSnapshotReconstructor(r *Reconstructor) SnapshotOption {
	return func(c *snapshotConfig) {
		c.reconstructor = r
	}
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(l Logger) SnapshotOption {
	return func(c *snapshotConfig) {
		c.logger = l
	}
}

// WithSnapshotClock sets the time source.
func WithSnapshotClock(now func() time.Time) SnapshotOption {
	return func(c *snapshotConfig) {
		c.now = now
	}
}

// NewSnapshotManager creates a manager storing snapshots in snapshots.
func NewSnapshotManager(store *EventStore, snapshots adapters.SnapshotAdapter, opts ...SnapshotOption) *SnapshotManager {
	cfg := &snapshotConfig{
		policy:     DefaultSnapshotPolicy(),
		serializer: NewJSONSerializer(),
		logger:     store.Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.reconstructor == nil {
		cfg.reconstructor = NewReconstructor(WithReconstructorLogger(cfg.logger))
	}

	return &SnapshotManager{
		store:      store,
		snapshots:  snapshots,
		loader:     NewTaskLoader(store, snapshots, cfg.serializer, cfg.reconstructor),
		serializer: cfg.serializer,
		policy:     cfg.policy,
		logger:     cfg.logger,
		now:        cfg.now,
	}
}

// Loader returns a task loader that reads through this manager's snapshots.
func (m *SnapshotManager) Loader() *TaskLoader {
	return m.loader
}

// Policy returns the configured policy.
func (m *SnapshotManager) Policy() SnapshotPolicy {
	return m.policy
}

// State reports whether a task has a snapshot and its cutoff.
func (m *SnapshotManager) State(ctx context.Context, tenantID, taskID string) (SnapshotStatus, error) {
	key := adapters.NewStreamKey(tenantID, taskID)
	rec, err := m.snapshots.LatestSnapshot(ctx, key)
	if err != nil {
		return SnapshotStatus{}, m.store.translate("latest snapshot", key, err)
	}
	if rec == nil {
		return SnapshotStatus{State: NoSnapshot}, nil
	}
	return SnapshotStatus{
		State:         HasSnapshot,
		CutoffEventID: rec.CutoffEventID,
		Version:       rec.Version,
		CreatedAt:     rec.CreatedAt,
	}, nil
}

// Evaluate applies the policy to a task without snapshotting it.
func (m *SnapshotManager) Evaluate(ctx context.Context, tenantID, taskID string) (*SnapshotDecision, error) {
	key := adapters.NewStreamKey(tenantID, taskID)
	info, err := m.store.Adapter().GetStreamInfo(ctx, key)
	if err != nil {
		return nil, m.store.translate("stream info", key, err)
	}

	status, err := m.State(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	since := info.CreatedAt
	if status.State == HasSnapshot {
		since = status.CreatedAt
	}
	decision := &SnapshotDecision{
		Trigger:           TriggerNone,
		StreamVersion:     info.Version,
		EventsSinceCutoff: info.Version - status.Version,
		Age:               m.now().Sub(since),
	}

	switch {
	case decision.EventsSinceCutoff <= 0:
	case m.policy.EventThreshold > 0 && decision.EventsSinceCutoff >= m.policy.EventThreshold:
		decision.Trigger = TriggerCount
	case m.policy.MaxAge > 0 && decision.Age >= m.policy.MaxAge:
		decision.Trigger = TriggerAge
	}
	return decision, nil
}

// MaybeSnapshot snapshots the task when the policy triggers. The returned
// snapshot is nil when nothing was taken.
func (m *SnapshotManager) MaybeSnapshot(ctx context.Context, tenantID, taskID string) (*SnapshotDecision, *Snapshot, error) {
	decision, err := m.Evaluate(ctx, tenantID, taskID)
	if err != nil || decision.Trigger == TriggerNone {
		return decision, nil, err
	}
	snap, err := m.take(ctx, tenantID, taskID, decision.Trigger)
	if err != nil {
		return decision, nil, err
	}
	return decision, snap, nil
}

// Take snapshots the task regardless of the policy. It returns
// ErrSnapshotUpToDate when no event follows the latest snapshot.
func (m *SnapshotManager) Take(ctx context.Context, tenantID, taskID string) (*Snapshot, error) {
	return m.take(ctx, tenantID, taskID, TriggerForced)
}

func (m *SnapshotManager) take(ctx context.Context, tenantID, taskID string, trigger SnapshotTrigger) (*Snapshot, error) {
	key := adapters.NewStreamKey(tenantID, taskID)
	status, err := m.State(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	task, err := m.loader.Load(ctx, tenantID, taskID)
	if err != nil {
		if errors.Is(err, ErrCorruptStream) {
			m.logger.Error("Refusing to snapshot corrupt stream", "stream", key.String(), "error", err)
		}
		return nil, err
	}
	if status.State == HasSnapshot && task.Version <= status.Version {
		return nil, ErrSnapshotUpToDate
	}

	now := m.now().UTC()
	snap := NewSnapshot(task, now)
	rec, err := EncodeSnapshot(m.serializer, snap)
	if err != nil {
		return nil, err
	}
	if err := m.snapshots.SaveSnapshot(ctx, rec, now.Add(m.policy.ExpiryGrace)); err != nil {
		return nil, m.store.translate("save snapshot", key, err)
	}

	m.logger.Info("Snapshot taken",
		"stream", key.String(), "trigger", string(trigger),
		"cutoff", snap.CutoffEventID, "version", snap.Version)
	return snap, nil
}

// Run evaluates the policy for the task of every event received until events
// is closed or ctx is done. Failures are logged and do not stop the loop.
func (m *SnapshotManager) Run(ctx context.Context, events <-chan adapters.StoredEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case se, ok := <-events:
			if !ok {
				return nil
			}
			if _, _, err := m.MaybeSnapshot(ctx, se.TenantID, se.AggregateID); err != nil && !errors.Is(err, ErrSnapshotUpToDate) {
				m.logger.Warn("Snapshot evaluation failed", "stream", se.Key().String(), "error", err)
			}
		}
	}
}

// PurgeExpired deletes superseded snapshots whose grace period has passed.
func (m *SnapshotManager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.snapshots.PurgeExpiredSnapshots(ctx, m.now().UTC())
	if err != nil {
		return 0, NewTransientError("purge snapshots", err)
	}
	if n > 0 {
		m.logger.Info("Purged expired snapshots", "count", n)
	}
	return n, nil
}
