package kin

import (
	"context"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// ProjectionRebuilder rebuilds the task projection of a tenant from scratch.
// It replays every event of the tenant through the projection updater.
type ProjectionRebuilder struct {
	store     *EventStore
	rows      adapters.ProjectionAdapter
	updater   *ProjectionUpdater
	logger    Logger
	batchSize int
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets the batch size for rebuilding.
func WithRebuilderBatchSize(size int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.batchSize = size
	}
}

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// NewProjectionRebuilder creates a new projection rebuilder.
func NewProjectionRebuilder(store *EventStore, rows adapters.ProjectionAdapter, updater *ProjectionUpdater, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		store:     store,
		rows:      rows,
		updater:   updater,
		logger:    &noopLogger{},
		batchSize: 1000,
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.batchSize <= 0 {
		r.batchSize = 1000
	}

	return r
}

// RebuildProgress tracks the progress of a projection rebuild.
type RebuildProgress struct {
	TenantID string

	// ProcessedEvents is the number of events replayed so far.
	ProcessedEvents int

	Applied      int
	Skipped      int
	DeadLettered int
	Failed       int

	// CurrentPosition is the global position of the last replayed event.
	CurrentPosition uint64

	StartedAt time.Time
	Duration  time.Duration
	Completed bool
}

// ProgressCallback is called after every batch.
type ProgressCallback func(progress RebuildProgress)

// Rebuild clears the tenant's rows and replays its events. It returns an
// error if any event failed transiently; those rows must be rebuilt again.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, tenantID string, progress ProgressCallback) (RebuildProgress, error) {
	p := RebuildProgress{TenantID: tenantID, StartedAt: time.Now()}

	if err := r.rows.ResetTenant(ctx, tenantID); err != nil {
		return p, NewTransientError("reset projection", err)
	}
	r.logger.Info("Rebuilding projection", "tenant", tenantID)

	for {
		batch, err := r.store.Adapter().LoadTenant(ctx, tenantID, p.CurrentPosition, r.batchSize)
		if err != nil {
			return p, r.store.translate("read tenant", adapters.StreamKey{TenantID: tenantID}, err)
		}
		if len(batch) == 0 {
			break
		}

		result := r.updater.ApplyBatch(ctx, batch)
		p.ProcessedEvents += len(batch)
		p.Applied += result.Applied
		p.Skipped += result.Skipped
		p.DeadLettered += result.DeadLettered
		p.Failed += len(result.Failures)
		p.CurrentPosition = batch[len(batch)-1].GlobalPosition
		p.Duration = time.Since(p.StartedAt)

		if progress != nil {
			progress(p)
		}
		if len(batch) < r.batchSize {
			break
		}
	}

	p.Completed = true
	p.Duration = time.Since(p.StartedAt)
	if progress != nil {
		progress(p)
	}

	r.logger.Info("Projection rebuilt",
		"tenant", tenantID, "events", p.ProcessedEvents, "deadLettered", p.DeadLettered,
		"failed", p.Failed, "duration", p.Duration)

	if p.Failed > 0 {
		return p, fmt.Errorf("kin: rebuild of tenant %q left %d event(s) unapplied: %w", tenantID, p.Failed, ErrTransient)
	}
	return p, nil
}
