// Package adapters provides interfaces for task event store backends.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so the engine can classify failures the same way across backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("kin: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("kin: stream not found")

	// ErrEmptyStreamKey is returned when the tenant or aggregate id is missing.
	ErrEmptyStreamKey = errors.New("kin: tenant and aggregate id are required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("kin: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("kin: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("kin: adapter is closed")

	// ErrEventNotFound is returned when a referenced event id is not part of the stream.
	ErrEventNotFound = errors.New("kin: event not found")

	// ErrRowNotFound is returned when a projection row does not exist.
	ErrRowNotFound = errors.New("kin: projection row not found")

	// ErrTransient marks a failure that may succeed when retried
	// (throttling, dropped connections, serialization failures).
	ErrTransient = errors.New("kin: transient infrastructure failure")
)

// Metadata contains event context for tracing and causation.
type Metadata struct {
	// CorrelationID links every event produced while serving one request.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command that produced the event.
	CausationID string `json:"causationId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventRecord is an encoded event ready to be appended.
type EventRecord struct {
	// ID is the time-sortable event identifier.
	ID string

	// Kind is the event kind, e.g. "task.created".
	Kind string

	// SchemaVersion is the payload schema revision.
	SchemaVersion int

	// ActorID is the user that caused the event.
	ActorID string

	// Data is the serialized payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata

	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	ID            string
	TenantID      string
	AggregateID   string
	Kind          string
	SchemaVersion int
	ActorID       string
	Data          []byte
	Metadata      Metadata
	Timestamp     time.Time

	// Version is the position within the aggregate stream (1-based).
	Version int64

	// GlobalPosition is the ordering position across all streams.
	GlobalPosition uint64
}

// Key returns the stream key the event belongs to.
func (e StoredEvent) Key() StreamKey {
	return StreamKey{TenantID: e.TenantID, AggregateID: e.AggregateID}
}

// StreamInfo contains metadata about one aggregate stream.
type StreamInfo struct {
	Key        StreamKey
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventStoreAdapter is the interface that database adapters must implement.
type EventStoreAdapter interface {
	// Append stores events to the stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// Either every record is stored or none is.
	Append(ctx context.Context, key StreamKey, expectedVersion int64, records []EventRecord) ([]StoredEvent, error)

	// Load retrieves events with a version greater than fromVersion.
	// Use fromVersion=0 to load all events.
	Load(ctx context.Context, key StreamKey, fromVersion int64) ([]StoredEvent, error)

	// LoadAfter retrieves every event appended after the given event id.
	// Returns ErrEventNotFound if the id is not part of the stream.
	LoadAfter(ctx context.Context, key StreamKey, afterEventID string) ([]StoredEvent, error)

	// LoadTenant retrieves events of every aggregate of a tenant in global order.
	LoadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, key StreamKey) (*StreamInfo, error)

	// Initialize sets up the required storage.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// FeedAdapter exposes the global event log to change-feed consumers.
type FeedAdapter interface {
	// LoadFromPosition loads events with a global position greater than fromPosition.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)

	// SubscribeAll streams every event after fromPosition, then new appends,
	// until ctx is cancelled.
	SubscribeAll(ctx context.Context, fromPosition uint64) (<-chan StoredEvent, error)
}

// SnapshotRecord represents a stored aggregate snapshot.
type SnapshotRecord struct {
	TenantID    string
	AggregateID string

	// CutoffEventID is the id of the last event folded into Data.
	CutoffEventID string

	// Version is the aggregate version at the cutoff.
	Version int64

	// Data is the encoded aggregate state.
	Data []byte

	CreatedAt time.Time

	// ExpiresAt is set once a newer snapshot supersedes this one.
	ExpiresAt *time.Time
}

// Key returns the stream key of the snapshot.
func (r SnapshotRecord) Key() StreamKey {
	return StreamKey{TenantID: r.TenantID, AggregateID: r.AggregateID}
}

// Expired reports whether the snapshot expiry has passed at now.
func (r SnapshotRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// SnapshotAdapter stores aggregate snapshots.
type SnapshotAdapter interface {
	// SaveSnapshot stores the snapshot and stamps expireAt on every prior
	// snapshot of the same stream that has no expiry yet.
	SaveSnapshot(ctx context.Context, record *SnapshotRecord, expireAt time.Time) error

	// LatestSnapshot returns the snapshot with the highest version.
	// Returns nil, nil if no snapshot exists.
	LatestSnapshot(ctx context.Context, key StreamKey) (*SnapshotRecord, error)

	// ListSnapshots returns every retained snapshot of a stream, oldest first.
	ListSnapshots(ctx context.Context, key StreamKey) ([]*SnapshotRecord, error)

	// PurgeExpiredSnapshots deletes snapshots whose expiry is not after now.
	PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error)
}

// Projection row statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusDeleted   = "deleted"
)

// ProjectionRow is the denormalized read model of one task.
type ProjectionRow struct {
	TenantID    string     `json:"tenantId"`
	AggregateID string     `json:"aggregateId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Assignees   []string   `json:"assignees,omitempty"`
	Status      string     `json:"status"`
	Active      bool       `json:"active"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	Version     int64      `json:"version"`
	LastEventID string     `json:"lastEventId"`
}

// Key returns the stream key of the row.
func (r ProjectionRow) Key() StreamKey {
	return StreamKey{TenantID: r.TenantID, AggregateID: r.AggregateID}
}

// ProjectionAdapter persists projection rows and the active index.
type ProjectionAdapter interface {
	// GetRow returns the row for key or ErrRowNotFound.
	GetRow(ctx context.Context, key StreamKey) (*ProjectionRow, error)

	// PutRow writes the row if the stored last event id still equals
	// expectedLastEventID ("" means the row must not exist yet).
	// Returns ErrConcurrencyConflict otherwise.
	PutRow(ctx context.Context, row *ProjectionRow, expectedLastEventID string) error

	// ListActive returns active rows of a tenant ordered by aggregate id.
	// limit <= 0 means no limit.
	ListActive(ctx context.Context, tenantID string, limit int) ([]*ProjectionRow, error)

	// DeleteRow removes a row permanently. Used by explicit erasure requests only.
	DeleteRow(ctx context.Context, key StreamKey) error

	// ResetTenant removes every row of a tenant ahead of a rebuild.
	ResetTenant(ctx context.Context, tenantID string) error
}

// CheckpointAdapter manages change-feed checkpoints.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed global position for a consumer.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, name string) (uint64, error)

	// SetCheckpoint stores the last processed global position for a consumer.
	SetCheckpoint(ctx context.Context, name string, position uint64) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}
