package adapters

import (
	"fmt"
	"sort"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream requires the stream to not exist. Use for creating new aggregates.
	NoStream int64 = 0

	// StreamExists requires the stream to exist.
	StreamExists int64 = -2
)

// StreamKey identifies one aggregate stream inside a tenant.
type StreamKey struct {
	TenantID    string
	AggregateID string
}

// NewStreamKey is shorthand for a StreamKey literal.
func NewStreamKey(tenantID, aggregateID string) StreamKey {
	return StreamKey{TenantID: tenantID, AggregateID: aggregateID}
}

// String renders the key as "tenant/aggregate".
func (k StreamKey) String() string {
	return k.TenantID + "/" + k.AggregateID
}

// Validate returns ErrEmptyStreamKey when either part is missing.
func (k StreamKey) Validate() error {
	if k.TenantID == "" || k.AggregateID == "" {
		return ErrEmptyStreamKey
	}
	return nil
}

// ConcurrencyError provides details about a concurrency conflict.
type ConcurrencyError struct {
	Key             StreamKey
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(key StreamKey, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		Key:             key,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("kin: concurrency conflict on stream %q: expected version %d, got %d",
		e.Key.String(), e.ExpectedVersion, e.ActualVersion)
}

// Is returns true when compared with ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	Key StreamKey
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(key StreamKey) *StreamNotFoundError {
	return &StreamNotFoundError{Key: key}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("kin: stream %q not found", e.Key.String())
}

// Is returns true when compared with ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion validates the expected version against the current version.
// It is the optimistic concurrency rule shared by all adapters.
func CheckVersion(key StreamKey, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewConcurrencyError(key, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(key)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(key, expected, current)
		}
		return nil
	}
}

// EventsAfter returns the events that follow the one with afterEventID.
// events must be in stream order.
func EventsAfter(key StreamKey, events []StoredEvent, afterEventID string) ([]StoredEvent, error) {
	for i, e := range events {
		if e.ID == afterEventID {
			out := make([]StoredEvent, len(events)-i-1)
			copy(out, events[i+1:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in stream %q", ErrEventNotFound, afterEventID, key.String())
}

// CopyRow returns a deep copy of a projection row.
func CopyRow(row *ProjectionRow) *ProjectionRow {
	if row == nil {
		return nil
	}
	out := *row
	out.Tags = append([]string(nil), row.Tags...)
	out.Assignees = append([]string(nil), row.Assignees...)
	if row.CompletedAt != nil {
		t := *row.CompletedAt
		out.CompletedAt = &t
	}
	if row.DeletedAt != nil {
		t := *row.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// CopySnapshot returns a deep copy of a snapshot record.
func CopySnapshot(record *SnapshotRecord) *SnapshotRecord {
	if record == nil {
		return nil
	}
	out := *record
	out.Data = append([]byte(nil), record.Data...)
	if record.ExpiresAt != nil {
		t := *record.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// SortRowsByAggregate orders rows by aggregate id, which is time-sortable.
func SortRowsByAggregate(rows []*ProjectionRow) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].AggregateID < rows[j].AggregateID
	})
}

// DefaultLimit returns defaultValue when limit is not positive.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}
