package kin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// EventStore appends and reads task events through an adapter.
type EventStore struct {
	adapter adapters.EventStoreAdapter
	logger  Logger
	now     func() time.Time
}

// Logger defines the logging interface used across the engine.
// Arguments after msg are key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithClock sets the time source used to stamp new events.
func WithClock(now func() time.Time) Option {
	return func(es *EventStore) {
		es.now = now
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter: adapter,
		logger:  &noopLogger{},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Logger returns the configured logger.
func (s *EventStore) Logger() Logger {
	return s.logger
}

// Now returns the current time of the store clock in UTC.
func (s *EventStore) Now() time.Time {
	return s.now().UTC()
}

// AppendResult describes a successful append.
type AppendResult struct {
	// EventIDs are the ids of the appended events, in order.
	EventIDs []string

	// Version is the stream version after the append.
	Version int64

	// Events are the appended events as stored.
	Events []Event
}

// Append stores a batch of events for one task. Either every event is stored
// or none is. expectedVersion follows the adapters version constants.
// Events missing an id or timestamp get one; events naming a different
// tenant or task are rejected.
func (s *EventStore) Append(ctx context.Context, tenantID, aggregateID string, expectedVersion int64, events []Event) (*AppendResult, error) {
	key := adapters.NewStreamKey(tenantID, aggregateID)
	if err := key.Validate(); err != nil {
		return nil, NewValidationError("", "stream", err.Error())
	}
	if len(events) == 0 {
		return nil, NewValidationError("", "events", "event batch is empty")
	}

	now := s.Now()
	prevID := ""
	records := make([]adapters.EventRecord, len(events))
	for i, e := range events {
		if e.TenantID == "" {
			e.TenantID = tenantID
		}
		if e.AggregateID == "" {
			e.AggregateID = aggregateID
		}
		if e.TenantID != tenantID || e.AggregateID != aggregateID {
			return nil, NewValidationError("", "events", fmt.Sprintf("event %d belongs to %s/%s", i, e.TenantID, e.AggregateID))
		}
		if err := ValidatePayload(e.Payload); err != nil {
			if errors.Is(err, ErrUnknownEventKind) {
				return nil, NewValidationError("", "kind", fmt.Sprintf("event %d has unknown kind %q", i, e.Payload.EventKind()))
			}
			return nil, err
		}
		if e.ID == "" {
			e.ID = NextEventID(prevID)
		}
		prevID = e.ID
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}

		record, err := EncodeEvent(e)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	stored, err := s.adapter.Append(ctx, key, expectedVersion, records)
	if err != nil {
		return nil, s.translate("append", key, err)
	}

	result := &AppendResult{
		EventIDs: make([]string, len(stored)),
		Events:   make([]Event, 0, len(stored)),
	}
	for i, se := range stored {
		result.EventIDs[i] = se.ID
		e, err := DecodeEvent(se)
		if err != nil {
			return nil, err
		}
		result.Events = append(result.Events, e)
	}
	if n := len(stored); n > 0 {
		result.Version = stored[n-1].Version
	}

	s.logger.Debug("Appended events",
		"tenant", tenantID, "task", aggregateID, "count", len(stored), "version", result.Version)

	return result, nil
}

// Read returns every event of a task in creation order. A missing stream
// yields an empty slice.
func (s *EventStore) Read(ctx context.Context, tenantID, aggregateID string) ([]Event, error) {
	key := adapters.NewStreamKey(tenantID, aggregateID)
	stored, err := s.adapter.Load(ctx, key, 0)
	if err != nil {
		return nil, s.translate("read", key, err)
	}
	return DecodeEvents(stored)
}

// ReadRaw returns the stored records of a task without decoding them.
func (s *EventStore) ReadRaw(ctx context.Context, tenantID, aggregateID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	key := adapters.NewStreamKey(tenantID, aggregateID)
	stored, err := s.adapter.Load(ctx, key, fromVersion)
	if err != nil {
		return nil, s.translate("read", key, err)
	}
	return stored, nil
}

// ReadSince returns the events appended after afterEventID.
// Returns an error matching adapters.ErrEventNotFound when the id is not in
// the stream.
func (s *EventStore) ReadSince(ctx context.Context, tenantID, aggregateID, afterEventID string) ([]Event, error) {
	key := adapters.NewStreamKey(tenantID, aggregateID)
	stored, err := s.adapter.LoadAfter(ctx, key, afterEventID)
	if err != nil {
		return nil, s.translate("read since", key, err)
	}
	return DecodeEvents(stored)
}

// ReadTenant returns up to limit events of every task of a tenant after
// fromPosition, in global order.
func (s *EventStore) ReadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]Event, error) {
	stored, err := s.adapter.LoadTenant(ctx, tenantID, fromPosition, limit)
	if err != nil {
		return nil, s.translate("read tenant", adapters.StreamKey{TenantID: tenantID}, err)
	}
	return DecodeEvents(stored)
}

// StreamVersion returns the current version of a task stream, 0 if it does not exist.
func (s *EventStore) StreamVersion(ctx context.Context, tenantID, aggregateID string) (int64, error) {
	key := adapters.NewStreamKey(tenantID, aggregateID)
	info, err := s.adapter.GetStreamInfo(ctx, key)
	if err != nil {
		if errors.Is(err, adapters.ErrStreamNotFound) {
			return 0, nil
		}
		return 0, s.translate("stream info", key, err)
	}
	return info.Version, nil
}

// Initialize sets up the adapter storage.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases adapter resources.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

// translate maps adapter errors into the kin taxonomy.
func (s *EventStore) translate(op string, key adapters.StreamKey, err error) error {
	switch {
	case errors.Is(err, adapters.ErrConcurrencyConflict),
		errors.Is(err, ErrTransient),
		errors.Is(err, adapters.ErrEventNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("kin: %s %s: %w", op, key, err)
	case errors.Is(err, adapters.ErrStreamNotFound):
		return &NotFoundError{TenantID: key.TenantID, TaskID: key.AggregateID}
	case errors.Is(err, adapters.ErrEmptyStreamKey),
		errors.Is(err, adapters.ErrNoEvents),
		errors.Is(err, adapters.ErrInvalidVersion):
		return NewValidationError("", "stream", err.Error())
	default:
		s.logger.Error("Event store operation failed", "op", op, "stream", key.String(), "error", err)
		return fmt.Errorf("kin: %s %s: %w", op, key, err)
	}
}
