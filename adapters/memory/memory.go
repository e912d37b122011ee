// Package memory provides an in-memory implementation of every kin storage adapter.
// It is intended for tests, local development and the CLI memory driver.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/google/uuid"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.FeedAdapter       = (*MemoryAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*MemoryAdapter)(nil)
	_ adapters.ProjectionAdapter = (*MemoryAdapter)(nil)
	_ adapters.CheckpointAdapter = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
)

// Operation names accepted by FailNext.
const (
	OpAppend       = "append"
	OpLoad         = "load"
	OpGetRow       = "get_row"
	OpPutRow       = "put_row"
	OpSaveSnapshot = "save_snapshot"
)

// MemoryAdapter is a thread-safe in-memory backend.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[adapters.StreamKey]*streamData
	eventIDs       map[string]struct{}
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	snapshots      map[adapters.StreamKey][]*adapters.SnapshotRecord
	rows           map[adapters.StreamKey]*adapters.ProjectionRow
	checkpoints    *CheckpointStore
	faults         map[string][]error
	closed         bool
	now            func() time.Time

	subscribersMu sync.Mutex
	subscribers   []*subscriber
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock overrides the time source used for stream timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates a new in-memory adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:     make(map[adapters.StreamKey]*streamData),
		eventIDs:    make(map[string]struct{}),
		snapshots:   make(map[adapters.StreamKey][]*adapters.SnapshotRecord),
		rows:        make(map[adapters.StreamKey]*adapters.ProjectionRow),
		checkpoints: NewCheckpointStore(),
		faults:      make(map[string][]error),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// FailNext queues err to be returned by the next call of the named operation.
// Queued errors are consumed in order, one per call.
func (a *MemoryAdapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op] = append(a.faults[op], err)
}

// fault pops a queued error for op. Caller must hold a.mu.
func (a *MemoryAdapter) fault(op string) error {
	queue := a.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	a.faults[op] = queue[1:]
	return err
}

// Append stores events to the stream with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, key adapters.StreamKey, expectedVersion int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, adapters.ErrNoEvents
	}
	if err := a.fault(OpAppend); err != nil {
		return nil, err
	}

	stream, exists := a.streams[key]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(key, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	// Duplicate ids are rejected before anything is written so the batch stays atomic.
	ids := make([]string, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, record := range records {
		id := record.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		if _, dup := a.eventIDs[id]; dup {
			return nil, adapters.NewConcurrencyError(key, expectedVersion, currentVersion)
		}
		if _, dup := seen[id]; dup {
			return nil, adapters.NewConcurrencyError(key, expectedVersion, currentVersion)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}

	now := a.now()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				Key:       key,
				CreatedAt: now,
			},
		}
		a.streams[key] = stream
	}

	stored := make([]adapters.StoredEvent, len(records))
	for i, record := range records {
		a.globalPosition++
		currentVersion++

		ts := record.Timestamp
		if ts.IsZero() {
			ts = now
		}

		event := adapters.StoredEvent{
			ID:             ids[i],
			TenantID:       key.TenantID,
			AggregateID:    key.AggregateID,
			Kind:           record.Kind,
			SchemaVersion:  record.SchemaVersion,
			ActorID:        record.ActorID,
			Data:           append([]byte(nil), record.Data...),
			Metadata:       cloneMetadata(record.Metadata),
			Timestamp:      ts,
			Version:        currentVersion,
			GlobalPosition: a.globalPosition,
		}

		stream.events = append(stream.events, event)
		a.globalEvents = append(a.globalEvents, event)
		a.eventIDs[event.ID] = struct{}{}
		stored[i] = cloneEvent(event)
	}

	stream.info.Version = currentVersion
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	a.notifySubscribers(stored)

	return stored, nil
}

// Load retrieves events of a stream with a version greater than fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, key adapters.StreamKey, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := a.fault(OpLoad); err != nil {
		return nil, err
	}

	stream, exists := a.streams[key]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Version > fromVersion {
			events = append(events, cloneEvent(event))
		}
	}

	return events, nil
}

// LoadAfter retrieves the events appended after afterEventID.
func (a *MemoryAdapter) LoadAfter(ctx context.Context, key adapters.StreamKey, afterEventID string) ([]adapters.StoredEvent, error) {
	events, err := a.Load(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return adapters.EventsAfter(key, events, afterEventID)
}

// LoadTenant retrieves events of every aggregate of a tenant in global order.
func (a *MemoryAdapter) LoadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)
	var events []adapters.StoredEvent
	for _, event := range a.globalEvents {
		if event.TenantID == tenantID && event.GlobalPosition > fromPosition {
			events = append(events, cloneEvent(event))
			if len(events) >= limit {
				break
			}
		}
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, key adapters.StreamKey) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[key]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(key)
	}

	info := stream.info
	return &info, nil
}

// LoadFromPosition loads events with a global position greater than fromPosition.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)
	var events []adapters.StoredEvent
	for _, event := range a.globalEvents {
		if event.GlobalPosition > fromPosition {
			events = append(events, cloneEvent(event))
			if len(events) >= limit {
				break
			}
		}
	}

	return events, nil
}

// SubscribeAll delivers every event after fromPosition and then each new
// append, in global order and without drops, until ctx is cancelled or the
// adapter is closed.
func (a *MemoryAdapter) SubscribeAll(ctx context.Context, fromPosition uint64) (<-chan adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Holding the write lock while registering means no append can slip
	// between the history copy and the subscription.
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, adapters.ErrAdapterClosed
	}

	sub := newSubscriber()
	for _, event := range a.globalEvents {
		if event.GlobalPosition > fromPosition {
			sub.pending = append(sub.pending, cloneEvent(event))
		}
	}

	a.subscribersMu.Lock()
	a.subscribers = append(a.subscribers, sub)
	a.subscribersMu.Unlock()
	a.mu.Unlock()

	out := make(chan adapters.StoredEvent, 100)
	go sub.run(ctx, out)
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.stop:
		}
		a.removeSubscriber(sub)
	}()

	return out, nil
}

// Ping checks if the adapter is healthy.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	return nil
}

// Close releases the adapter and ends every subscription.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.subscribersMu.Lock()
	subs := a.subscribers
	a.subscribers = nil
	a.subscribersMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[adapters.StreamKey]*streamData)
	a.eventIDs = make(map[string]struct{})
	a.globalEvents = nil
	a.globalPosition = 0
	a.snapshots = make(map[adapters.StreamKey][]*adapters.SnapshotRecord)
	a.rows = make(map[adapters.StreamKey]*adapters.ProjectionRow)
	a.checkpoints.Clear()
	a.faults = make(map[string][]error)
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

func (a *MemoryAdapter) notifySubscribers(events []adapters.StoredEvent) {
	a.subscribersMu.Lock()
	defer a.subscribersMu.Unlock()

	for _, sub := range a.subscribers {
		batch := make([]adapters.StoredEvent, len(events))
		for i, e := range events {
			batch[i] = cloneEvent(e)
		}
		sub.push(batch)
	}
}

// cloneEvent copies the mutable parts of e so callers never share storage
// with the log.
func cloneEvent(e adapters.StoredEvent) adapters.StoredEvent {
	e.Data = append([]byte(nil), e.Data...)
	e.Metadata = cloneMetadata(e.Metadata)
	return e
}

func cloneMetadata(m adapters.Metadata) adapters.Metadata {
	if m.Custom != nil {
		custom := make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			custom[k] = v
		}
		m.Custom = custom
	}
	return m
}

func (a *MemoryAdapter) removeSubscriber(sub *subscriber) {
	a.subscribersMu.Lock()
	for i, s := range a.subscribers {
		if s == sub {
			a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
			break
		}
	}
	a.subscribersMu.Unlock()
	sub.close()
}

// subscriber buffers events without bound and pumps them to its channel in order.
type subscriber struct {
	mu      sync.Mutex
	pending []adapters.StoredEvent
	signal  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (s *subscriber) push(events []adapters.StoredEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, events...)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscriber) run(ctx context.Context, out chan<- adapters.StoredEvent) {
	defer close(out)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}
