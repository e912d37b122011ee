// Package metrics provides Prometheus metrics for kin.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("family-tasks"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	store := kin.New(m.WrapEventStore(adapter))
//	processor := kin.NewProcessor(store, kin.WithMiddleware(m.CommandMiddleware()))
//	updater := kin.NewProjectionUpdater(adapter,
//		kin.WithProjectionObserver(m),
//		kin.WithDeadLetters(m.WrapDeadLetters(sink)))
//
// The metrics collected include:
//   - Command counts, durations, retry attempts and failures by error kind
//   - Event store operations and event counts by kind
//   - Projection outcomes (applied, skipped, retry, dead_lettered)
//   - Dead letters published and change-feed checkpoints
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Metric labels.
const (
	LabelCommandType = "command_type"
	LabelEventKind   = "event_kind"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelOutcome     = "outcome"
	LabelErrorKind   = "error_kind"
	LabelConsumer    = "consumer"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend        = "append"
	OperationLoad          = "load"
	OperationLoadAfter     = "load_after"
	OperationLoadTenant    = "load_tenant"
	OperationGetStreamInfo = "get_stream_info"
)

// Metrics holds every Prometheus collector kin reports to.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec
	commandAttempts  *prometheus.HistogramVec

	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec

	projectionOutcomesTotal *prometheus.CounterVec
	projectionDuration      *prometheus.HistogramVec
	deadLettersTotal        *prometheus.CounterVec
	feedCheckpoint          *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

var _ kin.ProjectionObserver = (*Metrics)(nil)

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "kin",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total",
		"Total number of commands processed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds",
		"Duration of command processing in seconds.", prometheus.DefBuckets, LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight",
		"Number of commands currently being processed.", LabelCommandType)
	m.commandAttempts = m.histogram("command_attempts",
		"Load-decide-append cycles used per successful command.", []float64{1, 2, 3, 4, 5, 8}, LabelCommandType)

	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds",
		"Duration of event store operations in seconds.", prometheus.DefBuckets, LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to streams.", LabelEventKind)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded from streams.")

	m.projectionOutcomesTotal = m.counter("projection_events_total",
		"Projection outcomes per event kind.", LabelEventKind, LabelOutcome)
	m.projectionDuration = m.histogram("projection_duration_seconds",
		"Duration of projecting one event in seconds.", prometheus.DefBuckets, LabelEventKind)
	m.deadLettersTotal = m.counter("dead_letters_total",
		"Dead letters published by error kind.", LabelErrorKind, LabelStatus)
	m.feedCheckpoint = m.gauge("feed_checkpoint_position",
		"Last acknowledged change-feed position per consumer.", LabelConsumer)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by kind.", LabelErrorKind)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.commandAttempts,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionOutcomesTotal,
		m.projectionDuration,
		m.deadLettersTotal,
		m.feedCheckpoint,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CommandMiddleware returns processor middleware that records command metrics.
func (m *Metrics) CommandMiddleware() kin.Middleware {
	return func(next kin.HandleFunc) kin.HandleFunc {
		return func(ctx context.Context, cmd kin.Command) (*kin.Result, error) {
			cmdType := cmd.CommandType()

			inFlight := m.commandsInFlight.WithLabelValues(m.serviceName, cmdType)
			inFlight.Inc()
			defer inFlight.Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
				m.RecordError(err)
			} else if result != nil {
				m.commandAttempts.WithLabelValues(m.serviceName, cmdType).Observe(float64(result.Attempts))
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()

			return result, err
		}
	}
}

// ObserveProjection implements kin.ProjectionObserver.
func (m *Metrics) ObserveProjection(kind kin.EventKind, outcome string, duration time.Duration) {
	m.projectionOutcomesTotal.WithLabelValues(m.serviceName, string(kind), outcome).Inc()
	m.projectionDuration.WithLabelValues(m.serviceName, string(kind)).Observe(duration.Seconds())
}

// RecordCheckpoint records the acknowledged position of a change-feed consumer.
func (m *Metrics) RecordCheckpoint(consumer string, position uint64) {
	m.feedCheckpoint.WithLabelValues(m.serviceName, consumer).Set(float64(position))
}

// RecordError counts err under its kin error kind.
func (m *Metrics) RecordError(err error) {
	if err == nil {
		return
	}
	m.errorsTotal.WithLabelValues(m.serviceName, string(kin.KindOf(err))).Inc()
}

// DeadLetterMiddleware counts dead letters on their way to a publisher.
type DeadLetterMiddleware struct {
	next    kin.DeadLetterPublisher
	metrics *Metrics
}

var _ kin.DeadLetterPublisher = (*DeadLetterMiddleware)(nil)

// WrapDeadLetters wraps a dead-letter publisher with metrics collection.
func (m *Metrics) WrapDeadLetters(next kin.DeadLetterPublisher) *DeadLetterMiddleware {
	return &DeadLetterMiddleware{next: next, metrics: m}
}

// Publish forwards the letter and counts the attempt.
func (d *DeadLetterMiddleware) Publish(ctx context.Context, dl *kin.DeadLetter) error {
	err := d.next.Publish(ctx, dl)
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	d.metrics.deadLettersTotal.WithLabelValues(d.metrics.serviceName, string(dl.Kind), status).Inc()
	return err
}

// Destination reports the wrapped destination.
func (d *DeadLetterMiddleware) Destination() string {
	return d.next.Destination()
}

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, op+"_error").Inc()
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

func (em *EventStoreMiddleware) loaded(events []adapters.StoredEvent) {
	em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, key adapters.StreamKey, expectedVersion int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, key, expectedVersion, records)
	em.observe(OperationAppend, start, err)

	if err == nil {
		for _, r := range records {
			em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, r.Kind).Inc()
		}
	}
	return stored, err
}

// Load retrieves events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, key adapters.StreamKey, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, key, fromVersion)
	em.observe(OperationLoad, start, err)
	em.loaded(events)
	return events, err
}

// LoadAfter retrieves events after a cutoff with metrics.
func (em *EventStoreMiddleware) LoadAfter(ctx context.Context, key adapters.StreamKey, afterEventID string) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadAfter(ctx, key, afterEventID)
	em.observe(OperationLoadAfter, start, err)
	em.loaded(events)
	return events, err
}

// LoadTenant retrieves tenant events with metrics.
func (em *EventStoreMiddleware) LoadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadTenant(ctx, tenantID, fromPosition, limit)
	em.observe(OperationLoadTenant, start, err)
	em.loaded(events)
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, key adapters.StreamKey) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, key)
	em.observe(OperationGetStreamInfo, start, err)
	return info, err
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// CommandAttempts returns the attempts histogram.
func (m *Metrics) CommandAttempts() *prometheus.HistogramVec { return m.commandAttempts }

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// ProjectionOutcomesTotal returns the projection outcome counter.
func (m *Metrics) ProjectionOutcomesTotal() *prometheus.CounterVec { return m.projectionOutcomesTotal }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
