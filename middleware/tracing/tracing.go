// Package tracing provides OpenTelemetry integration for kin.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	tracer := tracing.NewTracer(tracing.WithTracerProvider(tp))
//
//	store := kin.New(tracing.NewEventStoreMiddleware(adapter, tracer))
//	processor := kin.NewProcessor(store,
//		kin.WithMiddleware(tracing.CommandMiddleware(tracer)))
//
// Command spans carry the tenant, task, command and correlation ids, and the
// attempt count of the optimistic retry loop. Store spans are children of
// the command span, so a retried conflict shows up as repeated load/append
// pairs under one command.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

const (
	// TracerName is the instrumentation name of kin spans.
	TracerName = "github.com/AshkanYarmoradi/go-kin"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "kin"
)

// Attribute keys.
const (
	AttrService       = attribute.Key("kin.service")
	AttrCommandType   = attribute.Key("kin.command.type")
	AttrCommandID     = attribute.Key("kin.command.id")
	AttrCorrelationID = attribute.Key("kin.correlation_id")
	AttrTenantID      = attribute.Key("kin.tenant_id")
	AttrTaskID        = attribute.Key("kin.task_id")
	AttrVersion       = attribute.Key("kin.version")
	AttrAttempts      = attribute.Key("kin.attempts")
	AttrReconciled    = attribute.Key("kin.reconciled")
	AttrErrorKind     = attribute.Key("kin.error.kind")
	AttrStream        = attribute.Key("kin.stream")
	AttrEventKinds    = attribute.Key("kin.events.kinds")
	AttrEventCount    = attribute.Key("kin.events.count")
	AttrEventID       = attribute.Key("kin.event.id")
)

// Tracer wraps an OpenTelemetry tracer for kin operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewStdoutProvider builds a synchronous provider that pretty-prints spans
// to w. Used by the CLI --trace flag.
func NewStdoutProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("kin/tracing: failed to create stdout exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), nil
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// end records err on span. Expected rejections (validation, not found,
// conflicts) are tagged with their kind but keep an unset status.
func end(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	kind := kin.KindOf(err)
	span.SetAttributes(AttrErrorKind.String(string(kind)))
	span.RecordError(err)
	switch kind {
	case kin.KindValidation, kin.KindNotFound, kin.KindConflict, kin.KindUnauthorize:
	default:
		span.SetStatus(codes.Error, err.Error())
	}
}

// CommandMiddleware creates processor middleware that traces command execution.
func CommandMiddleware(tracer *Tracer) kin.Middleware {
	return func(next kin.HandleFunc) kin.HandleFunc {
		return func(ctx context.Context, cmd kin.Command) (*kin.Result, error) {
			env := cmd.Envelope()
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					AttrService.String(tracer.serviceName),
					AttrCommandType.String(cmd.CommandType()),
					AttrTenantID.String(env.TenantID),
				),
			)
			if env.TaskID != "" {
				span.SetAttributes(AttrTaskID.String(env.TaskID))
			}
			if env.CommandID != "" {
				span.SetAttributes(AttrCommandID.String(env.CommandID))
			}
			if env.CorrelationID != "" {
				span.SetAttributes(AttrCorrelationID.String(env.CorrelationID))
			}

			result, err := next(ctx, cmd)
			if err == nil && result != nil {
				span.SetAttributes(
					AttrTaskID.String(result.TaskID),
					AttrVersion.Int64(result.Version),
					AttrAttempts.Int(result.Attempts),
					AttrReconciled.Bool(result.Reconciled),
				)
			}
			end(span, err)
			return result, err
		}
	}
}

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// NewEventStoreMiddleware wraps an adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

func (m *EventStoreMiddleware) start(ctx context.Context, op string, key adapters.StreamKey) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrService.String(m.tracer.serviceName)}
	if key != (adapters.StreamKey{}) {
		attrs = append(attrs, AttrStream.String(key.String()))
	}
	return m.tracer.StartSpan(ctx, "eventstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, key adapters.StreamKey, expectedVersion int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "append", key)

	kinds := make([]string, len(records))
	for i, r := range records {
		kinds[i] = r.Kind
	}
	span.SetAttributes(
		attribute.Int64("kin.expected_version", expectedVersion),
		AttrEventCount.Int(len(records)),
		AttrEventKinds.StringSlice(kinds),
	)

	stored, err := m.adapter.Append(ctx, key, expectedVersion, records)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			AttrVersion.Int64(last.Version),
			attribute.Int64("kin.global_position", int64(last.GlobalPosition)),
		)
	}
	end(span, err)
	return stored, err
}

// Load retrieves events with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, key adapters.StreamKey, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load", key)
	span.SetAttributes(attribute.Int64("kin.from_version", fromVersion))

	events, err := m.adapter.Load(ctx, key, fromVersion)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	end(span, err)
	return events, err
}

// LoadAfter retrieves events after a cutoff with tracing.
func (m *EventStoreMiddleware) LoadAfter(ctx context.Context, key adapters.StreamKey, afterEventID string) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load_after", key)
	span.SetAttributes(AttrEventID.String(afterEventID))

	events, err := m.adapter.LoadAfter(ctx, key, afterEventID)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	end(span, err)
	return events, err
}

// LoadTenant retrieves tenant events with tracing.
func (m *EventStoreMiddleware) LoadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load_tenant", adapters.StreamKey{})
	span.SetAttributes(
		AttrTenantID.String(tenantID),
		attribute.Int64("kin.from_position", int64(fromPosition)),
	)

	events, err := m.adapter.LoadTenant(ctx, tenantID, fromPosition, limit)
	span.SetAttributes(AttrEventCount.Int(len(events)))
	end(span, err)
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, key adapters.StreamKey) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "get_stream_info", key)
	info, err := m.adapter.GetStreamInfo(ctx, key)
	end(span, err)
	return info, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "initialize", adapters.StreamKey{})
	err := m.adapter.Initialize(ctx)
	end(span, err)
	return err
}

// Close closes the wrapped adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// DeadLetterMiddleware traces dead-letter publishing.
type DeadLetterMiddleware struct {
	next   kin.DeadLetterPublisher
	tracer *Tracer
}

var _ kin.DeadLetterPublisher = (*DeadLetterMiddleware)(nil)

// NewDeadLetterMiddleware wraps a dead-letter publisher with tracing.
func NewDeadLetterMiddleware(next kin.DeadLetterPublisher, tracer *Tracer) *DeadLetterMiddleware {
	return &DeadLetterMiddleware{next: next, tracer: tracer}
}

// Publish forwards the letter inside a producer span.
func (d *DeadLetterMiddleware) Publish(ctx context.Context, dl *kin.DeadLetter) error {
	ctx, span := d.tracer.StartSpan(ctx, "deadletter.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrService.String(d.tracer.serviceName),
			attribute.String("kin.deadletter.destination", d.next.Destination()),
			AttrStream.String(dl.Event.Key().String()),
			AttrEventID.String(dl.Event.ID),
			AttrErrorKind.String(string(dl.Kind)),
		),
	)
	err := d.next.Publish(ctx, dl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return err
}

// Destination reports the wrapped destination.
func (d *DeadLetterMiddleware) Destination() string {
	return d.next.Destination()
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
