package kin

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// EventKind identifies the variant of a domain event.
type EventKind string

// Event kinds understood by this build.
const (
	KindTaskCreated   EventKind = "task.created"
	KindTaskUpdated   EventKind = "task.updated"
	KindTaskCompleted EventKind = "task.completed"
	KindTaskReopened  EventKind = "task.reopened"
	KindTaskDeleted   EventKind = "task.deleted"
	KindTaskAssigned  EventKind = "task.assigned"
)

// KnownKinds lists every event kind this build can apply.
var KnownKinds = []EventKind{
	KindTaskCreated,
	KindTaskUpdated,
	KindTaskCompleted,
	KindTaskReopened,
	KindTaskDeleted,
	KindTaskAssigned,
}

// IsKnown reports whether k is applied by this build.
func (k EventKind) IsKnown() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// currentSchema is the schema version written for each kind.
var currentSchema = map[EventKind]int{
	KindTaskCreated:   2,
	KindTaskUpdated:   1,
	KindTaskCompleted: 1,
	KindTaskReopened:  1,
	KindTaskDeleted:   1,
	KindTaskAssigned:  1,
}

// CurrentSchemaVersion returns the schema version new events of kind k are written with.
func CurrentSchemaVersion(k EventKind) int {
	if v, ok := currentSchema[k]; ok {
		return v
	}
	return 1
}

// Payload is the kind-specific body of an event.
// The set of implementations is closed; see the Task fold.
type Payload interface {
	EventKind() EventKind
	isPayload()
}

// TaskCreated starts a task stream.
type TaskCreated struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
}

// TaskUpdated changes business fields. Nil fields are left untouched.
type TaskUpdated struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// TaskCompleted marks a task done.
type TaskCompleted struct{}

// TaskReopened moves a completed task back to active.
type TaskReopened struct{}

// TaskDeleted is the tombstone of a task stream.
type TaskDeleted struct {
	Reason string `json:"reason,omitempty"`
}

// TaskAssigned adds a family member to the task.
type TaskAssigned struct {
	AssigneeID string `json:"assigneeId"`
}

// UnknownPayload carries an event this build cannot interpret.
type UnknownPayload struct {
	Kind          EventKind
	SchemaVersion int
	Raw           json.RawMessage
}

func (TaskCreated) EventKind() EventKind      { return KindTaskCreated }
func (TaskUpdated) EventKind() EventKind      { return KindTaskUpdated }
func (TaskCompleted) EventKind() EventKind    { return KindTaskCompleted }
func (TaskReopened) EventKind() EventKind     { return KindTaskReopened }
func (TaskDeleted) EventKind() EventKind      { return KindTaskDeleted }
func (TaskAssigned) EventKind() EventKind     { return KindTaskAssigned }
func (p UnknownPayload) EventKind() EventKind { return p.Kind }

func (TaskCreated) isPayload()    {}
func (TaskUpdated) isPayload()    {}
func (TaskCompleted) isPayload()  {}
func (TaskReopened) isPayload()   {}
func (TaskDeleted) isPayload()    {}
func (TaskAssigned) isPayload()   {}
func (UnknownPayload) isPayload() {}

// Event is an immutable fact about one task.
type Event struct {
	// ID is the time-sortable event identifier.
	ID string

	TenantID    string
	AggregateID string

	Kind          EventKind
	SchemaVersion int

	// ActorID is the user that caused the event.
	ActorID string

	Timestamp time.Time

	// Version is the position of the event in its stream (1-based).
	// Zero until the event is stored.
	Version int64

	// GlobalPosition is the store-wide ordering position. Zero until stored.
	GlobalPosition uint64

	Metadata adapters.Metadata

	Payload Payload
}

// NewEvent creates an unsaved event for the given task.
func NewEvent(tenantID, aggregateID, actorID string, payload Payload) Event {
	kind := payload.EventKind()
	return Event{
		TenantID:      tenantID,
		AggregateID:   aggregateID,
		Kind:          kind,
		SchemaVersion: CurrentSchemaVersion(kind),
		ActorID:       actorID,
		Payload:       payload,
	}
}

// Key returns the stream key of the event.
func (e Event) Key() adapters.StreamKey {
	return adapters.NewStreamKey(e.TenantID, e.AggregateID)
}

// NewEventID returns a new UUIDv7 string. Ids created by one process are
// strictly increasing in lexical order.
func NewEventID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NextEventID returns an event id that sorts strictly after the given id.
// Used so that an aggregate's ids stay ordered even when the local clock is
// behind the writer of the previous event.
func NextEventID(after string) string {
	id := NewEventID()
	if after == "" || id > after {
		return id
	}
	prev, err := uuid.Parse(after)
	if err != nil || prev.Version() != 7 {
		return id
	}
	next := uuid.Must(uuid.NewV7())
	var ms [8]byte
	copy(ms[2:], prev[:6])
	binary.BigEndian.PutUint64(ms[:], binary.BigEndian.Uint64(ms[:])+1)
	copy(next[:6], ms[2:])
	return next.String()
}

// CompareEventIDs orders two event ids. It returns -1, 0 or +1.
func CompareEventIDs(a, b string) int {
	return strings.Compare(a, b)
}

// upcaster rewrites a raw payload from one schema version to the next.
type upcaster func(raw json.RawMessage) (json.RawMessage, error)

var upcasters = map[EventKind]map[int]upcaster{
	KindTaskCreated: {
		// Schema 1 had no tags.
		1: func(raw json.RawMessage) (json.RawMessage, error) {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, err
			}
			if _, ok := fields["tags"]; !ok {
				fields["tags"] = json.RawMessage("[]")
			}
			return json.Marshal(fields)
		},
	},
}

func upcast(kind EventKind, version int, raw json.RawMessage) (json.RawMessage, error) {
	for v := version; v < CurrentSchemaVersion(kind); v++ {
		up, ok := upcasters[kind][v]
		if !ok {
			return nil, fmt.Errorf("no upcaster for %s schema %d", kind, v)
		}
		var err error
		if raw, err = up(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// EncodeEvent converts an event to an adapter record.
func EncodeEvent(e Event) (adapters.EventRecord, error) {
	if e.Payload == nil {
		return adapters.EventRecord{}, NewValidationError("", "payload", "event has no payload")
	}
	if _, unknown := e.Payload.(UnknownPayload); unknown {
		return adapters.EventRecord{}, fmt.Errorf("%w: cannot append %q", ErrUnknownEventKind, e.Payload.EventKind())
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		return adapters.EventRecord{}, fmt.Errorf("kin: failed to encode %s payload: %w", e.Kind, err)
	}

	schema := e.SchemaVersion
	if schema == 0 {
		schema = CurrentSchemaVersion(e.Payload.EventKind())
	}

	return adapters.EventRecord{
		ID:            e.ID,
		Kind:          string(e.Payload.EventKind()),
		SchemaVersion: schema,
		ActorID:       e.ActorID,
		Data:          data,
		Metadata:      e.Metadata,
		Timestamp:     e.Timestamp,
	}, nil
}

// DecodeEvent converts a stored record to an event. Kinds this build does not
// know, or schema versions newer than it writes, decode to UnknownPayload.
// A malformed payload of a known kind returns a CorruptStreamError.
func DecodeEvent(se adapters.StoredEvent) (Event, error) {
	e := Event{
		ID:             se.ID,
		TenantID:       se.TenantID,
		AggregateID:    se.AggregateID,
		Kind:           EventKind(se.Kind),
		SchemaVersion:  se.SchemaVersion,
		ActorID:        se.ActorID,
		Timestamp:      se.Timestamp,
		Version:        se.Version,
		GlobalPosition: se.GlobalPosition,
		Metadata:       se.Metadata,
	}

	if !e.Kind.IsKnown() || se.SchemaVersion > CurrentSchemaVersion(e.Kind) {
		e.Payload = UnknownPayload{Kind: e.Kind, SchemaVersion: se.SchemaVersion, Raw: append(json.RawMessage(nil), se.Data...)}
		return e, nil
	}

	corrupt := func(reason string, cause error) error {
		return &CorruptStreamError{
			TenantID: se.TenantID,
			TaskID:   se.AggregateID,
			EventID:  se.ID,
			Reason:   reason,
			Cause:    cause,
		}
	}

	raw := json.RawMessage(se.Data)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if se.SchemaVersion > 0 && se.SchemaVersion < CurrentSchemaVersion(e.Kind) {
		upcasted, err := upcast(e.Kind, se.SchemaVersion, raw)
		if err != nil {
			return Event{}, corrupt("cannot upcast "+se.Kind, err)
		}
		raw = upcasted
		e.SchemaVersion = CurrentSchemaVersion(e.Kind)
	}

	var err error
	switch e.Kind {
	case KindTaskCreated:
		var p TaskCreated
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	case KindTaskUpdated:
		var p TaskUpdated
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	case KindTaskCompleted:
		var p TaskCompleted
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	case KindTaskReopened:
		var p TaskReopened
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	case KindTaskDeleted:
		var p TaskDeleted
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	case KindTaskAssigned:
		var p TaskAssigned
		err = json.Unmarshal(raw, &p)
		e.Payload = p
	}
	if err != nil {
		return Event{}, corrupt("malformed "+se.Kind+" payload", err)
	}
	return e, nil
}

// DecodeEvents decodes a slice of stored events, stopping at the first error.
func DecodeEvents(stored []adapters.StoredEvent) ([]Event, error) {
	events := make([]Event, 0, len(stored))
	for _, se := range stored {
		e, err := DecodeEvent(se)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
