// Package msgpack provides a MessagePack snapshot codec for kin.
//
// MessagePack snapshots are smaller than JSON ones and decode faster, which
// matters for long-lived tasks that are loaded often. Struct fields are
// keyed by their json tags so the two codecs agree on field names.
//
//	manager := kin.NewSnapshotManager(store, adapter,
//		kin.WithSnapshotSerializer(msgpack.NewSerializer()))
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	kin "github.com/AshkanYarmoradi/go-kin"
)

// Name is the format name reported by Serializer.Name.
const Name = "msgpack"

var _ kin.Serializer = (*Serializer)(nil)

// Serializer is a MessagePack implementation of kin.Serializer.
type Serializer struct {
	structTag   string
	compactInts bool
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithStructTag sets the struct tag used for field names. The default is "json".
func WithStructTag(tag string) SerializerOption {
	return func(s *Serializer) {
		s.structTag = tag
	}
}

// WithCompactInts toggles encoding integers in the smallest fitting type.
func WithCompactInts(enabled bool) SerializerOption {
	return func(s *Serializer) {
		s.compactInts = enabled
	}
}

// NewSerializer creates a Serializer keyed by json tags with compact ints.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{structTag: "json", compactInts: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements kin.Serializer.
func (s *Serializer) Name() string { return Name }

// Marshal converts v to MessagePack bytes.
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &SerializationError{Type: "nil", Operation: "marshal", Err: fmt.Errorf("value cannot be nil")}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(s.structTag)
	enc.UseCompactInts(s.compactInts)
	if err := enc.Encode(v); err != nil {
		return nil, &SerializationError{Type: typeName(v), Operation: "marshal", Err: err}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack bytes into v.
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Err: fmt.Errorf("data cannot be empty")}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(s.structTag)
	if err := dec.Decode(v); err != nil {
		return &SerializationError{Type: typeName(v), Operation: "unmarshal", Err: err}
	}

	// MessagePack timestamps carry no zone and decode as local time.
	if task, ok := v.(*kin.Task); ok {
		normalizeTask(task)
	}
	return nil
}

func normalizeTask(t *kin.Task) {
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		t.CompletedAt = &c
	}
	if t.DeletedAt != nil {
		d := t.DeletedAt.UTC()
		t.DeletedAt = &d
	}
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// SerializationError represents a marshal or unmarshal failure.
type SerializationError struct {
	Type      string
	Operation string // "marshal" or "unmarshal"
	Err       error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("kin/msgpack: failed to %s %s: %v", e.Operation, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}
