package kin

import (
	"encoding/json"
	"fmt"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Serializer encodes snapshot state.
type Serializer interface {
	// Name identifies the format, e.g. "json".
	Name() string

	// Marshal converts v to bytes.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into v.
	Unmarshal(data []byte, v interface{}) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSONSerializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Name implements Serializer.
func (s *JSONSerializer) Name() string { return "json" }

// Marshal implements Serializer.
func (s *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Serializer.
func (s *JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = (*JSONSerializer)(nil)

// EncodeSnapshot converts a snapshot into a storage record.
func EncodeSnapshot(s Serializer, snap *Snapshot) (*adapters.SnapshotRecord, error) {
	data, err := s.Marshal(&snap.Task)
	if err != nil {
		return nil, fmt.Errorf("kin: failed to encode snapshot with %s: %w", s.Name(), err)
	}
	return &adapters.SnapshotRecord{
		TenantID:      snap.Task.TenantID,
		AggregateID:   snap.Task.ID,
		CutoffEventID: snap.CutoffEventID,
		Version:       snap.Version,
		Data:          data,
		CreatedAt:     snap.CreatedAt,
	}, nil
}

// DecodeSnapshot converts a storage record back into a snapshot.
func DecodeSnapshot(s Serializer, rec *adapters.SnapshotRecord) (*Snapshot, error) {
	var task Task
	if err := s.Unmarshal(rec.Data, &task); err != nil {
		return nil, fmt.Errorf("kin: failed to decode snapshot with %s: %w", s.Name(), err)
	}
	task.Tags = cloneStrings(task.Tags)
	task.Assignees = cloneStrings(task.Assignees)
	return &Snapshot{
		Task:          task,
		CutoffEventID: rec.CutoffEventID,
		Version:       rec.Version,
		CreatedAt:     rec.CreatedAt,
	}, nil
}
