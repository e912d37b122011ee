// Package deadletter holds the wire format shared by the broker-backed
// dead-letter publishers in its subpackages.
package deadletter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Header names attached to every published dead letter.
const (
	HeaderEventID   = "kin-event-id"
	HeaderEventKind = "kin-event-kind"
	HeaderErrorKind = "kin-error-kind"
	HeaderTenantID  = "kin-tenant-id"
	HeaderAttempts  = "kin-attempts"
)

// Message is the JSON body of a published dead letter.
type Message struct {
	EventID        string            `json:"eventId"`
	TenantID       string            `json:"tenantId"`
	TaskID         string            `json:"taskId"`
	EventKind      string            `json:"eventKind"`
	SchemaVersion  int               `json:"schemaVersion"`
	ActorID        string            `json:"actorId,omitempty"`
	Version        int64             `json:"version"`
	GlobalPosition uint64            `json:"globalPosition"`
	Timestamp      time.Time         `json:"timestamp"`
	Data           json.RawMessage   `json:"data,omitempty"`
	RawData        []byte            `json:"rawData,omitempty"`
	Metadata       adapters.Metadata `json:"metadata"`

	Reason    string        `json:"reason"`
	ErrorKind kin.ErrorKind `json:"errorKind"`
	Attempts  int           `json:"attempts"`
	FailedAt  time.Time     `json:"failedAt"`
}

// NewMessage flattens dl into its wire form. Payloads that are not valid
// JSON travel base64 encoded in RawData.
func NewMessage(dl *kin.DeadLetter) Message {
	se := dl.Event
	m := Message{
		EventID:        se.ID,
		TenantID:       se.TenantID,
		TaskID:         se.AggregateID,
		EventKind:      se.Kind,
		SchemaVersion:  se.SchemaVersion,
		ActorID:        se.ActorID,
		Version:        se.Version,
		GlobalPosition: se.GlobalPosition,
		Timestamp:      se.Timestamp,
		Metadata:       se.Metadata,
		Reason:         dl.Reason,
		ErrorKind:      dl.Kind,
		Attempts:       dl.Attempts,
		FailedAt:       dl.FailedAt,
	}
	if len(se.Data) > 0 {
		if json.Valid(se.Data) {
			m.Data = json.RawMessage(se.Data)
		} else {
			m.RawData = se.Data
		}
	}
	return m
}

// Encode returns the JSON body for dl.
func Encode(dl *kin.DeadLetter) ([]byte, error) {
	if dl == nil {
		return nil, fmt.Errorf("deadletter: nil dead letter")
	}
	body, err := json.Marshal(NewMessage(dl))
	if err != nil {
		return nil, fmt.Errorf("deadletter: encode %s: %w", dl.Event.ID, err)
	}
	return body, nil
}

// Decode parses a body written by Encode.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("deadletter: decode: %w", err)
	}
	return m, nil
}

// Headers returns the routing headers for dl.
func Headers(dl *kin.DeadLetter) map[string]string {
	return map[string]string{
		HeaderEventID:   dl.Event.ID,
		HeaderEventKind: dl.Event.Kind,
		HeaderErrorKind: string(dl.Kind),
		HeaderTenantID:  dl.Event.TenantID,
		HeaderAttempts:  strconv.Itoa(dl.Attempts),
	}
}

// Key partitions dead letters by stream so a task's failures stay ordered.
func Key(dl *kin.DeadLetter) string {
	return dl.Event.TenantID + "/" + dl.Event.AggregateID
}
