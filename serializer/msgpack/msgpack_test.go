package msgpack

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	kin "github.com/AshkanYarmoradi/go-kin"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func completedTask(t *testing.T) *kin.Task {
	t.Helper()
	payloads := []kin.Payload{
		kin.TaskCreated{Title: "Buy milk", Description: "two litres", Tags: []string{"shopping"}},
		kin.TaskAssigned{AssigneeID: "bob"},
		kin.TaskCompleted{},
	}
	events := make([]kin.Event, len(payloads))
	for i, p := range payloads {
		e := kin.NewEvent("fam", "t1", "alice", p)
		e.ID = fmt.Sprintf("evt-%04d", i+1)
		e.Version = int64(i + 1)
		e.Timestamp = epoch.Add(time.Duration(i) * time.Minute)
		events[i] = e
	}
	task, err := kin.NewReconstructor().Reconstruct(events, nil)
	require.NoError(t, err)
	return task
}

func TestSerializer(t *testing.T) {
	s := NewSerializer()
	assert.Equal(t, "msgpack", s.Name())

	t.Run("uses json field names", func(t *testing.T) {
		data, err := s.Marshal(struct {
			TaskID string `json:"taskId"`
		}{TaskID: "t1"})
		require.NoError(t, err)

		var raw map[string]interface{}
		require.NoError(t, msgpack.Unmarshal(data, &raw))
		assert.Equal(t, "t1", raw["taskId"])
	})

	t.Run("custom tag", func(t *testing.T) {
		s := NewSerializer(WithStructTag("msgpack"), WithCompactInts(false))
		data, err := s.Marshal(struct {
			N int `msgpack:"n" json:"count"`
		}{N: 3})
		require.NoError(t, err)

		var raw map[string]interface{}
		require.NoError(t, msgpack.Unmarshal(data, &raw))
		assert.Contains(t, raw, "n")
	})

	t.Run("nil and empty input", func(t *testing.T) {
		_, err := s.Marshal(nil)
		var se *SerializationError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "marshal", se.Operation)

		var task kin.Task
		err = s.Unmarshal(nil, &task)
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "Task", se.Type)
	})

	t.Run("garbage fails", func(t *testing.T) {
		var task kin.Task
		err := s.Unmarshal([]byte{0xc1}, &task)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "kin/msgpack: failed to unmarshal Task")
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewSerializer()
	task := completedTask(t)
	snap := kin.NewSnapshot(task, epoch.Add(time.Hour))

	rec, err := kin.EncodeSnapshot(s, snap)
	require.NoError(t, err)
	assert.Equal(t, "evt-0003", rec.CutoffEventID)

	decoded, err := kin.DecodeSnapshot(s, rec)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
	require.NotNil(t, decoded.Task.CompletedAt)
	assert.Equal(t, time.UTC, decoded.Task.CompletedAt.Location())

	json, err := kin.EncodeSnapshot(kin.NewJSONSerializer(), snap)
	require.NoError(t, err)
	assert.Less(t, len(rec.Data), len(json.Data))
}
