package deadletter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

func letter(data []byte) *kin.DeadLetter {
	return &kin.DeadLetter{
		Event: adapters.StoredEvent{
			ID:          "e1",
			TenantID:    "fam",
			AggregateID: "t1",
			Kind:        "task.created",
			Data:        data,
			Version:     1,
			Metadata:    adapters.Metadata{CorrelationID: "req-1"},
			Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Reason:   "bad payload",
		Kind:     kin.KindCorrupt,
		Attempts: 3,
		FailedAt: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
	}
}

func TestEncode(t *testing.T) {
	t.Run("json payload stays inline", func(t *testing.T) {
		body, err := Encode(letter([]byte(`{"title":"Buy milk"}`)))
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(body, &raw))
		assert.Equal(t, "Buy milk", raw["data"].(map[string]any)["title"])
		assert.NotContains(t, raw, "rawData")

		m, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, "e1", m.EventID)
		assert.Equal(t, "t1", m.TaskID)
		assert.Equal(t, kin.KindCorrupt, m.ErrorKind)
		assert.Equal(t, 3, m.Attempts)
		assert.Equal(t, "req-1", m.Metadata.CorrelationID)
	})

	t.Run("garbage payload is base64", func(t *testing.T) {
		body, err := Encode(letter([]byte{0xc1, 0x00}))
		require.NoError(t, err)

		m, err := Decode(body)
		require.NoError(t, err)
		assert.Empty(t, m.Data)
		assert.Equal(t, []byte{0xc1, 0x00}, m.RawData)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := Encode(nil)
		assert.Error(t, err)
	})
}

func TestHeadersAndKey(t *testing.T) {
	dl := letter(nil)
	h := Headers(dl)
	assert.Equal(t, "e1", h[HeaderEventID])
	assert.Equal(t, "task.created", h[HeaderEventKind])
	assert.Equal(t, string(kin.KindCorrupt), h[HeaderErrorKind])
	assert.Equal(t, "3", h[HeaderAttempts])
	assert.Equal(t, "fam/t1", Key(dl))
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)
}
