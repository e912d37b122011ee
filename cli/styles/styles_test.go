package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name string
		got  string
		icon string
	}{
		{"success", FormatSuccess("done"), IconSuccess},
		{"error", FormatError("done"), IconError},
		{"warning", FormatWarning("done"), IconWarning},
		{"info", FormatInfo("done"), IconInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.got, tt.icon)
			assert.Contains(t, tt.got, "done")
		})
	}
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(12, 15, "applying")
	assert.Contains(t, result, "[12/15]")
	assert.Contains(t, result, "applying")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Tenant", "fam")
	assert.Contains(t, result, "Tenant:")
	assert.Contains(t, result, "fam")
}

func TestFormatStatus(t *testing.T) {
	assert.Contains(t, FormatStatus("active"), IconTask)
	assert.Contains(t, FormatStatus("completed"), IconDone)
	assert.Contains(t, FormatStatus("deleted"), IconDeleted)
	assert.Contains(t, FormatStatus("weird"), IconPending)
}

func TestDisableColors(t *testing.T) {
	DisableColors()
	assert.Equal(t, "✓ ok", FormatSuccess("ok"))
}
