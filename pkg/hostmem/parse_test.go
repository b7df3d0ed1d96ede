package hostmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFreeMemoryKB(t *testing.T) {
	tests := []struct {
		name   string
		output string
		kb     int64
		ok     bool
	}{
		{"wmic_value_output", "\r\r\nFreePhysicalMemory=2048000\r\r\n\r\r\n", 2048000, true},
		{"plain", "FreePhysicalMemory=153600", 153600, true},
		{"spaces_after_delimiter", "FreePhysicalMemory=  512000 ", 512000, true},
		{"no_delimiter", "FreePhysicalMemory\r\n2048000\r\n", 0, false},
		{"non_numeric", "FreePhysicalMemory=unknown", 0, false},
		{"empty_value", "FreePhysicalMemory=", 0, false},
		{"error_sentinel", "ERROR", 0, false},
		{"empty", "", 0, false},
		{"overflow", "FreePhysicalMemory=99999999999999999999999", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kb int64
			var ok bool
			assert.NotPanics(t, func() {
				kb, ok = ParseFreeMemoryKB(tt.output)
			})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kb, kb)
		})
	}
}

func TestKBToMB(t *testing.T) {
	assert.Equal(t, int64(150), KBToMB(153600))
	assert.Equal(t, int64(0), KBToMB(1023))
	assert.Equal(t, int64(1), KBToMB(2047))
}
