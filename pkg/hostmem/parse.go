package hostmem

import (
	"strconv"
	"strings"
)

// ParseFreeMemoryKB extracts the kilobyte value that follows the first '=' in
// key/value query output such as "FreePhysicalMemory=2048000".
// It fails open: a missing delimiter or a non-numeric value yields (0, false).
func ParseFreeMemoryKB(output string) (int64, bool) {
	pos := strings.Index(output, "=")
	if pos < 0 {
		return 0, false
	}

	value := strings.TrimSpace(output[pos+1:])
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	kb, err := strconv.ParseInt(value[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb, true
}

// KBToMB converts with integer division
func KBToMB(kb int64) int64 {
	return kb / 1024
}
