package util

import "fmt"

// DefaultLogMaxLen caps error and payload strings recorded into sync logs.
// The complete source record is always retained on the entity row itself.
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for log and sync-detail storage.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
