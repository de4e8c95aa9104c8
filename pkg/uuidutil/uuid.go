// Package uuidutil generates identifiers for records, audit entries and sync operations.
package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// NewV7 generates a time-ordered UUID v7 string. Falls back to v4 if the
// time source cannot produce one.
func NewV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewPrefixed returns "<prefix>-<uuid v7>", e.g. "audit-0190...".
func NewPrefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return NewV7()
	}
	return prefix + "-" + NewV7()
}

// Short returns the first 8 characters of id for display.
func Short(id string) string {
	if strings.Count(id, "-") > 4 && len(id) > 36 {
		id = id[len(id)-36:]
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
