package model

import (
	"encoding/json"
	"time"
)

// BackupFormatVersion is written into every backup's metadata.
const BackupFormatVersion = "1.0"

// BackupMetadata describes a backup snapshot. It is not covered by the signature.
type BackupMetadata struct {
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	GeneratedBy string    `json:"generatedBy"`
	Reason      string    `json:"reason,omitempty"`
	ItemCount   int       `json:"itemCount"`
	Collections []string  `json:"collections,omitempty"`
}

// BackupSnapshot is the full-state backup artifact. Signature covers the
// canonical serialization of Data only.
type BackupSnapshot struct {
	Metadata  BackupMetadata             `json:"metadata"`
	Data      map[string]json.RawMessage `json:"data"`
	Signature HashValue                  `json:"signature"`
}

// BackupInfo is the listing view of an archived backup.
type BackupInfo struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"sizeBytes"`
	Location  string    `json:"location"`
}
