package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved record keys. Every other key of a serialized record belongs to the payload.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldIsDeleted = "isDeleted"
	FieldDeletedAt = "deletedAt"
	FieldDeletedBy = "deletedBy"
	FieldSignature = "signature"
	FieldVersion   = "version"
)

var reservedFields = map[string]bool{
	FieldID:        true,
	FieldCreatedAt: true,
	FieldUpdatedAt: true,
	FieldIsDeleted: true,
	FieldDeletedAt: true,
	FieldDeletedBy: true,
	FieldSignature: true,
	FieldVersion:   true,
}

// IsReservedField reports whether name is a record metadata field.
func IsReservedField(name string) bool {
	return reservedFields[name]
}

// Record is the serialized form of a stored item. Payload fields are
// flattened next to the metadata fields on the wire.
type Record struct {
	ID        string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt *time.Time
	IsDeleted bool
	DeletedAt *time.Time
	DeletedBy string
	Signature HashValue
	Version   int64
}

// Field returns a payload field.
func (r *Record) Field(name string) (any, bool) {
	v, ok := r.Payload[name]
	return v, ok
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Payload = CloneMap(r.Payload)
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// MarshalJSON flattens the payload beside the metadata fields.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Payload)+8)
	for k, v := range r.Payload {
		if reservedFields[k] {
			continue
		}
		m[k] = v
	}
	m[FieldID] = r.ID
	m[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	m[FieldIsDeleted] = r.IsDeleted
	m[FieldVersion] = r.Version
	if r.UpdatedAt != nil {
		m[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.DeletedAt != nil {
		m[FieldDeletedAt] = r.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.DeletedBy != "" {
		m[FieldDeletedBy] = r.DeletedBy
	}
	if r.Signature != "" {
		m[FieldSignature] = string(r.Signature)
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a flat object into metadata and payload.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	rec, err := RecordFromMap(m)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// RecordFromMap builds a Record from a flat map as produced by MarshalJSON
// or supplied by a caller.
func RecordFromMap(m map[string]any) (Record, error) {
	var r Record
	r.Payload = make(map[string]any, len(m))
	for k, v := range m {
		if !reservedFields[k] {
			r.Payload[k] = v
		}
	}
	if v, ok := m[FieldID]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return r, fmt.Errorf("record id must be a string, got %T", v)
		}
		r.ID = s
	}
	var err error
	if r.CreatedAt, err = timeField(m, FieldCreatedAt); err != nil {
		return r, err
	}
	if t, err := timeField(m, FieldUpdatedAt); err != nil {
		return r, err
	} else if !t.IsZero() {
		r.UpdatedAt = &t
	}
	if t, err := timeField(m, FieldDeletedAt); err != nil {
		return r, err
	} else if !t.IsZero() {
		r.DeletedAt = &t
	}
	if v, ok := m[FieldIsDeleted].(bool); ok {
		r.IsDeleted = v
	}
	if v, ok := m[FieldDeletedBy].(string); ok {
		r.DeletedBy = v
	}
	if v, ok := m[FieldSignature].(string); ok {
		r.Signature = HashValue(v)
	}
	switch v := m[FieldVersion].(type) {
	case float64:
		r.Version = int64(v)
	case int64:
		r.Version = v
	case int:
		r.Version = int64(v)
	case json.Number:
		r.Version, _ = v.Int64()
	}
	return r, nil
}

func timeField(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", key, err)
		}
		return parsed.UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %s: unsupported type %T", key, v)
	}
}

// DeletionMeta carries the soft-delete metadata of a deleted entry.
type DeletionMeta struct {
	DeletedAt time.Time
	DeletedBy string
}

// EntryState tags an Entry as active or deleted.
type EntryState int

const (
	StateActive EntryState = iota + 1
	StateDeleted
)

func (s EntryState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Entry is the in-memory index value: Active(record) or Deleted(record, meta).
// The Record held by an Entry never carries deletion fields itself; they
// are derived from the tag when the entry is serialized.
type Entry struct {
	State    EntryState
	record   Record
	deletion DeletionMeta
}

// Active wraps r as a live entry.
func Active(r Record) Entry {
	r = r.Clone()
	r.IsDeleted, r.DeletedAt, r.DeletedBy = false, nil, ""
	return Entry{State: StateActive, record: r}
}

// Deleted wraps r as a soft-deleted entry.
func Deleted(r Record, meta DeletionMeta) Entry {
	r = r.Clone()
	r.IsDeleted, r.DeletedAt, r.DeletedBy = false, nil, ""
	return Entry{State: StateDeleted, record: r, deletion: meta}
}

// EntryFromRecord classifies a serialized record.
func EntryFromRecord(r Record) Entry {
	if !r.IsDeleted {
		return Active(r)
	}
	meta := DeletionMeta{DeletedBy: r.DeletedBy}
	if r.DeletedAt != nil {
		meta.DeletedAt = *r.DeletedAt
	}
	return Deleted(r, meta)
}

// IsActive reports whether the entry is live.
func (e Entry) IsActive() bool {
	return e.State == StateActive
}

// Deletion returns the deletion metadata; ok is false for active entries.
func (e Entry) Deletion() (DeletionMeta, bool) {
	return e.deletion, e.State == StateDeleted
}

// Record returns the serialized view of the entry.
func (e Entry) Record() Record {
	r := e.record.Clone()
	if e.State == StateDeleted {
		t := e.deletion.DeletedAt
		r.IsDeleted = true
		r.DeletedAt = &t
		r.DeletedBy = e.deletion.DeletedBy
	}
	return r
}

// CloneMap deep-copies JSON-like values.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
