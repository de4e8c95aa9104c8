package model

import "time"

// AuditAction identifies the kind of audited mutation.
type AuditAction string

const (
	ActionCreate          AuditAction = "create"
	ActionUpdate          AuditAction = "update"
	ActionDelete          AuditAction = "delete"
	ActionRestore         AuditAction = "restore"
	ActionPermanentDelete AuditAction = "permanent_delete"
	ActionRepair          AuditAction = "repair"
	ActionRepairDenied    AuditAction = "repair_denied"
	ActionAccessDenied    AuditAction = "access_denied"
	ActionTamperDetected  AuditAction = "tamper_detected"
	ActionBackupCreate    AuditAction = "backup_create"
	ActionBackupImport    AuditAction = "backup_import"
	ActionBackupRejected  AuditAction = "backup_rejected"
	ActionCleanup         AuditAction = "cleanup"
	ActionPolicyChange    AuditAction = "policy_change"
	ActionSyncFailed      AuditAction = "sync_failed"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is one append-only audit log record. Entries are hash-chained:
// Hash covers every other field including PrevHash.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    AuditAction    `json:"action"`
	ActorID   string         `json:"actorId"`
	TargetID  string         `json:"targetId"`
	Module    string         `json:"module"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  HashValue      `json:"prevHash"`
	Hash      HashValue      `json:"hash"`
}
