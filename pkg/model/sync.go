package model

import "time"

// Priority orders sync operations; lower values are more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityMedium     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority accepts a priority name.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "CRITICAL", "critical":
		return PriorityCritical, true
	case "HIGH", "high":
		return PriorityHigh, true
	case "MEDIUM", "medium":
		return PriorityMedium, true
	case "LOW", "low":
		return PriorityLow, true
	case "BACKGROUND", "background":
		return PriorityBackground, true
	}
	return 0, false
}

// Strategy selects when operations of a data type are synchronized.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyBatch     Strategy = "batch"
	StrategyScheduled Strategy = "scheduled"
	StrategyManual    Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyBatch, StrategyScheduled, StrategyManual:
		return true
	}
	return false
}

// SyncPolicy is the per-data-type synchronization configuration.
type SyncPolicy struct {
	DataType                string   `json:"dataType" yaml:"data_type"`
	Priority                Priority `json:"priority" yaml:"priority"`
	Strategy                Strategy `json:"strategy" yaml:"strategy"`
	BatchSize               int      `json:"batchSize" yaml:"batch_size"`
	RetryOnFailure          bool     `json:"retryOnFailure" yaml:"retry_on_failure"`
	RequireStableConnection bool     `json:"requireStableConnection" yaml:"require_stable_connection"`
}

// PolicyOverride is a partial SyncPolicy. Zero or nil fields inherit from
// the policy it is applied to.
type PolicyOverride struct {
	DataType                string   `json:"dataType" yaml:"data_type"`
	Priority                Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Strategy                Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	BatchSize               int      `json:"batchSize,omitempty" yaml:"batch_size,omitempty"`
	RetryOnFailure          *bool    `json:"retryOnFailure,omitempty" yaml:"retry_on_failure,omitempty"`
	RequireStableConnection *bool    `json:"requireStableConnection,omitempty" yaml:"require_stable_connection,omitempty"`
}

// Apply returns base with the set fields of o.
func (o PolicyOverride) Apply(base SyncPolicy) SyncPolicy {
	if o.DataType != "" {
		base.DataType = o.DataType
	}
	if o.Priority != 0 {
		base.Priority = o.Priority
	}
	if o.Strategy != "" {
		base.Strategy = o.Strategy
	}
	if o.BatchSize > 0 {
		base.BatchSize = o.BatchSize
	}
	if o.RetryOnFailure != nil {
		base.RetryOnFailure = *o.RetryOnFailure
	}
	if o.RequireStableConnection != nil {
		base.RequireStableConnection = *o.RequireStableConnection
	}
	return base
}

// OpKind is the remote mutation an operation performs.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the lifecycle state of a sync operation.
type OpStatus string

const (
	StatusPending    OpStatus = "pending"
	StatusProcessing OpStatus = "processing"
	StatusFailed     OpStatus = "failed"
	StatusDone       OpStatus = "done"
)

// Terminal reports whether no further transition is allowed.
func (s OpStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// SyncOperation is one pending remote mutation.
type SyncOperation struct {
	ID            string         `json:"id"`
	DataType      string         `json:"dataType"`
	Kind          OpKind         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	Attempts      int            `json:"attempts"`
	Status        OpStatus       `json:"status"`
	EnqueuedAt    time.Time      `json:"enqueuedAt"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	Seq           int64          `json:"seq"`
}

// QueueStatus counts queued operations by status.
type QueueStatus struct {
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	Failed     int            `json:"failed"`
	Done       int            `json:"done"`
	ByDataType map[string]int `json:"byDataType,omitempty"`
}

// Total returns the number of operations in the queue.
func (s QueueStatus) Total() int {
	return s.Pending + s.Processing + s.Failed + s.Done
}
