package model

import "time"

// LeaseState is the state of the writer lease.
type LeaseState string

const (
	LeaseFree    LeaseState = "free"
	LeaseHeld    LeaseState = "held"
	LeaseExpired LeaseState = "expired"
)

// Lease is the single-writer lease stored under the writer-lock key.
type Lease struct {
	Holder       string    `json:"holder"`
	HolderNonce  string    `json:"holderNonce"`
	Purpose      string    `json:"purpose,omitempty"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	FencingToken int64     `json:"fencingToken"`
}

// IsExpired reports whether the lease has run out at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
