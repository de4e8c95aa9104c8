package model

import "time"

// Quality classifies the link.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityMedium  Quality = "medium"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
	QualityUnknown Quality = "unknown"
)

// BetterThanPoor reports whether the link is good or medium.
func (q Quality) BetterThanPoor() bool {
	return q == QualityGood || q == QualityMedium
}

// ConnectionStatus is the connectivity snapshot delivered to listeners.
type ConnectionStatus struct {
	Online            bool      `json:"online"`
	Quality           Quality   `json:"quality"`
	LatencyEstimateMs *int64    `json:"latencyEstimateMs,omitempty"`
	ConnectionType    string    `json:"connectionType,omitempty"`
	LastChecked       time.Time `json:"lastChecked"`
}
