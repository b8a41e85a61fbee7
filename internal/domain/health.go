package domain

import "time"

// HealthStatus is the monitor's view of one source. It flips to unhealthy
// after a configured number of consecutive probe failures and back to healthy
// only on a successful fresh probe, so a single flake cannot flap the
// strategist's routing.
type HealthStatus struct {
	Source              Source    `json:"source"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	HeadBlock           uint64    `json:"head_block"`
	BlockLag            uint64    `json:"block_lag"`
	LastError           string    `json:"last_error,omitempty"`
}
