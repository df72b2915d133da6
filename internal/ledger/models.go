package ledger

import "time"

// Agent is a budget scope. RemainingCents never exceeds HardLimitCents and
// never goes negative.
type Agent struct {
	ID             string    `json:"agent_id"`
	Name           string    `json:"name"`
	HardLimitCents int64     `json:"hard_limit_cents"`
	RemainingCents int64     `json:"remaining_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reservation states. Transitions are one-way terminal: pending -> settled or
// pending -> released, never both, never reopened.
const (
	StatePending  = "pending"
	StateSettled  = "settled"
	StateReleased = "released"
)

// Reservation is a provisional hold against an agent's remaining balance.
type Reservation struct {
	ID            string    `json:"reservation_id"`
	AgentID       string    `json:"agent_id"`
	RunID         string    `json:"run_id"`
	ReservedCents int64     `json:"reserved_cents"`
	ActualCents   int64     `json:"actual_cents"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SettleResult reports the outcome of reconciling a reservation against
// actual usage.
type SettleResult struct {
	RefundedCents int64
	// EstimatorViolation is set when actual usage exceeded the reserved
	// worst case. The refund is clamped to zero in that case.
	EstimatorViolation bool
}
