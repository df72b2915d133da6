package usage

import "time"

// Entry is one row of the usage ledger: the audited outcome of a forwarded
// run, written after settlement or release.
type Entry struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	RunID            string    `json:"run_id"`
	ReservationID    string    `json:"reservation_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	ReservedCents    int64     `json:"reserved_cents"`
	RealizedCents    int64     `json:"realized_cents"`
	Outcome          string    `json:"outcome"` // "settled" or "released"
	StatusCode       int       `json:"status_code"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates ledger entries for an agent.
type Summary struct {
	TotalRequests      int64 `json:"total_requests"`
	TotalReservedCents int64 `json:"total_reserved_cents"`
	TotalRealizedCents int64 `json:"total_realized_cents"`
	SettledCount       int64 `json:"settled_count"`
	ReleasedCount      int64 `json:"released_count"`
}
