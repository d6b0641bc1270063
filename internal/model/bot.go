package model

import "time"

// Run-state constants for a bot as reported by the trading backend.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateUnknown = "unknown"
)

// Bot represents a configured trading-bot instance. The remote backend is
// authoritative for every field; the client never fabricates one locally.
type Bot struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Strategy    string          `json:"strategy"`
	Interval    string          `json:"interval"`
	Amount      float64         `json:"amount"`
	Performance *BotPerformance `json:"performance,omitempty"`
}

// BotPerformance is the aggregate result attached to a bot by the backend.
type BotPerformance struct {
	TotalProfitPct float64 `json:"total_profit_pct"`
	TotalTrades    int     `json:"total_trades"`
}

// BotStatus is the live run-state of a bot, tracked independently of its
// configuration because the two arrive from different endpoints and go
// stale on different cadences.
type BotStatus struct {
	State            string    `json:"state"` // running, stopped, unknown
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// IsRunning reports whether the status is a confirmed running state.
func (s BotStatus) IsRunning() bool {
	return s.State == StateRunning
}

// BotDraft is the payload for creating or updating a bot. The validate tags
// are enforced by the coordinator before any network call, the binding tags
// by the gateway when a surface submits the draft over HTTP.
type BotDraft struct {
	Name     string  `json:"name" validate:"required" binding:"required"`
	Symbol   string  `json:"symbol" validate:"required" binding:"required"`
	Strategy string  `json:"strategy" validate:"required" binding:"required"`
	Interval string  `json:"interval" validate:"required" binding:"required"`
	Amount   float64 `json:"amount" validate:"gte=0" binding:"gte=0"`
}
