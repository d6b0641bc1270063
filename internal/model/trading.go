package model

import "time"

// Trade is a single executed trade returned by the history endpoint.
type Trade struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // buy, sell
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	ProfitPct float64   `json:"profit_pct"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeFilter narrows a trade-history query.
type TradeFilter struct {
	BotID  string `json:"bot_id,omitempty" form:"bot_id"`
	Symbol string `json:"symbol,omitempty" form:"symbol"`
	Limit  int    `json:"limit,omitempty" form:"limit"`
}

// PerformanceReport is the aggregate metrics payload for a period.
type PerformanceReport struct {
	Period         string  `json:"period"`
	TotalProfitPct float64 `json:"total_profit_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	WinRate        float64 `json:"win_rate"`
}

// SymbolInfo describes a tradable symbol offered by the backend.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

// StrategyInfo describes a strategy available for new bots.
type StrategyInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BacktestRequest runs a bot configuration against historical data.
type BacktestRequest struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Strategy string  `json:"strategy" binding:"required"`
	Interval string  `json:"interval" binding:"required"`
	Amount   float64 `json:"amount" binding:"gte=0"`
	From     string  `json:"from,omitempty"`
	To       string  `json:"to,omitempty"`
}

// BacktestResult is the backend's evaluation of a backtest run.
type BacktestResult struct {
	TotalProfitPct float64 `json:"total_profit_pct"`
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}
