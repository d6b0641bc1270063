// Package botapi is the HTTP client for the remote trading backend's bot
// resource endpoints. It does transport and decoding only; all state
// handling and error classification live with the lifecycle coordinator.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradedeck/core/internal/model"
)

// TokenSource provides the bearer token attached to every request. nil
// means unauthenticated requests.
type TokenSource interface {
	Token() (string, error)
}

// APIError is a non-2xx response from the backend. Message is the
// human-readable field from the error body, empty when the backend sent
// none; callers fall back to per-operation defaults.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// Client represents the trading backend API client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a new backend client.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListBots fetches all bots.
func (c *Client) ListBots(ctx context.Context) ([]model.Bot, error) {
	var bots []model.Bot
	if err := c.do(ctx, http.MethodGet, "/api/trading/bots", nil, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

// ListActiveBots fetches the bots currently running.
func (c *Client) ListActiveBots(ctx context.Context) ([]model.Bot, error) {
	var bots []model.Bot
	if err := c.do(ctx, http.MethodGet, "/api/trading/bots/active", nil, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

// GetStatus fetches the live run-state of one bot.
func (c *Client) GetStatus(ctx context.Context, botID string) (model.BotStatus, error) {
	var status model.BotStatus
	err := c.do(ctx, http.MethodGet, "/api/trading/bots/"+url.PathEscape(botID)+"/status", nil, &status)
	return status, err
}

// CreateBot creates a bot from a draft. The returned bot is the backend's
// echo, which is authoritative.
func (c *Client) CreateBot(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
	var bot model.Bot
	err := c.do(ctx, http.MethodPost, "/api/trading/bots", draft, &bot)
	return bot, err
}

// UpdateBot replaces a bot's configuration.
func (c *Client) UpdateBot(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error) {
	var bot model.Bot
	err := c.do(ctx, http.MethodPut, "/api/trading/bots/"+url.PathEscape(botID), draft, &bot)
	return bot, err
}

// DeleteBot deletes a bot.
func (c *Client) DeleteBot(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodDelete, "/api/trading/bots/"+url.PathEscape(botID), nil, nil)
}

// StartBot requests a bot start. A 2xx response confirms the transition.
func (c *Client) StartBot(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodPost, "/api/trading/bots/"+url.PathEscape(botID)+"/start", nil, nil)
}

// StopBot requests a bot stop. A 2xx response confirms the transition.
func (c *Client) StopBot(ctx context.Context, botID string) error {
	return c.do(ctx, http.MethodPost, "/api/trading/bots/"+url.PathEscape(botID)+"/stop", nil, nil)
}

// TradeHistory fetches executed trades, optionally filtered.
func (c *Client) TradeHistory(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	q := url.Values{}
	if filter.BotID != "" {
		q.Set("bot_id", filter.BotID)
	}
	if filter.Symbol != "" {
		q.Set("symbol", filter.Symbol)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/trading/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var trades []model.Trade
	if err := c.do(ctx, http.MethodGet, path, nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// Performance fetches aggregate metrics for a period.
func (c *Client) Performance(ctx context.Context, period string) (model.PerformanceReport, error) {
	path := "/api/trading/performance"
	if period != "" {
		path += "?period=" + url.QueryEscape(period)
	}
	var report model.PerformanceReport
	err := c.do(ctx, http.MethodGet, path, nil, &report)
	return report, err
}

// Symbols fetches the tradable symbols.
func (c *Client) Symbols(ctx context.Context) ([]model.SymbolInfo, error) {
	var symbols []model.SymbolInfo
	if err := c.do(ctx, http.MethodGet, "/api/trading/symbols", nil, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

// Strategies fetches the available strategies.
func (c *Client) Strategies(ctx context.Context) ([]model.StrategyInfo, error) {
	var strategies []model.StrategyInfo
	if err := c.do(ctx, http.MethodGet, "/api/trading/strategies", nil, &strategies); err != nil {
		return nil, err
	}
	return strategies, nil
}

// Backtest runs a bot configuration against historical data.
func (c *Client) Backtest(ctx context.Context, req model.BacktestRequest) (model.BacktestResult, error) {
	var result model.BacktestResult
	err := c.do(ctx, http.MethodPost, "/api/trading/backtest", req, &result)
	return result, err
}

// errorBody is the backend's error envelope. Only message matters here.
type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
