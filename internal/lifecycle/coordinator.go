// Package lifecycle orchestrates bot mutations against the remote trading
// backend and reconciles the results into the local stores. The coordinator
// is the only writer to the registry and status tracker and the only caller
// of the backend API.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"tradedeck/core/internal/model"
	"tradedeck/core/internal/state"
	"tradedeck/core/internal/util"
	"tradedeck/core/pkg/botapi"
	"tradedeck/core/pkg/logger"
	"tradedeck/core/pkg/session"
)

// opKind is one kind of in-flight mutation.
type opKind string

const (
	opCreate opKind = "create"
	opUpdate opKind = "update"
	opDelete opKind = "delete"
	opStart  opKind = "start"
	opStop   opKind = "stop"
)

// opKey identifies an in-flight mutation: at most one operation of a given
// kind may be in flight per bot.
type opKey struct {
	botID string
	kind  opKind
}

// BackendClient is the surface the coordinator needs from the backend API.
type BackendClient interface {
	ListBots(ctx context.Context) ([]model.Bot, error)
	ListActiveBots(ctx context.Context) ([]model.Bot, error)
	GetStatus(ctx context.Context, botID string) (model.BotStatus, error)
	CreateBot(ctx context.Context, draft model.BotDraft) (model.Bot, error)
	UpdateBot(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error)
	DeleteBot(ctx context.Context, botID string) error
	StartBot(ctx context.Context, botID string) error
	StopBot(ctx context.Context, botID string) error
	TradeHistory(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error)
	Performance(ctx context.Context, period string) (model.PerformanceReport, error)
	Symbols(ctx context.Context) ([]model.SymbolInfo, error)
	Strategies(ctx context.Context) ([]model.StrategyInfo, error)
	Backtest(ctx context.Context, req model.BacktestRequest) (model.BacktestResult, error)
}

// Coordinator translates user intents into registry and tracker mutations
// with per-bot-per-kind exclusivity and stale-fetch discarding.
type Coordinator struct {
	api      BackendClient
	registry *state.Registry
	tracker  *state.StatusTracker
	timeout  time.Duration
	validate *validator.Validate
	log      *logger.Logger

	mu       sync.Mutex
	inflight map[opKey]struct{}
	// seq orders fetch starts against mutation confirmations. tombstones,
	// mutations and transitions record, per bot, the sequence at which a
	// delete, a create/update or a start/stop was confirmed; a fetch that
	// began earlier loses.
	seq         uint64
	tombstones  map[string]uint64
	mutations   map[string]uint64
	transitions map[string]uint64
}

// NewCoordinator creates a coordinator with the given per-call timeout.
func NewCoordinator(api BackendClient, registry *state.Registry, tracker *state.StatusTracker, timeout time.Duration, log *logger.Logger) *Coordinator {
	return &Coordinator{
		api:        api,
		registry:   registry,
		tracker:    tracker,
		timeout:    timeout,
		validate:   validator.New(),
		log:        log,
		inflight:    make(map[opKey]struct{}),
		tombstones:  make(map[string]uint64),
		mutations:   make(map[string]uint64),
		transitions: make(map[string]uint64),
	}
}

// ListBots fetches all bots and replaces the registry contents wholesale.
// On failure the registry is left untouched.
func (c *Coordinator) ListBots(ctx context.Context) ([]model.Bot, error) {
	fetchSeq := c.nextSeq()

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	bots, err := c.api.ListBots(cctx)
	if err != nil {
		return nil, c.classify(err, "Failed to load bots")
	}
	return c.applyListFetch(fetchSeq, bots), nil
}

// ListActiveBots seeds the status tracker with the bots the backend reports
// as running. Failures are recoverable: the tracker falls back to per-bot
// status fetches. The snapshot is sequenced like any other status fetch, so
// a stop that confirms while the list is in flight is not clobbered back to
// running.
func (c *Coordinator) ListActiveBots(ctx context.Context) error {
	fetchSeq := c.nextSeq()

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	active, err := c.api.ListActiveBots(cctx)
	if err != nil {
		c.log.Errorf("Failed to fetch active bots: %v", err)
		return c.classify(err, "Failed to load running bots")
	}

	for _, bot := range active {
		if !c.applyStatusFetch(bot.ID, fetchSeq, model.StateRunning) {
			c.log.Debugf("Skipping active status for bot %s", bot.ID)
		}
	}
	return nil
}

// CreateBot validates the draft, creates the bot remotely and inserts the
// backend's echo into the registry. The echo, not the draft, is what the
// registry holds afterwards.
func (c *Coordinator) CreateBot(ctx context.Context, draft model.BotDraft) (model.Bot, error) {
	if err := c.validate.Struct(draft); err != nil {
		return model.Bot{}, util.ErrValidation(err.Error())
	}

	// No id exists before the backend assigns one; the draft name is the
	// best duplicate-submission key available.
	if err := c.begin(draft.Name, opCreate); err != nil {
		return model.Bot{}, err
	}
	defer c.end(draft.Name, opCreate)

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	bot, err := c.api.CreateBot(cctx, draft)
	if err != nil {
		return model.Bot{}, c.classify(err, "Failed to create bot")
	}

	c.confirmMutation(bot.ID)
	c.registry.Upsert(bot)
	return bot, nil
}

// UpdateBot replaces a bot's configuration with the backend's echo. On
// failure the registry entry is unchanged.
func (c *Coordinator) UpdateBot(ctx context.Context, botID string, draft model.BotDraft) (model.Bot, error) {
	if err := c.validate.Struct(draft); err != nil {
		return model.Bot{}, util.ErrValidation(err.Error())
	}
	if !c.registry.Contains(botID) {
		return model.Bot{}, util.NewAppError(http.StatusNotFound, util.ErrCodeBotNotFound, "Bot not found")
	}

	if err := c.begin(botID, opUpdate); err != nil {
		return model.Bot{}, err
	}
	defer c.end(botID, opUpdate)

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	bot, err := c.api.UpdateBot(cctx, botID, draft)
	if err != nil {
		return model.Bot{}, c.classify(err, "Failed to update bot")
	}

	c.confirmMutation(bot.ID)
	c.registry.Upsert(bot)
	return bot, nil
}

// DeleteBot removes the bot remotely, then from the registry (cascading the
// tracker entry) and returns the bot's last-known name for the one-shot
// notice. A confirmed delete is tombstoned so an in-flight list fetch that
// began earlier cannot resurrect the bot.
func (c *Coordinator) DeleteBot(ctx context.Context, botID string) (string, error) {
	bot, ok := c.registry.Get(botID)
	if !ok {
		return "", util.NewAppError(http.StatusNotFound, util.ErrCodeBotNotFound, "Bot not found")
	}

	if err := c.begin(botID, opDelete); err != nil {
		return "", err
	}
	defer c.end(botID, opDelete)

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.api.DeleteBot(cctx, botID); err != nil {
		return "", c.classify(err, "Failed to delete bot")
	}

	// Tombstone and removal settle under one lock so a status or list fetch
	// can never observe the tombstone without the registry removal (or the
	// other way round).
	c.mu.Lock()
	c.seq++
	c.tombstones[botID] = c.seq
	delete(c.mutations, botID)
	delete(c.transitions, botID)
	c.registry.Remove(botID)
	c.mu.Unlock()

	return bot.Name, nil
}

// StartBot requests a start and, only on backend confirmation, marks the
// bot running. The status is never flipped optimistically: a trading bot
// start cannot be assumed to have succeeded without confirmation.
func (c *Coordinator) StartBot(ctx context.Context, botID string) error {
	return c.setRunState(ctx, botID, opStart)
}

// StopBot requests a stop and, only on backend confirmation, marks the bot
// stopped.
func (c *Coordinator) StopBot(ctx context.Context, botID string) error {
	return c.setRunState(ctx, botID, opStop)
}

func (c *Coordinator) setRunState(ctx context.Context, botID string, kind opKind) error {
	if err := c.begin(botID, kind); err != nil {
		return err
	}
	defer c.end(botID, kind)

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	var err error
	if kind == opStart {
		err = c.api.StartBot(cctx, botID)
	} else {
		err = c.api.StopBot(cctx, botID)
	}

	if err != nil {
		if isTimeout(err) {
			// The backend may still have applied the transition. Mark the
			// run-state unknown until the next successful status poll.
			c.confirmTransition(botID, model.StateUnknown)
			return util.ErrTimeout(fmt.Sprintf("Timed out waiting for the bot to %s", kind), err)
		}
		return c.classify(err, fmt.Sprintf("Failed to %s bot", kind))
	}

	target := model.StateStopped
	if kind == opStart {
		target = model.StateRunning
	}
	if !c.confirmTransition(botID, target) {
		// A delete that settled while this call was in flight wins.
		c.log.Debugf("Dropping %s confirmation for removed bot %s", kind, botID)
	}
	return nil
}

// RefreshStatus fetches the live run-state for one bot and reconciles the
// tracker. Bots with a pending start or stop are skipped, and a snapshot
// that raced a transition loses: if a start, stop or delete confirmed after
// the fetch began, the fetched state is discarded.
func (c *Coordinator) RefreshStatus(ctx context.Context, botID string) (model.BotStatus, error) {
	if c.transitionPending(botID) {
		return c.tracker.Get(botID), nil
	}

	fetchSeq := c.nextSeq()

	cctx, cancel := c.callContext(ctx)
	defer cancel()

	status, err := c.api.GetStatus(cctx, botID)
	if err != nil {
		return model.BotStatus{State: model.StateUnknown}, c.classify(err, "Failed to fetch bot status")
	}

	if !c.applyStatusFetch(botID, fetchSeq, normalizeState(status.State)) {
		c.log.Debugf("Discarding stale status snapshot for bot %s", botID)
	}
	return c.tracker.Get(botID), nil
}

// TradeHistory fetches executed trades. No local state is involved.
func (c *Coordinator) TradeHistory(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	trades, err := c.api.TradeHistory(cctx, filter)
	if err != nil {
		return nil, c.classify(err, "Failed to load trade history")
	}
	return trades, nil
}

// Performance fetches aggregate metrics for a period.
func (c *Coordinator) Performance(ctx context.Context, period string) (model.PerformanceReport, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	report, err := c.api.Performance(cctx, period)
	if err != nil {
		return model.PerformanceReport{}, c.classify(err, "Failed to load performance")
	}
	return report, nil
}

// Symbols fetches the tradable symbols.
func (c *Coordinator) Symbols(ctx context.Context) ([]model.SymbolInfo, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	symbols, err := c.api.Symbols(cctx)
	if err != nil {
		return nil, c.classify(err, "Failed to load symbols")
	}
	return symbols, nil
}

// Strategies fetches the available strategies.
func (c *Coordinator) Strategies(ctx context.Context) ([]model.StrategyInfo, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	strategies, err := c.api.Strategies(cctx)
	if err != nil {
		return nil, c.classify(err, "Failed to load strategies")
	}
	return strategies, nil
}

// Backtest runs a configuration against historical data.
func (c *Coordinator) Backtest(ctx context.Context, req model.BacktestRequest) (model.BacktestResult, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	result, err := c.api.Backtest(cctx, req)
	if err != nil {
		return model.BacktestResult{}, c.classify(err, "Failed to run backtest")
	}
	return result, nil
}

// begin reserves the (bot, kind) operation slot, rejecting duplicates
// before any network call is made.
func (c *Coordinator) begin(botID string, kind opKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := opKey{botID: botID, kind: kind}
	if _, busy := c.inflight[key]; busy {
		return util.ErrConflict(fmt.Sprintf("A %s for this bot is already in progress", kind))
	}
	c.inflight[key] = struct{}{}
	return nil
}

func (c *Coordinator) end(botID string, kind opKind) {
	c.mu.Lock()
	delete(c.inflight, opKey{botID: botID, kind: kind})
	c.mu.Unlock()
}

// transitionPending reports whether a start or stop is in flight for botID.
func (c *Coordinator) transitionPending(botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[opKey{botID: botID, kind: opStart}]; busy {
		return true
	}
	_, busy := c.inflight[opKey{botID: botID, kind: opStop}]
	return busy
}

func (c *Coordinator) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// confirmMutation records the sequence at which a create or update settled
// so older list fetches cannot clobber it.
func (c *Coordinator) confirmMutation(botID string) {
	c.mu.Lock()
	c.seq++
	c.mutations[botID] = c.seq
	delete(c.tombstones, botID)
	c.mu.Unlock()
}

// confirmTransition applies a confirmed start/stop outcome (or the unknown
// marker after a timeout) and records its sequence so status fetches that
// began earlier are discarded. Reports false when a delete settled first
// and the write was dropped.
func (c *Coordinator) confirmTransition(botID, runState string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.transitions[botID] = c.seq
	if _, dead := c.tombstones[botID]; dead || !c.registry.Contains(botID) {
		return false
	}
	c.tracker.Set(botID, runState)
	return true
}

// applyStatusFetch writes a fetched run-state to the tracker unless it is
// stale: a start, stop or delete for the same bot confirmed after the fetch
// began, or the bot is no longer held. Reports whether the write happened.
func (c *Coordinator) applyStatusFetch(botID string, fetchSeq uint64, runState string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[opKey{botID: botID, kind: opStart}]; busy {
		return false
	}
	if _, busy := c.inflight[opKey{botID: botID, kind: opStop}]; busy {
		return false
	}
	if ts, ok := c.transitions[botID]; ok && ts > fetchSeq {
		return false
	}
	if _, dead := c.tombstones[botID]; dead || !c.registry.Contains(botID) {
		return false
	}
	c.tracker.Set(botID, runState)
	return true
}

// applyListFetch reconciles a settled list fetch against mutations that
// were confirmed after the fetch began. Stale copies of deleted bots are
// discarded silently; bots mutated after the fetch began keep their local,
// newer record.
func (c *Coordinator) applyListFetch(fetchSeq uint64, bots []model.Bot) []model.Bot {
	c.mu.Lock()
	next := make([]model.Bot, 0, len(bots))
	seen := make(map[string]bool, len(bots))
	for _, bot := range bots {
		if ts, ok := c.tombstones[bot.ID]; ok {
			if ts > fetchSeq {
				c.log.Debugf("Discarding stale copy of deleted bot %s from list fetch", bot.ID)
				continue
			}
			delete(c.tombstones, bot.ID)
		}
		if ms, ok := c.mutations[bot.ID]; ok && ms > fetchSeq {
			if current, held := c.registry.Get(bot.ID); held {
				c.log.Debugf("Keeping locally newer record for bot %s over stale list fetch", bot.ID)
				next = append(next, current)
				seen[bot.ID] = true
				continue
			}
		}
		next = append(next, bot)
		seen[bot.ID] = true
	}

	// Bots created or updated after the fetch began may be missing from
	// the response entirely; they survive the replace.
	for _, current := range c.registry.List() {
		if seen[current.ID] {
			continue
		}
		if ms, ok := c.mutations[current.ID]; ok && ms > fetchSeq {
			next = append(next, current)
			seen[current.ID] = true
		}
	}

	// Records older than this fetch are now settled either way. Transition
	// records for bots leaving the registry go with them.
	for id, ms := range c.mutations {
		if ms < fetchSeq {
			delete(c.mutations, id)
		}
	}
	for id, ts := range c.tombstones {
		if ts < fetchSeq {
			delete(c.tombstones, id)
		}
	}
	for id := range c.transitions {
		if !seen[id] {
			delete(c.transitions, id)
		}
	}

	// The replace happens under the same lock, so a delete confirming
	// concurrently cannot slip between the tombstone scan and the swap.
	c.registry.ReplaceAll(next)
	c.mu.Unlock()

	return next
}

// classify maps transport and backend failures onto the error taxonomy
// surfaces consume: backend messages pass through verbatim, everything
// else gets the per-operation fallback.
func (c *Coordinator) classify(err error, fallback string) error {
	var apiErr *botapi.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = fallback
		}
		return util.WrapError(apiErr.StatusCode, util.ErrCodeUpstream, msg, err)
	}
	if errors.Is(err, session.ErrNoToken) || errors.Is(err, session.ErrTokenExpired) {
		return util.WrapError(http.StatusUnauthorized, util.ErrCodeUnauthorized, "Session expired, please sign in again", err)
	}
	if isTimeout(err) {
		return util.ErrTimeout(fallback, err)
	}
	return util.ErrUpstream(fallback, err)
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func normalizeState(s string) string {
	switch s {
	case model.StateRunning, model.StateStopped:
		return s
	default:
		return model.StateUnknown
	}
}
