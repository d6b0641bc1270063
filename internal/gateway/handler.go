package gateway

import (
	"context"

	"tradedeck/core/internal/lifecycle"
	"tradedeck/core/internal/model"
	"tradedeck/core/internal/state"
	"tradedeck/core/internal/util"
	"tradedeck/core/pkg/session"

	"github.com/gin-gonic/gin"
)

// Handler exposes the lifecycle coordinator and stores to surfaces over
// REST. Reads come straight from the stores; every mutation goes through
// the coordinator, and the response carries the one-shot outcome notice.
type Handler struct {
	coord    *lifecycle.Coordinator
	registry *state.Registry
	tracker  *state.StatusTracker
	sess     *session.Session
}

// NewHandler creates a gateway handler.
func NewHandler(coord *lifecycle.Coordinator, registry *state.Registry, tracker *state.StatusTracker, sess *session.Session) *Handler {
	return &Handler{
		coord:    coord,
		registry: registry,
		tracker:  tracker,
		sess:     sess,
	}
}

// botView pairs a bot with its current run-state for list and detail
// rendering.
type botView struct {
	model.Bot
	Status model.BotStatus `json:"status"`
}

func (h *Handler) view(bot model.Bot) botView {
	return botView{Bot: bot, Status: h.tracker.Get(bot.ID)}
}

// ListBots handles GET /api/bots. With refresh=1 the list is re-fetched
// from the backend first; otherwise the local registry is served as-is.
func (h *Handler) ListBots(c *gin.Context) {
	if c.Query("refresh") == "1" {
		if _, err := h.coord.ListBots(c.Request.Context()); err != nil {
			util.SendError(c, err)
			return
		}
	}

	bots := h.registry.List()
	views := make([]botView, 0, len(bots))
	for _, bot := range bots {
		views = append(views, h.view(bot))
	}
	util.SendSuccess(c, views)
}

// GetBot handles GET /api/bots/:id.
func (h *Handler) GetBot(c *gin.Context) {
	bot, ok := h.registry.Get(c.Param("id"))
	if !ok {
		util.SendError(c, util.ErrNotFound("Bot not found"))
		return
	}
	util.SendSuccess(c, h.view(bot))
}

// CreateBot handles POST /api/bots.
func (h *Handler) CreateBot(c *gin.Context) {
	var draft model.BotDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	bot, err := h.coord.CreateBot(c.Request.Context(), draft)
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendCreated(c, h.view(bot), "Bot created successfully")
}

// UpdateBot handles PUT /api/bots/:id.
func (h *Handler) UpdateBot(c *gin.Context) {
	var draft model.BotDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	bot, err := h.coord.UpdateBot(c.Request.Context(), c.Param("id"), draft)
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, h.view(bot), "Bot updated successfully")
}

// DeleteBot handles DELETE /api/bots/:id.
func (h *Handler) DeleteBot(c *gin.Context) {
	name, err := h.coord.DeleteBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, nil, "Deleted bot "+name)
}

// StartBot handles POST /api/bots/:id/start.
func (h *Handler) StartBot(c *gin.Context) {
	botID := c.Param("id")
	if err := h.coord.StartBot(c.Request.Context(), botID); err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, h.tracker.Get(botID), "Bot started")
}

// StopBot handles POST /api/bots/:id/stop.
func (h *Handler) StopBot(c *gin.Context) {
	botID := c.Param("id")
	if err := h.coord.StopBot(c.Request.Context(), botID); err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccessWithMessage(c, h.tracker.Get(botID), "Bot stopped")
}

// GetStatus handles GET /api/bots/:id/status. With refresh=1 the backend
// is queried first; otherwise the tracked state is served.
func (h *Handler) GetStatus(c *gin.Context) {
	botID := c.Param("id")
	if c.Query("refresh") == "1" {
		status, err := h.coord.RefreshStatus(c.Request.Context(), botID)
		if err != nil {
			util.SendError(c, err)
			return
		}
		util.SendSuccess(c, status)
		return
	}
	util.SendSuccess(c, h.tracker.Get(botID))
}

// TradeHistory handles GET /api/history.
func (h *Handler) TradeHistory(c *gin.Context) {
	var filter model.TradeFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	trades, err := h.coord.TradeHistory(c.Request.Context(), filter)
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, trades)
}

// Performance handles GET /api/performance.
func (h *Handler) Performance(c *gin.Context) {
	report, err := h.coord.Performance(c.Request.Context(), c.Query("period"))
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, report)
}

// Symbols handles GET /api/symbols.
func (h *Handler) Symbols(c *gin.Context) {
	symbols, err := h.coord.Symbols(c.Request.Context())
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, symbols)
}

// Strategies handles GET /api/strategies.
func (h *Handler) Strategies(c *gin.Context) {
	strategies, err := h.coord.Strategies(c.Request.Context())
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, strategies)
}

// Backtest handles POST /api/backtest.
func (h *Handler) Backtest(c *gin.Context) {
	var req model.BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	result, err := h.coord.Backtest(c.Request.Context(), req)
	if err != nil {
		util.SendError(c, err)
		return
	}
	util.SendSuccess(c, result)
}

type sessionRequest struct {
	Token string `json:"token" binding:"required"`
}

// SetSession handles POST /api/session: a surface hands the backend-issued
// token to the core after the user signs in.
func (h *Handler) SetSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	if err := h.sess.SetToken(req.Token); err != nil {
		util.SendError(c, util.ErrBadRequest("Invalid session token"))
		return
	}

	// First sync happens off the request path; surfaces re-render from the
	// store notifications as the fetches land.
	go func() {
		ctx := context.Background()
		if _, err := h.coord.ListBots(ctx); err != nil {
			return
		}
		h.coord.ListActiveBots(ctx)
	}()

	util.SendSuccessWithMessage(c, gin.H{"authenticated": true}, "Session established")
}

// GetSession handles GET /api/session.
func (h *Handler) GetSession(c *gin.Context) {
	util.SendSuccess(c, gin.H{"authenticated": h.sess.Authenticated()})
}

// ClearSession handles DELETE /api/session.
func (h *Handler) ClearSession(c *gin.Context) {
	h.sess.Clear()
	util.SendSuccess(c, gin.H{"authenticated": false})
}
