// Package gateway is the local boundary surfaces talk to: REST for
// dispatching lifecycle operations, WebSocket for store change
// notifications. Surfaces never mutate state directly.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedeck/core/internal/config"
	"tradedeck/core/pkg/logger"
)

// NewRouter builds the gateway's gin engine.
func NewRouter(cfg *config.Config, log *logger.Logger, h *Handler, hub *Hub) *gin.Engine {
	if cfg.Gateway.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestID())
	router.Use(Logger(log))
	router.Use(CORS(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := router.Group("/api")
	{
		api.POST("/session", h.SetSession)
		api.GET("/session", h.GetSession)
		api.DELETE("/session", h.ClearSession)

		bots := api.Group("/bots")
		{
			bots.GET("", h.ListBots)
			bots.POST("", h.CreateBot)
			bots.GET("/:id", h.GetBot)
			bots.PUT("/:id", h.UpdateBot)
			bots.DELETE("/:id", h.DeleteBot)
			bots.POST("/:id/start", h.StartBot)
			bots.POST("/:id/stop", h.StopBot)
			bots.GET("/:id/status", h.GetStatus)
		}

		api.GET("/history", h.TradeHistory)
		api.GET("/performance", h.Performance)
		api.GET("/symbols", h.Symbols)
		api.GET("/strategies", h.Strategies)
		api.POST("/backtest", h.Backtest)
	}

	router.GET("/ws", hub.ServeWS)

	return router
}
