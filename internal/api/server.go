// Package api exposes the operational HTTP surface: health, pipeline
// status, recent alerts, the watchlist, and hot-reloadable detector
// settings.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bybit-alert-bot/config"
	"bybit-alert-bot/internal/bybit"
	"bybit-alert-bot/internal/clock"
	"bybit-alert-bot/internal/database"
)

// AlertReader queries persisted alerts.
type AlertReader interface {
	RecentAlerts(ctx context.Context, limit int) ([]*database.Alert, error)
}

// WatchlistStore manages tracked symbols.
type WatchlistStore interface {
	Symbols(ctx context.Context) ([]string, error)
	Add(ctx context.Context, symbol string, notes *string) error
	Remove(ctx context.Context, symbol string) error
}

// AlertCache is the redis-backed broadcast cache. Implementations report
// their own availability and serve the last broadcast alert per symbol.
type AlertCache interface {
	IsHealthy() bool
	LastAlert(ctx context.Context, symbol string) (*database.Alert, error)
}

// Server is the status HTTP server.
type Server struct {
	router    *gin.Engine
	cfg       config.ServerConfig
	signalCfg *config.Store
	oracle    *clock.Oracle
	subs      *bybit.SubscriptionManager
	alerts    AlertReader
	watchlist WatchlistStore
	redis     AlertCache // may be nil
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer builds the router and its routes.
func NewServer(
	cfg config.ServerConfig,
	signalCfg *config.Store,
	oracle *clock.Oracle,
	subs *bybit.SubscriptionManager,
	alerts AlertReader,
	watchlist WatchlistStore,
	redis AlertCache,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		cfg:       cfg,
		signalCfg: signalCfg,
		oracle:    oracle,
		subs:      subs,
		alerts:    alerts,
		watchlist: watchlist,
		redis:     redis,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/alerts", s.handleRecentAlerts)
		api.GET("/alerts/:symbol/last", s.handleLastAlert)
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)
		api.GET("/watchlist", s.handleGetWatchlist)
		api.POST("/watchlist", s.handleAddWatchlist)
		api.DELETE("/watchlist/:symbol", s.handleRemoveWatchlist)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"time_sync":     s.oracle.Status(),
		"subscriptions": s.subs.Stats(),
	}
	if s.redis != nil {
		status["redis_healthy"] = s.redis.IsHealthy()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRecentAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	alerts, err := s.alerts.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query recent alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleLastAlert(c *gin.Context) {
	if s.redis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert cache disabled"})
		return
	}
	symbol := c.Param("symbol")
	alert, err := s.redis.LastAlert(c.Request.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("query last alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if alert == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached alert"})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.signalCfg.Snapshot())
}

// handleUpdateSettings swaps in a full new snapshot. The request body
// starts from the current settings, so partial updates work.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	updated := *s.signalCfg.Snapshot()
	if err := c.ShouldBindJSON(&updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.signalCfg.Update(updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Msg("signal settings updated")
	c.JSON(http.StatusOK, s.signalCfg.Snapshot())
}

func (s *Server) handleGetWatchlist(c *gin.Context) {
	symbols, err := s.watchlist.Symbols(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}

func (s *Server) handleAddWatchlist(c *gin.Context) {
	var req struct {
		Symbol string  `json:"symbol" binding:"required"`
		Notes  *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.watchlist.Add(c.Request.Context(), req.Symbol, req.Notes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "insert failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"symbol": req.Symbol})
}

func (s *Server) handleRemoveWatchlist(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.watchlist.Remove(c.Request.Context(), symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol})
}
