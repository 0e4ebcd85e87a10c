// Package server exposes the local admin HTTP API: health, status, queue
// and history views, and runtime markup configuration.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/httpmw"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/dispatch"
	"github.com/wartabot/wartabot/internal/state"
)

// Markup is the slice of the AI client the config endpoints need.
type Markup interface {
	GetMarkup(ctx context.Context) (int, error)
	SetMarkup(ctx context.Context, markup int) error
}

// Server is the admin HTTP server. It binds to loopback by default; the
// API carries no authentication of its own.
type Server struct {
	cfg        *config.Config
	store      *broadcast.Store
	states     *state.Store
	dispatcher *dispatch.Dispatcher
	markup     Markup
	logger     *logger.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the admin API.
func NewServer(
	cfg *config.Config,
	store *broadcast.Store,
	states *state.Store,
	dispatcher *dispatch.Dispatcher,
	markup Markup,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		states:     states,
		dispatcher: dispatcher,
		markup:     markup,
		logger:     log.WithFields(zap.String("component", "admin-api")),
		startedAt:  time.Now().UTC(),
	}
}

// buildRouter assembles the route table.
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "admin"))

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/queue", s.handleQueue)
	api.GET("/history", s.handleHistory)
	api.GET("/config/markup", s.handleGetMarkup)
	api.POST("/config/markup", s.handleSetMarkup)
	return router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	router := s.buildRouter()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}

	s.logger.Info("admin API listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	flows := 0
	for _, op := range s.cfg.Operator.IDs {
		live, err := s.states.GetAll(ctx, op)
		if err != nil {
			continue
		}
		flows += len(live)
	}

	var lastSent *time.Time
	if t := s.dispatcher.LastSentAt(); !t.IsZero() {
		lastSent = &t
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"queue_depth":    len(pending),
		"active_flows":   flows,
		"last_sent_at":   lastSent,
	})
}

func (s *Server) handleQueue(c *gin.Context) {
	snap, err := s.dispatcher.QueueSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": snap, "count": len(snap)})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	recent, err := s.store.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"broadcasts": recent, "count": len(recent)})
}

func (s *Server) handleGetMarkup(c *gin.Context) {
	m, err := s.markup.GetMarkup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"price_markup": m})
}

func (s *Server) handleSetMarkup(c *gin.Context) {
	var body struct {
		PriceMarkup int `json:"price_markup" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.PriceMarkup < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_markup must not be negative"})
		return
	}
	if err := s.markup.SetMarkup(c.Request.Context(), body.PriceMarkup); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetSetting(c.Request.Context(), broadcast.SettingPriceMarkup, strconv.Itoa(body.PriceMarkup)); err != nil {
		s.logger.Error("failed to persist markup", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"price_markup": body.PriceMarkup})
}
