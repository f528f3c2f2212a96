// Package api exposes the signal query engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/signals"
)

// Server wraps a gin engine serving signal queries.
type Server struct {
	engine *signals.Engine
	log    zerolog.Logger
	srv    *http.Server
}

// NewServer creates an HTTP server on the given port.
func NewServer(engine *signals.Engine, port string, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{engine: engine, log: log}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/signals", s.getSignals)
	}

	s.srv = &http.Server{
		Addr:              "0.0.0.0:" + port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// getSignals handles GET /api/signals.
//
// Query parameters:
//
//	date                 single trading date (exclusive with start/end)
//	start, end           inclusive date range
//	stock_code           repeatable stock code filter
//	min_confidence       minimum confidence, default 0.6
//	price_mode           next-open (default) or as-recorded
func (s *Server) getSignals(c *gin.Context) {
	var start, end string
	if date := c.Query("date"); date != "" {
		if c.Query("start") != "" || c.Query("end") != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date cannot be combined with start/end"})
			return
		}
		start, end = date, date
	} else {
		start, end = c.Query("start"), c.Query("end")
		if start == "" || end == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "either date or both start and end are required"})
			return
		}
	}

	minConfidence := 0.6
	if raw := c.Query("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_confidence: " + raw})
			return
		}
		minConfidence = v
	}

	mode, err := signals.ParsePriceMode(c.DefaultQuery("price_mode", string(signals.PriceNextOpen)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.Fetch(start, end, c.QueryArray("stock_code"), minConfidence, mode)
	if err != nil {
		if errors.Is(err, signals.ErrInvalidQuery) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error().Err(err).Msg("signal query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(result),
		"signals": result,
	})
}

// requestLogger logs non-health requests after completion.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}

		startAt := time.Now()
		c.Next()

		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(startAt)).
			Msg("request")
	}
}
