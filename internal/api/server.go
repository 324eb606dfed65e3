package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"engwewatch/internal/events"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
	"engwewatch/internal/version"
)

const defaultHistoryLimit = 50

// Controller is the running monitor as seen by the HTTP surface.
type Controller interface {
	Status(ctx context.Context) (StatusResponse, error)
	TriggerScan(ctx context.Context) (service.Report, error)
	StopMonitor(ctx context.Context) StopResponse
	History(ctx context.Context, limit int) ([]monitor.HistoryEntry, error)
}

// Subscriber provides the live event feed.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Server exposes the control surface over HTTP.
type Server struct {
	ctrl   Controller
	feed   Subscriber
	logger zerolog.Logger
	engine *gin.Engine
}

// NewServer builds the gin engine and registers routes.
func NewServer(ctrl Controller, feed Subscriber, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		ctrl:   ctrl,
		feed:   feed,
		logger: logger.With().Str("component", "api").Logger(),
		engine: gin.New(),
	}
	s.engine.Use(s.recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.status)
		api.POST("/scan", s.scan)
		api.POST("/monitor/stop", s.stop)
		api.GET("/history", s.history)
		api.GET("/events", s.stream)
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	// requests inherit ctx so open event streams end before Shutdown
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "api shutdown")
		}
		return nil
	}
}

func (s *Server) status(c *gin.Context) {
	st, err := s.ctrl.Status(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) scan(c *gin.Context) {
	report, err := s.ctrl.TriggerScan(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) stop(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.StopMonitor(c.Request.Context()))
}

func (s *Server) history(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.ctrl.History(c.Request.Context(), limit)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) stream(c *gin.Context) {
	if s.feed == nil {
		writeError(c, http.StatusNotFound, "no_feed", "event feed not enabled")
		return
	}
	ch, cancel := s.feed.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) abort(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, scheduler.ErrScanInProgress):
		status, code = http.StatusConflict, "scan_in_progress"
	case errors.Is(err, scheduler.ErrStopped):
		status, code = http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, service.ErrFetchFailure):
		status, code = http.StatusBadGateway, "fetch_failure"
	}
	_ = c.Error(err)
	writeError(c, status, code, err.Error())
}

func writeError(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{Status: status}
	resp.Error.Message = msg
	resp.Error.Code = code
	c.AbortWithStatusJSON(status, resp)
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("recovered from panic")
				writeError(c, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := s.logger.Info()
		switch {
		case status >= 500:
			evt = s.logger.Error()
		case status >= 400:
			evt = s.logger.Warn()
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	}
}
