// Package httpapi serves the control and monitoring surface: health, live
// pipeline stats, the recording index, Prometheus metrics and the waveform
// websocket.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aecd/internal/observe"
	"aecd/internal/pipeline"
	"aecd/internal/store"
	"aecd/internal/viz"
)

const (
	shutdownTimeout       = 5 * time.Second
	defaultRecordingLimit = 50
	maxRecordingLimit     = 500
)

// StatsSource reports live pipeline counters.
type StatsSource interface {
	Running() bool
	Stats() pipeline.Stats
}

// RecordingLister lists indexed recordings.
type RecordingLister interface {
	Recordings(ctx context.Context, limit int) ([]store.Recording, error)
}

// Options wires the server to the rest of the process. Nil fields disable
// the routes that depend on them.
type Options struct {
	Stats      StatsSource
	Recordings RecordingLister
	Hub        *viz.Hub
	Metrics    *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to the Prometheus default
	// registry.
	MetricsHandler http.Handler
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	opts Options
}

// New constructs an Echo app with all routes registered.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestMetrics(opts.Metrics))

	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}

	s := &Server{echo: e, opts: opts}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.opts.MetricsHandler))
	if s.opts.Stats != nil {
		s.echo.GET("/api/stats", s.handleStats)
	}
	if s.opts.Recordings != nil {
		s.echo.GET("/api/recordings", s.handleRecordings)
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	slog.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Running    bool   `json:"running"`
	VizClients int    `json:"viz_clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	if s.opts.Stats != nil {
		resp.Running = s.opts.Stats.Running()
	}
	if s.opts.Hub != nil {
		resp.VizClients = s.opts.Hub.Clients()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Stats.Stats())
}

type recordingsResponse struct {
	Recordings []store.Recording `json:"recordings"`
}

func (s *Server) handleRecordings(c echo.Context) error {
	limit := defaultRecordingLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxRecordingLimit)
	}

	recs, err := s.opts.Recordings.Recordings(c.Request().Context(), limit)
	if err != nil {
		slog.Error("list recordings", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "list recordings failed")
	}
	if recs == nil {
		recs = []store.Recording{}
	}
	return c.JSON(http.StatusOK, recordingsResponse{Recordings: recs})
}

// requestMetrics records every request's duration against its route
// pattern and logs completion.
func requestMetrics(m *observe.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			d := time.Since(start)
			m.RecordHTTPRequest(req.Context(), req.Method, path, d)
			slog.LogAttrs(req.Context(), slog.LevelDebug, "request completed",
				slog.String("method", req.Method),
				slog.String("path", path),
				slog.Int("status", c.Response().Status),
				slog.Duration("duration", d),
			)
			return nil
		}
	}
}
