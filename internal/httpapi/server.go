// Package httpapi exposes a read-only operational surface over the control
// server's in-memory state: health, live meetings, relay/transfer counters,
// and build version. It never touches the control protocol or mutates
// meeting state (SPEC_FULL.md §2); grounded on the teacher's api.go
// (labstack/echo, slog request logging, JSON handlers).
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"meetserver/internal/registry"
	"meetserver/internal/relay"
)

// TransferStats is the subset of internal/transfer.Coordinator consumed
// here, kept as an interface so this package doesn't import the
// congestion-control internals it has no business touching.
type TransferStats interface {
	SessionCount() int
}

// Version is set at build time (ldflags) or defaults to "dev".
var Version = "dev"

// Server is the Echo application backing the status API.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	relay    *relay.Relay
	transfer TransferStats
}

// New constructs the status API. relay and transfer may be nil in
// configurations that don't run those subsystems (e.g. unit tests).
func New(reg *registry.Registry, rel *relay.Relay, transfer TransferStats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.New().String() },
	}))
	e.Use(requestLogger())

	s := &Server{echo: e, registry: reg, relay: rel, transfer: transfer}
	s.registerRoutes()
	return s
}

// requestLogger mirrors the teacher's api.go middleware shape: wrap the
// handler, log via slog after it runs.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests and for Run.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/meetings", s.handleMeetings)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts Echo and blocks until ctx is cancelled or startup fails.
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

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down status api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type meetingsResponse struct {
	Meetings []registry.MeetingSnapshot `json:"meetings"`
}

func (s *Server) handleMeetings(c echo.Context) error {
	meetings := s.registry.Meetings()
	if meetings == nil {
		meetings = []registry.MeetingSnapshot{}
	}
	return c.JSON(http.StatusOK, meetingsResponse{Meetings: meetings})
}

type metricsResponse struct {
	MeetingCount     int             `json:"meetingCount"`
	ParticipantCount int             `json:"participantCount"`
	TransferSessions int             `json:"transferSessions"`
	Relay            *relay.Counters `json:"relay,omitempty"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	resp := metricsResponse{
		MeetingCount:     s.registry.MeetingCount(),
		ParticipantCount: s.registry.ParticipantCount(),
	}
	if s.transfer != nil {
		resp.TransferSessions = s.transfer.SessionCount()
	}
	if s.relay != nil {
		snap := s.relay.Stats.Snapshot()
		resp.Relay = &snap
	}
	return c.JSON(http.StatusOK, resp)
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: Version})
}
