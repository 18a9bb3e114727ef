// Package httpapi is a read-only status sidecar: a small HTTP surface
// operators can poll without speaking the control-plane's TCP protocol.
// It observes C1 and the audit store; it never mutates live session state.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"hub/server/internal/protocol"
	"hub/server/internal/registry"
	"hub/server/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application backing the status sidecar.
type Server struct {
	echo  *echo.Echo
	hub   *registry.Hub
	audit *store.Store // nil when no durable store is configured
}

// New constructs an Echo app exposing /health, /api/state, and, when audit
// is non-nil, /api/audit.
func New(hub *registry.Hub, audit *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, hub: hub, audit: audit}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	if s.audit != nil {
		s.echo.GET("/api/audit", s.handleAudit)
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

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down status sidecar")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("status sidecar stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Users:  s.hub.Count(),
	})
}

type stateResponse struct {
	Users []protocol.Participant `json:"users"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.hub.Snapshot()
	if users == nil {
		users = []protocol.Participant{}
	}
	return c.JSON(http.StatusOK, stateResponse{Users: users})
}

type auditEventResponse struct {
	Time     string `json:"time"`
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
	Event    string `json:"event"`
	Detail   string `json:"detail,omitempty"`
}

func (s *Server) handleAudit(c echo.Context) error {
	events, err := s.audit.RecentEvents(c.Request().Context(), 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			Time:     e.Time.Format(time.RFC3339),
			UID:      e.UID,
			Username: e.Username,
			Event:    e.Event,
			Detail:   e.Detail,
		})
	}
	return c.JSON(http.StatusOK, out)
}
