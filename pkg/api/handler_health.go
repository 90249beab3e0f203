package api

import (
	"context"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/studyhall/tutord/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/v1/health.
// Only tutord's own components are checked. The LLM backend is deliberately
// excluded: sessions degrade to deterministic fallbacks when tools fail, so
// an unhealthy LLM must not get the process restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.dbClient != nil {
		if err := s.dbClient.DB().PingContext(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	resp := &HealthResponse{
		Status:         status,
		Version:        version.String(),
		ActiveSessions: s.sessions.ListSessions().Count,
		Checks:         checks,
	}
	if s.connManager != nil {
		resp.ActiveConnections = s.connManager.ActiveConnections()
	}

	httpStatus := 200
	if status == healthStatusUnhealthy {
		httpStatus = 503
	}
	return c.JSON(httpStatus, resp)
}
