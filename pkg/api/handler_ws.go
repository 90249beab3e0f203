package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /ws?learner_id=…: upgrades to WebSocket and hands
// the connection to the ConnectionManager, which binds it as the learner's
// egress sink and starts (or resumes) their session.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	learnerID := c.QueryParam("learner_id")
	if learnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "learner_id query parameter is required")
	}

	// Same-origin is always accepted; additional origins come from config.
	// An empty allowlist rejects cross-origin browsers by default.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes or is superseded
	// by a newer connection for the same learner.
	s.connManager.HandleConnection(c.Request().Context(), learnerID, conn)
	return nil
}
