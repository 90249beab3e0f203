package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/services"
)

// startSessionHandler handles POST /api/v1/sessions.
// Returns 201 for a fresh (or resumed) session and 200 when the learner
// already has one running; starting twice is not an error.
func (s *Server) startSessionHandler(c *echo.Context) error {
	var req models.StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.LearnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "learner_id is required")
	}

	resp, err := s.sessions.StartSession(c.Request().Context(), services.StartSessionInput{
		LearnerID: req.LearnerID,
		Author:    extractAuthor(c),
		Syllabus:  req.Syllabus,
	})
	if err != nil {
		return mapServiceError(err)
	}

	status := http.StatusCreated
	if resp.AlreadyStarted {
		status = http.StatusOK
	}
	return c.JSON(status, resp)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.ListSessions())
}

// getSessionHandler handles GET /api/v1/sessions/:id.
// The id is the learner id; a learner has at most one session.
func (s *Server) getSessionHandler(c *echo.Context) error {
	learnerID := c.Param("id")
	if learnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	snap, err := s.sessions.GetSession(c.Request().Context(), learnerID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// postMessageHandler handles POST /api/v1/sessions/:id/messages.
// The message is queued for the session actor; 202 means accepted, not
// processed. The tutor's reaction arrives over the learner's WebSocket.
func (s *Server) postMessageHandler(c *echo.Context) error {
	learnerID := c.Param("id")
	if learnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req models.PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.sessions.PostMessage(c.Request().Context(), learnerID, req.Content); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &MessageAcceptedResponse{
		SessionID: learnerID,
		Message:   "message accepted for processing",
	})
}

// stopSessionHandler handles DELETE /api/v1/sessions/:id.
// The stop is asynchronous: the session says goodbye, persists its snapshot
// and exits on its own time.
func (s *Server) stopSessionHandler(c *echo.Context) error {
	learnerID := c.Param("id")
	if learnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	if err := s.sessions.StopSession(c.Request().Context(), learnerID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &StopResponse{
		SessionID: learnerID,
		Message:   "session stopping",
	})
}
