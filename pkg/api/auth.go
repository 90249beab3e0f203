package api

import (
	echo "github.com/labstack/echo/v5"
)

// extractAuthor extracts who issued the request from proxy headers, for
// audit logging. Learner identity is NOT derived from these: learners are
// addressed by the learner_id they present, authenticated upstream.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email
// (oauth2-proxy) > X-Remote-User (kube-rbac-proxy) > "api-client".
func extractAuthor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
