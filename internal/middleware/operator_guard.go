package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// OperatorGuard ensures only operators and the worker service account can
// reach the operator routes (freeze, dispute resolution, SOS triage).
func OperatorGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role, ok := c.Get("role").(string)
		if !ok || (role != "operator" && role != "service") {
			return c.JSON(http.StatusForbidden, echo.Map{
				"error": "operator access only",
			})
		}
		return next(c)
	}
}
