package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eventpulse/ig-events-worker/internal/config"
)

const HealthCheckPath = "/healthz"
const ReadinessCheckPath = "/readyz"

// APIKeyAuthMiddleware returns an Echo middleware that checks for the API key
// in the request headers. With no key configured, all requests pass.
func APIKeyAuthMiddleware(cfg config.JobConfiguration) echo.MiddlewareFunc {
	apiKey := cfg.GetString("api_key", "")
	if apiKey == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return next(c)
			}
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip auth for health check endpoints
			path := c.Request().URL.Path
			if path == HealthCheckPath || path == ReadinessCheckPath {
				return next(c)
			}

			// Check Authorization: Bearer <API_KEY> or X-API-Key header
			header := c.Request().Header.Get("Authorization")
			if header == "Bearer "+apiKey {
				return next(c)
			}
			if c.Request().Header.Get("X-API-Key") == apiKey {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
		}
	}
}
