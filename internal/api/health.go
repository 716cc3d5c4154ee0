package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eventpulse/ig-events-worker/internal/jobserver"
	"github.com/eventpulse/ig-events-worker/internal/store"
)

// Healthz is the liveness probe endpoint.
func Healthz() func(c echo.Context) error {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "ig-events-worker",
		})
	}
}

// Readyz is the readiness probe endpoint: the job server must be up and the
// database reachable.
func Readyz(jobServer *jobserver.JobServer, storage *store.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		checks := map[string]any{}
		ready := true

		if jobServer == nil {
			ready = false
			checks["job_server"] = "not initialized"
		} else {
			checks["job_server"] = "ok"
		}

		if storage == nil {
			ready = false
			checks["database"] = "not configured"
		} else if err := storage.Ping(); err != nil {
			ready = false
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}

		response := map[string]any{
			"service": "ig-events-worker",
			"ready":   ready,
			"checks":  checks,
		}
		if !ready {
			return c.JSON(http.StatusServiceUnavailable, response)
		}
		return c.JSON(http.StatusOK, response)
	}
}
