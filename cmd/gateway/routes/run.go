package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomhq/loom/cmd/gateway/container"
	"github.com/loomhq/loom/cmd/gateway/handlers"
)

// RegisterRunRoutes registers run lifecycle routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c)

	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.SubmitRun)               // POST /api/v1/runs
		runs.GET("/:id", h.GetRun)               // GET /api/v1/runs/{run_id}
		runs.GET("/:id/events", h.ListRunEvents) // GET /api/v1/runs/{run_id}/events
		runs.POST("/:id/cancel", h.CancelRun)    // POST /api/v1/runs/{run_id}/cancel
	}
}
