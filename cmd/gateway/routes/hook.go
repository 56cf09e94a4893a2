package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/loomhq/loom/cmd/gateway/container"
	"github.com/loomhq/loom/cmd/gateway/handlers"
)

// RegisterHookRoutes registers hook and webhook delivery routes
func RegisterHookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHookHandler(c)

	e.POST("/api/v1/hooks/:token", h.ResumeHook)
	e.POST("/api/v1/webhooks/:token", h.ResumeWebhook)
}
