package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loomhq/loom/cmd/gateway/container"
	"github.com/loomhq/loom/cmd/gateway/routes"
	"github.com/loomhq/loom/common/bootstrap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (config, logger, world, scheduler)
	components, err := bootstrap.Setup(ctx, "gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap gateway: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Manifest.Freeze()

	// The memory world is single-process: the gateway also runs the
	// scheduler consumers so dev runs make progress.
	if components.Config.Deployment.TargetWorld == "memory" {
		if err := components.Scheduler.Start(ctx); err != nil {
			components.Logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize service container (singleton pattern)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)
	registerRoutes(e, serviceContainer)

	addr := fmt.Sprintf(":%d", components.Config.Service.Port)
	components.Logger.Info("gateway listening", "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		components.Logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "gateway",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterRunRoutes(e, serviceContainer)
	routes.RegisterHookRoutes(e, serviceContainer)
}
