package bootstrap

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/common/config"
	"github.com/loomhq/loom/common/hooks"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
	"github.com/loomhq/loom/common/scheduler"
	"github.com/loomhq/loom/common/world"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	World     *world.World
	Manifest  *manifest.Manifest
	Scheduler *scheduler.Scheduler
	Hooks     *hooks.Registry

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components.
// Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
