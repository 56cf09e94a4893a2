package container

import (
	"github.com/loomhq/loom/common/bootstrap"
	"github.com/loomhq/loom/common/hooks"
	"github.com/loomhq/loom/common/scheduler"
)

// Container holds the initialized services the handlers depend on
// (singleton pattern).
type Container struct {
	Components *bootstrap.Components
	Scheduler  *scheduler.Scheduler
	Hooks      *hooks.Registry
}

// NewContainer initializes all services once.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	return &Container{
		Components: components,
		Scheduler:  components.Scheduler,
		Hooks:      components.Hooks,
	}, nil
}
