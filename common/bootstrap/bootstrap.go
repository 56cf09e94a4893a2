// Package bootstrap initializes the shared components every service starts
// from: configuration, logging, the world, and the scheduler stack.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/common/config"
	"github.com/loomhq/loom/common/hooks"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
	"github.com/loomhq/loom/common/replay"
	"github.com/loomhq/loom/common/scheduler"
	"github.com/loomhq/loom/common/steprun"
	"github.com/loomhq/loom/common/world"
)

// Setup initializes all service components.
// This is the main entry point for all services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
		"target_world", components.Config.Deployment.TargetWorld,
	)

	components.Manifest = manifest.Default
	if options.customManifest != nil {
		components.Manifest = options.customManifest
	}

	components.World, err = world.Open(ctx, components.Config, components.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open world: %w", err)
	}
	components.addCleanup(components.World.Close)

	engine := &replay.Engine{
		Classes:   components.Manifest.Classes(),
		Encryptor: components.World.Encryptor,
		Logger:    components.Logger,
	}

	runner := &steprun.Runner{
		Storage:   components.World.Storage,
		Encryptor: components.World.Encryptor,
		Manifest:  components.Manifest,
		Logger:    components.Logger,
	}
	if options.classifierExpr != "" {
		runner.Classifier, err = steprun.NewClassifier(options.classifierExpr)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to compile retry classifier: %w", err)
		}
	}

	components.Scheduler = &scheduler.Scheduler{
		Storage:      components.World.Storage,
		Queue:        components.World.Queue,
		Streamer:     components.World.Streamer,
		Engine:       engine,
		Runner:       runner,
		Manifest:     components.Manifest,
		Logger:       components.Logger,
		Lifetime:     world.Lifetime(components.Config),
		DeploymentID: components.Config.Deployment.DeploymentID,
	}

	components.Hooks = &hooks.Registry{
		Storage:   components.World.Storage,
		Streamer:  components.World.Streamer,
		Encryptor: components.World.Encryptor,
		Classes:   components.Manifest.Classes(),
		Logger:    components.Logger,
		Wake:      components.Scheduler.WakeRun,
	}

	return components, nil
}
