package bootstrap

import (
	"github.com/loomhq/loom/common/config"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
)

type options struct {
	customConfig   *config.Config
	customLogger   *logger.Logger
	customManifest *manifest.Manifest
	classifierExpr string
}

// Option customizes Setup.
type Option func(*options)

func defaultOptions() *options {
	return &options{}
}

// WithConfig bypasses environment loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithLogger injects a preconfigured logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.customLogger = log }
}

// WithManifest uses a specific manifest instead of manifest.Default.
func WithManifest(m *manifest.Manifest) Option {
	return func(o *options) { o.customManifest = m }
}

// WithRetryClassifier installs a CEL retry-classification expression for
// the step runner.
func WithRetryClassifier(expr string) Option {
	return func(o *options) { o.classifierExpr = expr }
}
