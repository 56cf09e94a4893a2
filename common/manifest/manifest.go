// Package manifest holds the process-wide registry of workflows, steps, and
// serializable classes. Registration happens during startup, before workers
// begin consuming; the bootstrap freezes the manifest once loading is done.
package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/replay"
)

// StepFn is the shape of a registered step handler. Steps are where side
// effects live; they may block, retry, and touch the outside world.
type StepFn func(ctx context.Context, args []any) (any, error)

// Manifest is a registry instance. Most programs use the package-level
// Default through the top-level functions.
type Manifest struct {
	mu        sync.RWMutex
	frozen    bool
	workflows map[string]replay.WorkflowFn
	steps     map[string]StepFn
	classes   *codec.ClassRegistry
}

// New creates an empty manifest.
func New() *Manifest {
	return &Manifest{
		workflows: make(map[string]replay.WorkflowFn),
		steps:     make(map[string]StepFn),
		classes:   codec.NewClassRegistry(),
	}
}

// Default is the process-wide manifest.
var Default = New()

// RegisterWorkflow adds a workflow under its queue-routable name.
func (m *Manifest) RegisterWorkflow(name string, fn replay.WorkflowFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return fmt.Errorf("manifest: frozen, cannot register workflow %q", name)
	}
	if name == "" || fn == nil {
		return fmt.Errorf("manifest: workflow registration needs a name and a function")
	}
	if _, dup := m.workflows[name]; dup {
		return fmt.Errorf("manifest: workflow %q already registered", name)
	}
	m.workflows[name] = fn
	return nil
}

// RegisterStep adds a step handler under its queue-routable name.
func (m *Manifest) RegisterStep(name string, fn StepFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return fmt.Errorf("manifest: frozen, cannot register step %q", name)
	}
	if name == "" || fn == nil {
		return fmt.Errorf("manifest: step registration needs a name and a function")
	}
	if _, dup := m.steps[name]; dup {
		return fmt.Errorf("manifest: step %q already registered", name)
	}
	m.steps[name] = fn
	return nil
}

// RegisterClass adds a serializable user class to the codec registry.
func (m *Manifest) RegisterClass(id string, example any, reduce codec.Reducer, revive codec.Reviver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return fmt.Errorf("manifest: frozen, cannot register class %q", id)
	}
	return m.classes.Register(id, example, reduce, revive)
}

// Freeze ends the registration phase. Idempotent.
func (m *Manifest) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Workflow looks up a workflow by name.
func (m *Manifest) Workflow(name string) (replay.WorkflowFn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.workflows[name]
	return fn, ok
}

// Step looks up a step handler by name.
func (m *Manifest) Step(name string) (StepFn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.steps[name]
	return fn, ok
}

// Workflows returns the registered workflow names.
func (m *Manifest) Workflows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		names = append(names, name)
	}
	return names
}

// Steps returns the registered step names.
func (m *Manifest) Steps() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.steps))
	for name := range m.steps {
		names = append(names, name)
	}
	return names
}

// Classes exposes the codec class registry for encode/decode options.
func (m *Manifest) Classes() *codec.ClassRegistry {
	return m.classes
}

// RegisterWorkflow registers into the Default manifest.
func RegisterWorkflow(name string, fn replay.WorkflowFn) error {
	return Default.RegisterWorkflow(name, fn)
}

// RegisterStep registers into the Default manifest.
func RegisterStep(name string, fn StepFn) error {
	return Default.RegisterStep(name, fn)
}

// RegisterClass registers into the Default manifest.
func RegisterClass(id string, example any, reduce codec.Reducer, revive codec.Reviver) error {
	return Default.RegisterClass(id, example, reduce, revive)
}
