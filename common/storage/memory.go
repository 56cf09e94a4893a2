package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/common/event"
)

// Memory is an in-memory Storage implementation. It backs the memory world
// and every engine test; a single mutex stands in for postgres transactions.
type Memory struct {
	mu      sync.Mutex
	runs    map[string]*runState
	runIDs  []string
	byToken map[string]hookKey
}

type runState struct {
	events    []*event.Event
	run       *event.Run
	steps     map[string]*event.Step // keyed by correlation id
	stepOrder []string
	hooks     map[string]*event.Hook // keyed by hook id
	hookOrder []string
}

type hookKey struct {
	runID  string
	hookID string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]*runState),
		byToken: make(map[string]hookKey),
	}
}

// AppendEvent validates, assigns the next ordinal, and materializes views
// under one lock acquisition, so concurrent readers see the event and its
// view together or not at all.
func (m *Memory) AppendEvent(ctx context.Context, e *event.Event, opts *AppendOptions) (*AppendResult, error) {
	if e.RunID == "" {
		return nil, fmt.Errorf("storage: event missing run id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[e.RunID]
	var currentRun *event.Run
	if state != nil {
		currentRun = state.run
	}
	var currentStep *event.Step
	if state != nil && e.CorrelationID != "" {
		currentStep = state.steps[e.CorrelationID]
	}

	if err := event.Validate(currentRun, currentStep, e); err != nil {
		return nil, err
	}

	stored := cloneEvent(e)
	if stored.EventID == "" {
		stored.EventID = "ev_" + uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.SpecVersion = event.SpecVersion
	if opts != nil && opts.V1Compat {
		stored.SpecVersion = 1
	}

	if state == nil {
		state = &runState{
			run:   &event.Run{},
			steps: make(map[string]*event.Step),
			hooks: make(map[string]*event.Hook),
		}
		m.runs[e.RunID] = state
		m.runIDs = append(m.runIDs, e.RunID)
	}
	stored.Ordinal = int64(len(state.events)) + 1
	state.events = append(state.events, stored)

	result := &AppendResult{Event: cloneEvent(stored)}

	switch {
	case stored.Type.IsRunEvent():
		event.ApplyToRun(state.run, stored)
		result.Run = cloneRun(state.run)
	case stored.Type.IsStepEvent():
		step := state.steps[stored.CorrelationID]
		if step == nil {
			step = &event.Step{StepID: "st_" + uuid.New().String()}
			state.steps[stored.CorrelationID] = step
			state.stepOrder = append(state.stepOrder, stored.CorrelationID)
		}
		event.ApplyToStep(step, stored)
		result.Step = cloneStep(step)
	case stored.Type.IsHookEvent():
		hook := m.hookForEvent(state, stored)
		event.ApplyToHook(hook, stored)
		if stored.Type == event.HookCreated {
			m.byToken[hook.Token] = hookKey{runID: stored.RunID, hookID: hook.HookID}
		}
		result.Hook = cloneHook(hook)
	}

	// Terminal run events cascade disposal to every live hook.
	if stored.Type.IsRunEvent() && state.run.Status.IsTerminal() {
		for _, id := range state.hookOrder {
			h := state.hooks[id]
			if !h.Disposed {
				h.Disposed = true
				t := stored.CreatedAt
				h.DisposedAt = &t
			}
		}
	}

	return result, nil
}

func (m *Memory) hookForEvent(state *runState, e *event.Event) *event.Hook {
	if e.Type == event.HookCreated {
		hook := &event.Hook{HookID: "hk_" + uuid.New().String()}
		state.hooks[hook.HookID] = hook
		state.hookOrder = append(state.hookOrder, hook.HookID)
		return hook
	}
	// Receipt and disposal address the hook by correlation id.
	for _, id := range state.hookOrder {
		if state.hooks[id].CorrelationID == e.CorrelationID {
			return state.hooks[id]
		}
	}
	hook := &event.Hook{HookID: "hk_" + uuid.New().String(), CorrelationID: e.CorrelationID}
	state.hooks[hook.HookID] = hook
	state.hookOrder = append(state.hookOrder, hook.HookID)
	return hook
}

func (m *Memory) ListEvents(ctx context.Context, runID string, opts ListOptions) ([]*event.Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return pageEvents(state.events, opts)
}

func (m *Memory) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string, opts ListOptions) ([]*event.Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	var matched []*event.Event
	for _, e := range state.events {
		if e.CorrelationID == correlationID {
			matched = append(matched, e)
		}
	}
	return pageEvents(matched, opts)
}

func (m *Memory) GetRun(ctx context.Context, runID string) (*event.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return cloneRun(state.run), nil
}

func (m *Memory) ListRuns(ctx context.Context, opts ListOptions) ([]*event.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	var out []*event.Run
	for i := start; i < len(m.runIDs) && len(out) < limit; i++ {
		run := cloneRun(m.runs[m.runIDs[i]].run)
		if !opts.ResolveData {
			run.Input, run.Output = nil, nil
		}
		out = append(out, run)
	}
	return out, nextCursor(start, len(out), len(m.runIDs)), nil
}

func (m *Memory) GetStep(ctx context.Context, runID, correlationID string) (*event.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	step := state.steps[correlationID]
	if step == nil {
		return nil, fmt.Errorf("%w: step %s", ErrNotFound, correlationID)
	}
	return cloneStep(step), nil
}

func (m *Memory) ListSteps(ctx context.Context, runID string, opts ListOptions) ([]*event.Step, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	var out []*event.Step
	for i := start; i < len(state.stepOrder) && len(out) < limit; i++ {
		step := cloneStep(state.steps[state.stepOrder[i]])
		if !opts.ResolveData {
			step.Args, step.Output = nil, nil
		}
		out = append(out, step)
	}
	return out, nextCursor(start, len(out), len(state.stepOrder)), nil
}

func (m *Memory) GetHook(ctx context.Context, runID, hookID string) (*event.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	hook := state.hooks[hookID]
	if hook == nil {
		return nil, fmt.Errorf("%w: hook %s", ErrNotFound, hookID)
	}
	return cloneHook(hook), nil
}

func (m *Memory) GetHookByToken(ctx context.Context, token string) (*event.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: hook token", ErrNotFound)
	}
	return cloneHook(m.runs[key.runID].hooks[key.hookID]), nil
}

func (m *Memory) ListHooks(ctx context.Context, runID string, opts ListOptions) ([]*event.Hook, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.runs[runID]
	if state == nil {
		return nil, "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	var out []*event.Hook
	for i := start; i < len(state.hookOrder) && len(out) < limit; i++ {
		out = append(out, cloneHook(state.hooks[state.hookOrder[i]]))
	}
	return out, nextCursor(start, len(out), len(state.hookOrder)), nil
}

func pageEvents(events []*event.Event, opts ListOptions) ([]*event.Event, string, error) {
	start := parseCursor(opts.Page.Cursor)
	limit := limitOf(opts.Page)

	var out []*event.Event
	for i := start; i < len(events) && len(out) < limit; i++ {
		e := cloneEvent(events[i])
		if !opts.ResolveData {
			e.Data = nil
		}
		out = append(out, e)
	}
	return out, nextCursor(start, len(out), len(events)), nil
}

func parseCursor(c string) int {
	if c == "" {
		return 0
	}
	n, err := strconv.Atoi(c)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func nextCursor(start, returned, total int) string {
	next := start + returned
	if next >= total {
		return ""
	}
	return strconv.Itoa(next)
}

func cloneEvent(e *event.Event) *event.Event {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.WakeAt != nil {
		t := *e.WakeAt
		c.WakeAt = &t
	}
	if e.Error != nil {
		ei := *e.Error
		c.Error = &ei
	}
	return &c
}

func cloneRun(r *event.Run) *event.Run {
	c := *r
	if r.Input != nil {
		c.Input = append([]byte(nil), r.Input...)
	}
	if r.Output != nil {
		c.Output = append([]byte(nil), r.Output...)
	}
	if r.Error != nil {
		ei := *r.Error
		c.Error = &ei
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneStep(s *event.Step) *event.Step {
	c := *s
	if s.Args != nil {
		c.Args = append([]byte(nil), s.Args...)
	}
	if s.Output != nil {
		c.Output = append([]byte(nil), s.Output...)
	}
	if s.LastError != nil {
		ei := *s.LastError
		c.LastError = &ei
	}
	if s.RetryAfter != nil {
		t := *s.RetryAfter
		c.RetryAfter = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneHook(h *event.Hook) *event.Hook {
	c := *h
	if h.DisposedAt != nil {
		t := *h.DisposedAt
		c.DisposedAt = &t
	}
	return &c
}
