// Package storage defines the durable contract the engine runs against:
// append-only events with atomically materialized run/step/hook views, plus
// paged queries over all of them. Two implementations ship: an in-memory
// world for tests and development, and postgres for production.
package storage

import (
	"context"
	"errors"

	"github.com/loomhq/loom/common/event"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Page controls pagination. A zero Limit means the implementation default.
type Page struct {
	Limit  int
	Cursor string
}

// ListOptions configures list queries.
type ListOptions struct {
	Page Page
	// ResolveData includes the serialized payload fields in results.
	// When false they are elided, which keeps large rows off the wire
	// for listing UIs.
	ResolveData bool
}

// AppendOptions configures a single append.
type AppendOptions struct {
	// V1Compat stamps the event with format version 1, marking its payload
	// as legacy unframed JSON for the read path.
	V1Compat bool
}

// AppendResult carries the appended event and the view it mutated.
type AppendResult struct {
	Event *event.Event
	Run   *event.Run
	Step  *event.Step
	Hook  *event.Hook
}

// Storage is the sole durability contract. AppendEvent is the only mutator;
// it validates the event against current run state, assigns the next dense
// ordinal, and materializes the affected views atomically with the event.
type Storage interface {
	AppendEvent(ctx context.Context, e *event.Event, opts *AppendOptions) (*AppendResult, error)

	ListEvents(ctx context.Context, runID string, opts ListOptions) ([]*event.Event, string, error)
	ListEventsByCorrelationID(ctx context.Context, runID, correlationID string, opts ListOptions) ([]*event.Event, string, error)

	GetRun(ctx context.Context, runID string) (*event.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*event.Run, string, error)

	GetStep(ctx context.Context, runID, correlationID string) (*event.Step, error)
	ListSteps(ctx context.Context, runID string, opts ListOptions) ([]*event.Step, string, error)

	GetHook(ctx context.Context, runID, hookID string) (*event.Hook, error)
	GetHookByToken(ctx context.Context, token string) (*event.Hook, error)
	ListHooks(ctx context.Context, runID string, opts ListOptions) ([]*event.Hook, string, error)
}

const defaultPageLimit = 100

func limitOf(p Page) int {
	if p.Limit <= 0 {
		return defaultPageLimit
	}
	return p.Limit
}
