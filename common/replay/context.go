package replay

import (
	"fmt"
	"strconv"
	"time"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/event"
)

// Suspension is the signal raised when a capability has no answer in the
// log. The engine recovers it at the replay top; user code must not.
type Suspension struct {
	CorrelationID string
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("replay: suspended at %s", s.CorrelationID)
}

// StepError is returned from ctx.Step when the step committed a failure.
type StepError struct {
	CorrelationID string
	Info          event.ErrorInfo
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.CorrelationID, e.Info.Message)
}

// Context is the workflow's window into the run. Every capability is
// correlation-addressed: the nth use of a name produces the same id on
// every replay, which is what lets the log answer it.
type Context struct {
	runID    string
	sandbox  *Sandbox
	engine   *Engine
	events   map[string][]*event.Event
	counters map[string]int

	intents   []*Intent
	intentIDs map[string]struct{}
}

// RunID returns the id of the run being replayed.
func (c *Context) RunID() string { return c.runID }

// Now returns the logical clock. See Sandbox.Now.
func (c *Context) Now() time.Time { return c.sandbox.Now() }

// ULID returns a deterministic identifier. See Sandbox.ULID.
func (c *Context) ULID() string { return c.sandbox.ULID() }

// Step requests one execution of a named step. The first replay to reach it
// records a dispatch intent and suspends; once the step has committed, the
// call returns its result without re-running the handler.
func (c *Context) Step(name string, args ...any) (any, error) {
	cid := c.nextCID(name)

	for _, e := range c.events[cid] {
		switch e.Type {
		case event.StepCompleted:
			c.sandbox.advance(e.CreatedAt)
			return c.engine.decodeValue(e.Data, c.runID, c)
		case event.StepFailed:
			c.sandbox.advance(e.CreatedAt)
			info := event.ErrorInfo{Message: "step failed"}
			if e.Error != nil {
				info = *e.Error
			}
			return nil, &StepError{CorrelationID: cid, Info: info}
		}
	}

	// Not committed yet. The intent is re-issued even when the log already
	// holds step_started: the step message can be lost between the append
	// and the enqueue, and dispatch is idempotent.
	encoded, err := c.engine.EncodeValue(args, c.runID)
	if err != nil {
		return nil, err
	}
	c.record(&Intent{Kind: IntentStep, CorrelationID: cid, Name: name, Args: encoded})
	panic(&Suspension{CorrelationID: cid})
}

// Hook opens a named rendezvous point and waits for its payload. The first
// replay records a creation intent and suspends; once a hook_received event
// is in the log, the call returns the delivered payload.
func (c *Context) Hook(name string) (any, error) {
	cid := c.nextCID(name)

	for _, e := range c.events[cid] {
		if e.Type == event.HookReceived {
			c.sandbox.advance(e.CreatedAt)
			return c.engine.decodeValue(e.Data, c.runID, c)
		}
	}

	if len(c.events[cid]) == 0 {
		c.record(&Intent{Kind: IntentHook, CorrelationID: cid, Name: name})
	}
	panic(&Suspension{CorrelationID: cid})
}

// Sleep pauses the workflow for at least d. Durable: the wait survives
// process restarts and arbitrary delays.
func (c *Context) Sleep(d time.Duration) {
	cid := c.nextCID("sleep")

	for _, e := range c.events[cid] {
		if e.Type == event.WaitExpired {
			c.sandbox.advance(e.CreatedAt)
			if e.WakeAt != nil {
				c.sandbox.advance(*e.WakeAt)
			}
			return
		}
	}

	if len(c.events[cid]) == 0 {
		wake := c.sandbox.Now().Add(d)
		c.record(&Intent{Kind: IntentWait, CorrelationID: cid, Name: "sleep", WakeAt: &wake})
	}
	panic(&Suspension{CorrelationID: cid})
}

// Stream opens a named run-scoped stream for writing. Chunk indices are
// deterministic, so re-executed writes are recognized and not duplicated.
func (c *Context) Stream(name string) *StreamHandle {
	return &StreamHandle{ctx: c, name: name}
}

// nextCID assigns the correlation id for the next use of a name. Wall time
// never participates; only program order does.
func (c *Context) nextCID(name string) string {
	n := c.counters[name]
	c.counters[name] = n + 1
	return name + "/" + strconv.Itoa(n)
}

// record adds an intent unless the correlation id already has one. Hooks
// and waits skip recording when the log already mentions the cid; their
// dispatch is the durable append itself. Steps always re-record, since
// their queue message lives outside the log.
func (c *Context) record(in *Intent) {
	if _, dup := c.intentIDs[in.CorrelationID]; dup {
		return
	}
	c.intentIDs[in.CorrelationID] = struct{}{}
	c.intents = append(c.intents, in)
}

// StreamHandle writes chunks to one stream. Serializable: its wire form is
// a codec.StreamRef, which hydrates back into a live handle on decode.
type StreamHandle struct {
	ctx  *Context
	name string
	next int
}

// Name returns the stream's unqualified name.
func (h *StreamHandle) Name() string { return h.name }

// Ref returns the serializable reference for this stream.
func (h *StreamHandle) Ref() codec.StreamRef {
	return codec.StreamRef{Name: h.name, RunID: h.ctx.runID}
}

// Write appends one chunk. The write is collected as an intent; the
// scheduler flushes only indices the stream does not already hold.
func (h *StreamHandle) Write(data []byte) {
	h.ctx.intents = append(h.ctx.intents, &Intent{
		Kind:  IntentStreamWrite,
		Name:  h.name,
		Index: h.next,
		Data:  append([]byte(nil), data...),
	})
	h.next++
}

// Close marks the stream finished.
func (h *StreamHandle) Close() {
	h.ctx.intents = append(h.ctx.intents, &Intent{Kind: IntentStreamClose, Name: h.name})
}
