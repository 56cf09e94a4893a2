package replay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/crypto"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/logger"
)

// WorkflowFn is the shape of a registered workflow. It must be
// deterministic: all I/O goes through steps, all time through the context.
type WorkflowFn func(ctx *Context, input []any) (any, error)

// IntentKind labels the work a suspended replay needs done.
type IntentKind string

const (
	IntentStep        IntentKind = "step"
	IntentHook        IntentKind = "hook"
	IntentWait        IntentKind = "wait"
	IntentStreamWrite IntentKind = "stream_write"
	IntentStreamClose IntentKind = "stream_close"
)

// Intent is one unit of work a replay attempt discovered. Replaying the
// same event prefix yields the same intents in the same order.
type Intent struct {
	Kind          IntentKind
	CorrelationID string
	Name          string
	Args          []byte
	WakeAt        *time.Time
	Index         int
	Data          []byte
}

// Outcome classifies how a replay attempt ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSuspended Outcome = "suspended"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what one replay attempt produced.
type Result struct {
	Outcome Outcome
	// Output is the encoded (and, with an encryptor, encrypted) return
	// value on completion.
	Output  []byte
	Error   *event.ErrorInfo
	Intents []*Intent
}

// Engine replays workflows against their logs. A nil Encryptor selects the
// plaintext pipeline.
type Engine struct {
	Classes   *codec.ClassRegistry
	Encryptor *crypto.Encryptor
	Logger    *logger.Logger
}

// Replay executes fn against the run's event log. Events must carry their
// payloads. The attempt is pure with respect to the log: nothing is
// persisted here; the caller acts on the returned intents and outcome.
func (e *Engine) Replay(ctx context.Context, fn WorkflowFn, run *event.Run, events []*event.Event) (*Result, error) {
	if len(events) == 0 || events[0].Type != event.RunCreated {
		return nil, fmt.Errorf("replay: run %s log does not start with run_created", run.RunID)
	}

	// Cancellation wins before any user code runs.
	for _, ev := range events {
		if ev.Type == event.RunCancelled {
			return &Result{Outcome: OutcomeCancelled}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byCID := make(map[string][]*event.Event)
	for _, ev := range events {
		if ev.CorrelationID != "" {
			byCID[ev.CorrelationID] = append(byCID[ev.CorrelationID], ev)
		}
	}

	rctx := &Context{
		runID:     run.RunID,
		sandbox:   NewSandbox(run.RunID, events[0].CreatedAt),
		engine:    e,
		events:    byCID,
		counters:  make(map[string]int),
		intentIDs: make(map[string]struct{}),
	}

	input, err := e.decodeInput(run, rctx)
	if err != nil {
		return nil, err
	}

	// The workflow runs in its own goroutine so a suspension unwinds only
	// the workflow's stack. Deterministic code does not block, so the
	// goroutine always finishes.
	type attempt struct {
		out     any
		err     error
		susp    *Suspension
		panicEI *event.ErrorInfo
	}
	done := make(chan attempt, 1)
	go func() {
		var a attempt
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(*Suspension); ok {
					a.susp = s
				} else {
					a.panicEI = &event.ErrorInfo{
						Message: fmt.Sprint(r),
						Stack:   string(debug.Stack()),
					}
				}
			}
			done <- a
		}()
		a.out, a.err = fn(rctx, input)
	}()
	a := <-done

	switch {
	case a.susp != nil:
		if e.Logger != nil {
			e.Logger.Debug("replay suspended", "run_id", run.RunID, "cid", a.susp.CorrelationID, "intents", len(rctx.intents))
		}
		return &Result{Outcome: OutcomeSuspended, Intents: rctx.intents}, nil
	case a.panicEI != nil:
		return &Result{Outcome: OutcomeFailed, Error: a.panicEI, Intents: rctx.intents}, nil
	case a.err != nil:
		ei := &event.ErrorInfo{Message: a.err.Error()}
		var se *StepError
		if errors.As(a.err, &se) {
			ei.Code = se.Info.Code
		}
		return &Result{Outcome: OutcomeFailed, Error: ei, Intents: rctx.intents}, nil
	}

	output, err := e.EncodeValue(a.out, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("replay: encode output: %w", err)
	}
	return &Result{Outcome: OutcomeCompleted, Output: output, Intents: rctx.intents}, nil
}

func (e *Engine) decodeInput(run *event.Run, rctx *Context) ([]any, error) {
	if len(run.Input) == 0 {
		return nil, nil
	}
	v, err := e.decodeValue(run.Input, run.RunID, rctx)
	if err != nil {
		return nil, fmt.Errorf("replay: decode input: %w", err)
	}
	if args, ok := v.([]any); ok {
		return args, nil
	}
	return []any{v}, nil
}

// EncodeValue serializes a value for persistence: codec framing first, then
// per-run encryption when an encryptor is configured.
func (e *Engine) EncodeValue(v any, runID string) ([]byte, error) {
	b, err := codec.Encode(v, &codec.EncodeOptions{Classes: e.Classes})
	if err != nil {
		return nil, err
	}
	return e.Encryptor.Encrypt(b, runID)
}

// DecodeValue is the inverse of EncodeValue for callers outside a replay.
// Capability values decode as inert refs.
func (e *Engine) DecodeValue(data []byte, runID string) (any, error) {
	return e.decodeValue(data, runID, nil)
}

// decodeValue decodes a persisted payload. With a replaying context,
// capability refs hydrate into live handles bound to it.
func (e *Engine) decodeValue(data []byte, runID string, rctx *Context) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	plain, err := e.Encryptor.Decrypt(data, runID)
	if err != nil {
		return nil, err
	}
	opts := &codec.DecodeOptions{Classes: e.Classes}
	if rctx != nil {
		opts.Revivers = map[string]codec.Reviver{
			"stream": func(rep any) (any, error) {
				ref, ok := rep.(codec.StreamRef)
				if !ok {
					return rep, nil
				}
				return rctx.Stream(ref.Name), nil
			},
		}
	}
	return codec.Decode(plain, opts)
}
