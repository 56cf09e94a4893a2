package event

import (
	"errors"
	"fmt"
)

var (
	// ErrRunTerminal rejects any append targeting a terminal run.
	ErrRunTerminal = errors.New("event: run is in a terminal state")
	// ErrFirstEvent rejects logs that do not start with run_created.
	ErrFirstEvent = errors.New("event: first event for a run must be run_created")
	// ErrStepCommitted rejects a second commit for a step correlation id.
	// Callers treat it as an idempotent no-op, not a failure.
	ErrStepCommitted = errors.New("event: step already committed for correlation id")
)

// Validate checks an event against the current run and step views before it
// is appended. run is nil when no events exist for the run yet; step is the
// current view for the event's correlation id, nil if none.
func Validate(run *Run, step *Step, e *Event) error {
	if run == nil {
		if e.Type != RunCreated {
			return ErrFirstEvent
		}
		return nil
	}
	if e.Type == RunCreated {
		return fmt.Errorf("event: run %s already exists", e.RunID)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, run.RunID, run.Status)
	}
	if e.Type == StepCompleted || e.Type == StepFailed {
		if step != nil && step.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrStepCommitted, e.CorrelationID)
		}
	}
	return nil
}

// ApplyToRun folds one event into the run view. The zero-value run is
// initialized by run_created.
func ApplyToRun(run *Run, e *Event) {
	switch e.Type {
	case RunCreated:
		run.RunID = e.RunID
		run.WorkflowName = e.Name
		run.Status = RunPending
		run.Input = e.Data
		run.CreatedAt = e.CreatedAt
	case RunStarted:
		// Re-entry after a suspension also lands here; the transition
		// is idempotent.
		run.Status = RunRunning
		if run.StartedAt == nil {
			t := e.CreatedAt
			run.StartedAt = &t
		}
	case RunCompleted:
		run.Status = RunDone
		run.Output = e.Data
		t := e.CreatedAt
		run.CompletedAt = &t
	case RunFailed:
		run.Status = RunFailedStatus
		run.Error = e.Error
		t := e.CreatedAt
		run.CompletedAt = &t
	case RunCancelled:
		run.Status = RunCancelledStat
		t := e.CreatedAt
		run.CompletedAt = &t
	}
}

// ApplyToStep folds one event into the step view keyed by the event's
// correlation id.
func ApplyToStep(step *Step, e *Event) {
	switch e.Type {
	case StepStarted:
		step.RunID = e.RunID
		step.CorrelationID = e.CorrelationID
		if step.StepID == "" {
			step.StepID = e.EventID
		}
		step.Name = e.Name
		step.Status = StepRunning
		step.Args = e.Data
		if step.Attempt == 0 {
			step.Attempt = 1
		}
		if step.StartedAt == nil {
			t := e.CreatedAt
			step.StartedAt = &t
		}
	case StepRetrying:
		step.Status = StepRunning
		step.Attempt = e.Attempt
		step.RetryAfter = e.WakeAt
		step.LastError = e.Error
	case StepCompleted:
		step.Status = StepDone
		step.Output = e.Data
		step.RetryAfter = nil
		t := e.CreatedAt
		step.CompletedAt = &t
	case StepFailed:
		step.Status = StepFailedStatus
		step.LastError = e.Error
		step.RetryAfter = nil
		t := e.CreatedAt
		step.CompletedAt = &t
	}
}

// ApplyToHook folds one event into the hook view.
func ApplyToHook(hook *Hook, e *Event) {
	switch e.Type {
	case HookCreated:
		hook.RunID = e.RunID
		hook.CorrelationID = e.CorrelationID
		if hook.HookID == "" {
			hook.HookID = e.EventID
		}
		hook.Token = e.Token
		hook.Name = e.Name
		hook.CreatedAt = e.CreatedAt
	case HookReceived:
		hook.Received++
	case HookDisposed:
		hook.Disposed = true
		t := e.CreatedAt
		hook.DisposedAt = &t
	}
}
