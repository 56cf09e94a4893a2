// Package event defines the append-only event log record and the run, step,
// and hook views materialized from it. The log is the source of truth;
// everything else is derived.
package event

import "time"

// Type enumerates the event kinds a run's log may contain.
type Type string

const (
	RunCreated   Type = "run_created"
	RunStarted   Type = "run_started"
	RunCompleted Type = "run_completed"
	RunFailed    Type = "run_failed"
	RunCancelled Type = "run_cancelled"

	StepStarted   Type = "step_started"
	StepRetrying  Type = "step_retrying"
	StepCompleted Type = "step_completed"
	StepFailed    Type = "step_failed"

	HookCreated  Type = "hook_created"
	HookReceived Type = "hook_received"
	HookDisposed Type = "hook_disposed"

	WaitCreated Type = "wait_created"
	WaitExpired Type = "wait_expired"
)

// SpecVersion is stamped on every event this code writes.
const SpecVersion = 2

// Event is one immutable record in a run's log. Ordinal is dense and
// monotonic per run, assigned by storage at append time.
type Event struct {
	EventID       string     `json:"event_id"`
	RunID         string     `json:"run_id"`
	Ordinal       int64      `json:"ordinal"`
	Type          Type       `json:"event_type"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Data          []byte     `json:"event_data,omitempty"`
	Name          string     `json:"name,omitempty"`
	Token         string     `json:"token,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
	WakeAt        *time.Time `json:"wake_at,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	SpecVersion   int        `json:"spec_version"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ErrorInfo is the structured failure carried by run_failed, step_failed,
// and step_retrying events.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// RunStatus is the derived lifecycle state of a run.
type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunDone          RunStatus = "completed"
	RunFailedStatus  RunStatus = "failed"
	RunCancelledStat RunStatus = "cancelled"
)

// IsTerminal reports whether the status absorbs all further events.
func (s RunStatus) IsTerminal() bool {
	return s == RunDone || s == RunFailedStatus || s == RunCancelledStat
}

// Run is the materialized view of a run.
type Run struct {
	RunID        string     `json:"run_id"`
	WorkflowName string     `json:"workflow_name"`
	DeploymentID string     `json:"deployment_id,omitempty"`
	Status       RunStatus  `json:"status"`
	Input        []byte     `json:"input,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StepStatus is the derived lifecycle state of a step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepDone          StepStatus = "completed"
	StepFailedStatus  StepStatus = "failed"
	StepCancelledStat StepStatus = "cancelled"
)

// IsTerminal reports whether the step has committed.
func (s StepStatus) IsTerminal() bool {
	return s == StepDone || s == StepFailedStatus || s == StepCancelledStat
}

// Step is the materialized view of one step invocation, keyed by its
// correlation id.
type Step struct {
	RunID         string     `json:"run_id"`
	StepID        string     `json:"step_id"`
	CorrelationID string     `json:"correlation_id"`
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Attempt       int        `json:"attempt"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
	Args          []byte     `json:"args,omitempty"`
	Output        []byte     `json:"output,omitempty"`
	LastError     *ErrorInfo `json:"last_error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Hook is the materialized view of a hook rendezvous point.
type Hook struct {
	RunID         string     `json:"run_id"`
	HookID        string     `json:"hook_id"`
	Token         string     `json:"token"`
	CorrelationID string     `json:"correlation_id"`
	Name          string     `json:"name,omitempty"`
	Received      int        `json:"received"`
	Disposed      bool       `json:"disposed"`
	CreatedAt     time.Time  `json:"created_at"`
	DisposedAt    *time.Time `json:"disposed_at,omitempty"`
}

// IsRunEvent reports whether the type mutates the run view.
func (t Type) IsRunEvent() bool {
	switch t {
	case RunCreated, RunStarted, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsStepEvent reports whether the type mutates a step view.
func (t Type) IsStepEvent() bool {
	switch t {
	case StepStarted, StepRetrying, StepCompleted, StepFailed:
		return true
	}
	return false
}

// IsHookEvent reports whether the type mutates a hook view.
func (t Type) IsHookEvent() bool {
	switch t {
	case HookCreated, HookReceived, HookDisposed:
		return true
	}
	return false
}
