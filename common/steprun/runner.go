// Package steprun executes step handlers at least once and commits their
// outcome to the run's log exactly once. Steps are the only place side
// effects happen; everything around them is replay and bookkeeping.
package steprun

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/crypto"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
	"github.com/loomhq/loom/common/storage"
)

// CodedError lets step handlers attach a stable error code for retry
// classification.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// RetryAfterError carries a backpressure hint from the failing dependency,
// e.g. an HTTP Retry-After header.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Task is one step delivery from the queue.
type Task struct {
	RunID         string
	CorrelationID string
	Name          string
	Attempt       int
	Args          []byte
}

// Outcome tells the consumer what to do with the delivery.
type Outcome struct {
	// Committed is true once the step reached a terminal state, whether
	// in this delivery or a previous one.
	Committed bool
	// RetryAfter is nonzero when the delivery should come back later for
	// another attempt.
	RetryAfter time.Duration
}

// Runner hydrates arguments, invokes the handler, and commits the result.
type Runner struct {
	Storage   storage.Storage
	Encryptor *crypto.Encryptor
	Manifest  *manifest.Manifest
	Logger    *logger.Logger

	// Classifier decides transience. Nil means every failure is
	// transient until MaxAttempts.
	Classifier  *Classifier
	MaxAttempts int

	// Backoff schedule for retries. Zero values take the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 5 * time.Minute
)

// Run processes one delivery. Redelivery of an already committed
// correlation id acks without running the handler again.
func (r *Runner) Run(ctx context.Context, task *Task) (*Outcome, error) {
	log := r.Logger.WithRunID(task.RunID).WithFields(map[string]any{
		"cid":  task.CorrelationID,
		"step": task.Name,
	})

	step, err := r.Storage.GetStep(ctx, task.RunID, task.CorrelationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if step != nil && step.Status.IsTerminal() {
		log.Debug("step already committed, acking duplicate delivery")
		return &Outcome{Committed: true}, nil
	}

	fn, ok := r.Manifest.Step(task.Name)
	if !ok {
		return r.fail(ctx, task, &event.ErrorInfo{
			Message: fmt.Sprintf("no step registered under %q", task.Name),
			Code:    "E_UNREGISTERED",
		})
	}

	args, err := r.hydrateArgs(task)
	if err != nil {
		return r.fail(ctx, task, &event.ErrorInfo{Message: err.Error(), Code: "E_ARGS"})
	}

	out, stepErr := invoke(ctx, fn, args)
	if stepErr == nil {
		return r.complete(ctx, task, out, log)
	}
	return r.handleFailure(ctx, task, stepErr, log)
}

func invoke(ctx context.Context, fn manifest.StepFn, args []any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

func (r *Runner) hydrateArgs(task *Task) ([]any, error) {
	if len(task.Args) == 0 {
		return nil, nil
	}
	plain, err := r.Encryptor.Decrypt(task.Args, task.RunID)
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode(plain, &codec.DecodeOptions{Classes: r.Manifest.Classes()})
	if err != nil {
		return nil, err
	}
	if args, ok := v.([]any); ok {
		return args, nil
	}
	return []any{v}, nil
}

func (r *Runner) complete(ctx context.Context, task *Task, out any, log *logger.Logger) (*Outcome, error) {
	encoded, err := codec.Encode(out, &codec.EncodeOptions{Classes: r.Manifest.Classes()})
	if err != nil {
		return r.fail(ctx, task, &event.ErrorInfo{Message: err.Error(), Code: "E_ENCODE"})
	}
	sealed, err := r.Encryptor.Encrypt(encoded, task.RunID)
	if err != nil {
		return nil, err
	}

	_, err = r.Storage.AppendEvent(ctx, &event.Event{
		RunID:         task.RunID,
		Type:          event.StepCompleted,
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Data:          sealed,
		Attempt:       task.Attempt,
	}, nil)
	if errors.Is(err, event.ErrStepCommitted) {
		log.Debug("lost the commit race, acking")
		return &Outcome{Committed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("step completed", "attempt", task.Attempt)
	return &Outcome{Committed: true}, nil
}

func (r *Runner) handleFailure(ctx context.Context, task *Task, stepErr error, log *logger.Logger) (*Outcome, error) {
	info := &event.ErrorInfo{Message: stepErr.Error()}
	var coded *CodedError
	if errors.As(stepErr, &coded) {
		info.Code = coded.Code
	}

	transient, cerr := r.classify(task.Attempt, info)
	if cerr != nil {
		log.Error("retry classification failed, treating failure as permanent", "error", cerr)
		transient = false
	}
	if !transient || task.Attempt >= r.maxAttempts() {
		return r.fail(ctx, task, info)
	}

	delay := r.retryDelay(task.Attempt, stepErr)
	wakeAt := time.Now().UTC().Add(delay)
	_, err := r.Storage.AppendEvent(ctx, &event.Event{
		RunID:         task.RunID,
		Type:          event.StepRetrying,
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Attempt:       task.Attempt + 1,
		WakeAt:        &wakeAt,
		Error:         info,
	}, nil)
	if errors.Is(err, event.ErrStepCommitted) {
		return &Outcome{Committed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Warn("step failed, retrying", "attempt", task.Attempt, "retry_after", delay, "error", stepErr)
	return &Outcome{RetryAfter: delay}, nil
}

func (r *Runner) fail(ctx context.Context, task *Task, info *event.ErrorInfo) (*Outcome, error) {
	_, err := r.Storage.AppendEvent(ctx, &event.Event{
		RunID:         task.RunID,
		Type:          event.StepFailed,
		CorrelationID: task.CorrelationID,
		Name:          task.Name,
		Attempt:       task.Attempt,
		Error:         info,
	}, nil)
	if errors.Is(err, event.ErrStepCommitted) {
		return &Outcome{Committed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Outcome{Committed: true}, nil
}

func (r *Runner) classify(attempt int, info *event.ErrorInfo) (bool, error) {
	if r.Classifier == nil {
		return true, nil
	}
	return r.Classifier.Transient(attempt, info.Code, info.Message)
}

// retryDelay computes exponential backoff with jitter, stretched to honor
// any RetryAfter hint on the error chain.
func (r *Runner) retryDelay(attempt int, stepErr error) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff()
	b.MaxInterval = r.maxBackoff()
	b.RandomizationFactor = 0

	delay := b.InitialInterval
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.MaxInterval {
			delay = b.MaxInterval
			break
		}
	}
	// Full jitter keeps retry storms from synchronizing.
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	var hint *RetryAfterError
	if errors.As(stepErr, &hint) && hint.After > delay {
		delay = hint.After
	}
	return delay
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return defaultMaxAttempts
}

func (r *Runner) initialBackoff() time.Duration {
	if r.InitialBackoff > 0 {
		return r.InitialBackoff
	}
	return defaultInitialBackoff
}

func (r *Runner) maxBackoff() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return defaultMaxBackoff
}
