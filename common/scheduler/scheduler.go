// Package scheduler drives runs to completion. It consumes the workflow and
// step queues, replays workflows against their logs, turns the resulting
// intents into events and queue messages, and commits run outcomes.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/hooks"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
	"github.com/loomhq/loom/common/queue"
	"github.com/loomhq/loom/common/replay"
	"github.com/loomhq/loom/common/steprun"
	"github.com/loomhq/loom/common/storage"
	"github.com/loomhq/loom/common/streamer"
)

// retryDelay is how long a delivery waits after an infrastructure error.
const retryDelay = 5 * time.Second

// Scheduler wires the engine, runner, and transports together.
type Scheduler struct {
	Storage      storage.Storage
	Queue        queue.Queue
	Streamer     streamer.Streamer
	Engine       *replay.Engine
	Runner       *steprun.Runner
	Manifest     *manifest.Manifest
	Logger       *logger.Logger
	Lifetime     queue.Lifetime
	DeploymentID string
}

// Start subscribes the workflow and step consumers. It returns once the
// subscriptions are installed; consumption runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	runHandler := queue.WithLifetime(s.Queue, s.Lifetime, s.handleRun)
	if err := s.Queue.Consume(ctx, RunQueuePrefix, runHandler); err != nil {
		return err
	}
	return s.Queue.Consume(ctx, StepQueuePrefix, s.handleStep)
}

// CreateRun appends run_created with the encoded input and enqueues the
// first replay. Returns the new run id.
func (s *Scheduler) CreateRun(ctx context.Context, workflow string, input []any) (string, error) {
	if _, ok := s.Manifest.Workflow(workflow); !ok {
		return "", fmt.Errorf("scheduler: no workflow registered under %q", workflow)
	}

	runID := "run_" + uuid.New().String()
	encoded, err := s.encodeInput(input, runID)
	if err != nil {
		return "", err
	}

	_, err = s.Storage.AppendEvent(ctx, &event.Event{
		RunID: runID,
		Type:  event.RunCreated,
		Name:  workflow,
		Data:  encoded,
	}, nil)
	if err != nil {
		return "", err
	}

	_, err = s.Queue.Enqueue(ctx, RunQueue(workflow), marshalMessage(RunMessage{RunID: runID}), &queue.Opts{
		DeploymentID:   s.DeploymentID,
		IdempotencyKey: runID + "/created",
	})
	if err != nil {
		return "", err
	}
	s.Logger.WithWorkflow(workflow).Info("run created", "run_id", runID)
	return runID, nil
}

// CancelRun appends run_cancelled. Terminal runs reject it.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	_, err := s.Storage.AppendEvent(ctx, &event.Event{RunID: runID, Type: event.RunCancelled}, nil)
	return err
}

// WakeRun re-enqueues a run's workflow queue. Hook deliveries and step
// commits go through here.
func (s *Scheduler) WakeRun(ctx context.Context, runID string) error {
	run, err := s.Storage.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	_, err = s.Queue.Enqueue(ctx, RunQueue(run.WorkflowName), marshalMessage(RunMessage{RunID: runID}), &queue.Opts{
		DeploymentID: s.DeploymentID,
	})
	return err
}

func (s *Scheduler) encodeInput(input []any, runID string) ([]byte, error) {
	b, err := s.Engine.EncodeValue(input, runID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode input: %w", err)
	}
	return b, nil
}

// handleRun replays one run and acts on the outcome. It never returns an
// error for business failures; those become run_failed events.
func (s *Scheduler) handleRun(ctx context.Context, msg *queue.Message) (*queue.Redeliver, error) {
	var rm RunMessage
	if err := json.Unmarshal(msg.Payload, &rm); err != nil {
		s.Logger.Error("dropping undecodable run message", "queue", msg.Queue, "error", err)
		return nil, nil
	}
	log := s.Logger.WithRunID(rm.RunID)

	run, err := s.Storage.GetRun(ctx, rm.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Error("run message for unknown run, dropping")
			return nil, nil
		}
		return &queue.Redeliver{After: retryDelay}, nil
	}
	if run.Status.IsTerminal() {
		return nil, nil
	}

	events, err := s.loadEvents(ctx, rm.RunID)
	if err != nil {
		log.Error("loading events failed", "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}

	if run.Status == event.RunPending {
		res, err := s.Storage.AppendEvent(ctx, &event.Event{RunID: rm.RunID, Type: event.RunStarted}, nil)
		if err != nil {
			return &queue.Redeliver{After: retryDelay}, nil
		}
		run = res.Run
		events = append(events, res.Event)
	}

	// Expire any due waits before replaying so the workflow can proceed
	// past them.
	events, err = s.expireDueWaits(ctx, rm.RunID, events)
	if err != nil {
		log.Error("expiring waits failed", "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}

	fn, ok := s.Manifest.Workflow(run.WorkflowName)
	if !ok {
		s.commitRunFailure(ctx, rm.RunID, &event.ErrorInfo{
			Message: fmt.Sprintf("no workflow registered under %q", run.WorkflowName),
			Code:    "E_UNREGISTERED",
		})
		return nil, nil
	}

	res, err := s.Engine.Replay(ctx, fn, run, events)
	if err != nil {
		log.Error("replay failed", "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}

	if err := s.flushStreamIntents(ctx, rm.RunID, res.Intents); err != nil {
		log.Error("flushing stream writes failed", "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}

	switch res.Outcome {
	case replay.OutcomeCompleted:
		_, err := s.Storage.AppendEvent(ctx, &event.Event{
			RunID: rm.RunID, Type: event.RunCompleted, Data: res.Output,
		}, nil)
		if err != nil && !errors.Is(err, event.ErrRunTerminal) {
			return &queue.Redeliver{After: retryDelay}, nil
		}
		log.Info("run completed")
		return nil, nil

	case replay.OutcomeFailed:
		s.commitRunFailure(ctx, rm.RunID, res.Error)
		return nil, nil

	case replay.OutcomeCancelled:
		return nil, nil
	}

	// Suspended: dispatch the discovered work, then decide whether this
	// message parks for a wait or retires.
	if err := s.dispatchIntents(ctx, rm.RunID, res.Intents); err != nil {
		log.Error("dispatching intents failed", "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}

	if wake, ok := s.earliestPendingWake(ctx, rm.RunID); ok {
		delay := time.Until(wake)
		if delay < 0 {
			delay = 0
		}
		return &queue.Redeliver{After: delay}, nil
	}
	return nil, nil
}

// handleStep executes one step delivery and wakes the run on commit.
func (s *Scheduler) handleStep(ctx context.Context, msg *queue.Message) (*queue.Redeliver, error) {
	var sm StepMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		s.Logger.Error("dropping undecodable step message", "queue", msg.Queue, "error", err)
		return nil, nil
	}
	log := s.Logger.WithRunID(sm.RunID)

	run, err := s.Storage.GetRun(ctx, sm.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return &queue.Redeliver{After: retryDelay}, nil
	}
	if run.Status.IsTerminal() {
		return nil, nil
	}

	step, err := s.Storage.GetStep(ctx, sm.RunID, sm.CorrelationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Error("step message without step_started, dropping", "cid", sm.CorrelationID)
			return nil, nil
		}
		return &queue.Redeliver{After: retryDelay}, nil
	}

	// A scheduled retry is not due before its retry_after instant.
	if step.RetryAfter != nil {
		if wait := time.Until(*step.RetryAfter); wait > 0 {
			return &queue.Redeliver{After: wait}, nil
		}
	}

	outcome, err := s.Runner.Run(ctx, &steprun.Task{
		RunID:         sm.RunID,
		CorrelationID: sm.CorrelationID,
		Name:          sm.Name,
		Attempt:       step.Attempt,
		Args:          step.Args,
	})
	if err != nil {
		if errors.Is(err, event.ErrRunTerminal) {
			return nil, nil
		}
		log.Error("step execution failed", "cid", sm.CorrelationID, "error", err)
		return &queue.Redeliver{After: retryDelay}, nil
	}
	if outcome.RetryAfter > 0 {
		return &queue.Redeliver{After: outcome.RetryAfter}, nil
	}

	if err := s.WakeRun(ctx, sm.RunID); err != nil {
		return &queue.Redeliver{After: retryDelay}, nil
	}
	return nil, nil
}

// dispatchIntents turns a replay attempt's intents into events and queue
// messages. Idempotency keys make redelivered dispatches harmless.
func (s *Scheduler) dispatchIntents(ctx context.Context, runID string, intents []*replay.Intent) error {
	for _, in := range intents {
		switch in.Kind {
		case replay.IntentStep:
			// A re-issued dispatch finds the step view already present;
			// only the queue message needs sending then.
			if _, err := s.Storage.GetStep(ctx, runID, in.CorrelationID); err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				if _, err := s.Storage.AppendEvent(ctx, &event.Event{
					RunID:         runID,
					Type:          event.StepStarted,
					CorrelationID: in.CorrelationID,
					Name:          in.Name,
					Data:          in.Args,
				}, nil); err != nil {
					return err
				}
			}
			_, err := s.Queue.Enqueue(ctx, StepQueue(in.Name), marshalMessage(StepMessage{
				RunID:         runID,
				CorrelationID: in.CorrelationID,
				Name:          in.Name,
			}), &queue.Opts{
				DeploymentID:   s.DeploymentID,
				IdempotencyKey: runID + "/" + in.CorrelationID + "/dispatch",
			})
			if err != nil {
				return err
			}

		case replay.IntentHook:
			token, err := hooks.NewToken()
			if err != nil {
				return err
			}
			_, err = s.Storage.AppendEvent(ctx, &event.Event{
				RunID:         runID,
				Type:          event.HookCreated,
				CorrelationID: in.CorrelationID,
				Name:          in.Name,
				Token:         token,
			}, nil)
			if err != nil {
				return err
			}

		case replay.IntentWait:
			_, err := s.Storage.AppendEvent(ctx, &event.Event{
				RunID:         runID,
				Type:          event.WaitCreated,
				CorrelationID: in.CorrelationID,
				WakeAt:        in.WakeAt,
			}, nil)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// flushStreamIntents writes only the chunk indices the stream does not
// already hold, so re-executed workflow code never duplicates output.
func (s *Scheduler) flushStreamIntents(ctx context.Context, runID string, intents []*replay.Intent) error {
	lengths := make(map[string]int)
	closed := make(map[string]bool)

	for _, in := range intents {
		if in.Kind != replay.IntentStreamWrite && in.Kind != replay.IntentStreamClose {
			continue
		}
		if _, seen := lengths[in.Name]; !seen {
			chunks, isClosed, err := s.Streamer.ReadFromStream(ctx, runID, in.Name, 0)
			if err != nil && !errors.Is(err, streamer.ErrNotFound) {
				return err
			}
			lengths[in.Name] = len(chunks)
			closed[in.Name] = isClosed
		}

		switch in.Kind {
		case replay.IntentStreamWrite:
			if closed[in.Name] || in.Index < lengths[in.Name] {
				continue
			}
			if err := s.Streamer.WriteToStream(ctx, runID, in.Name, in.Data); err != nil {
				return err
			}
			lengths[in.Name]++
		case replay.IntentStreamClose:
			if closed[in.Name] {
				continue
			}
			if err := s.Streamer.CloseStream(ctx, runID, in.Name); err != nil {
				return err
			}
			closed[in.Name] = true
		}
	}
	return nil
}

// expireDueWaits appends wait_expired for every pending wait whose wake
// instant has passed, returning the extended event slice.
func (s *Scheduler) expireDueWaits(ctx context.Context, runID string, events []*event.Event) ([]*event.Event, error) {
	now := time.Now().UTC()
	for _, pending := range pendingWaits(events) {
		if pending.WakeAt == nil || pending.WakeAt.After(now) {
			continue
		}
		res, err := s.Storage.AppendEvent(ctx, &event.Event{
			RunID:         runID,
			Type:          event.WaitExpired,
			CorrelationID: pending.CorrelationID,
			WakeAt:        pending.WakeAt,
		}, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, res.Event)
	}
	return events, nil
}

// earliestPendingWake reports the soonest wake instant among waits that
// have not expired yet.
func (s *Scheduler) earliestPendingWake(ctx context.Context, runID string) (time.Time, bool) {
	events, err := s.loadEvents(ctx, runID)
	if err != nil {
		return time.Time{}, false
	}
	var earliest time.Time
	found := false
	for _, pending := range pendingWaits(events) {
		if pending.WakeAt == nil {
			continue
		}
		if !found || pending.WakeAt.Before(earliest) {
			earliest = *pending.WakeAt
			found = true
		}
	}
	return earliest, found
}

// pendingWaits returns wait_created events without a matching wait_expired.
func pendingWaits(events []*event.Event) []*event.Event {
	expired := make(map[string]bool)
	for _, e := range events {
		if e.Type == event.WaitExpired {
			expired[e.CorrelationID] = true
		}
	}
	var pending []*event.Event
	for _, e := range events {
		if e.Type == event.WaitCreated && !expired[e.CorrelationID] {
			pending = append(pending, e)
		}
	}
	return pending
}

func (s *Scheduler) commitRunFailure(ctx context.Context, runID string, info *event.ErrorInfo) {
	_, err := s.Storage.AppendEvent(ctx, &event.Event{
		RunID: runID, Type: event.RunFailed, Error: info,
	}, nil)
	if err != nil && !errors.Is(err, event.ErrRunTerminal) {
		s.Logger.WithRunID(runID).Error("committing run failure failed", "error", err)
	}
}

func (s *Scheduler) loadEvents(ctx context.Context, runID string) ([]*event.Event, error) {
	var all []*event.Event
	cursor := ""
	for {
		page, next, err := s.Storage.ListEvents(ctx, runID, storage.ListOptions{
			Page:        storage.Page{Limit: 500, Cursor: cursor},
			ResolveData: true,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
