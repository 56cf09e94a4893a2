package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type env struct {
	sched *Scheduler
	store *storage.Memory
	q     *queue.Memory
	str   *streamer.Memory
	man   *manifest.Manifest
}

func newEnv(t *testing.T) *env {
	t.Helper()

	man := manifest.New()
	store := storage.NewMemory()
	q := queue.NewMemory()
	q.PollInterval = 5 * time.Millisecond
	str := streamer.NewMemory()
	log := logger.New("error", "json")

	engine := &replay.Engine{Classes: man.Classes(), Logger: log}
	runner := &steprun.Runner{
		Storage:        store,
		Manifest:       man,
		Logger:         log,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}

	sched := &Scheduler{
		Storage:      store,
		Queue:        q,
		Streamer:     str,
		Engine:       engine,
		Runner:       runner,
		Manifest:     man,
		Logger:       log,
		Lifetime:     queue.Lifetime{Max: 24 * time.Hour, Buffer: time.Hour},
		DeploymentID: "dep_test",
	}
	return &env{sched: sched, store: store, q: q, str: str, man: man}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.sched.Start(ctx))
}

func waitStatus(t *testing.T, store *storage.Memory, runID string, want event.RunStatus) *event.Run {
	t.Helper()
	var run *event.Run
	require.Eventually(t, func() bool {
		r, err := store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 10*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

// A two-step workflow runs to completion across suspensions.
func TestLinearWorkflowEndToEnd(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterStep("add", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	}))
	require.NoError(t, e.man.RegisterStep("mul", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int64) * args[1].(int64), nil
	}))
	require.NoError(t, e.man.RegisterWorkflow("order-flow", func(c *replay.Context, input []any) (any, error) {
		sum, err := c.Step("add", input[0], input[1])
		if err != nil {
			return nil, err
		}
		return c.Step("mul", sum, int64(4))
	}))
	e.start(t)

	runID, err := e.sched.CreateRun(context.Background(), "order-flow", []any{int64(2), int64(3)})
	require.NoError(t, err)

	run := waitStatus(t, e.store, runID, event.RunDone)
	out, err := e.sched.Engine.DecodeValue(run.Output, runID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), out)

	// Every step committed exactly once.
	steps, _, err := e.store.ListSteps(context.Background(), runID, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		assert.Equal(t, event.StepDone, s.Status)
	}
}

// A workflow parks on a hook; delivering the payload resumes and completes it.
func TestHookResumeEndToEnd(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterWorkflow("approval-flow", func(c *replay.Context, input []any) (any, error) {
		return c.Hook("approval")
	}))
	e.start(t)

	ctx := context.Background()
	runID, err := e.sched.CreateRun(ctx, "approval-flow", nil)
	require.NoError(t, err)

	// The run suspends once the hook exists.
	var token string
	require.Eventually(t, func() bool {
		hs, _, err := e.store.ListHooks(ctx, runID, storage.ListOptions{})
		if err != nil || len(hs) == 0 {
			return false
		}
		token = hs[0].Token
		return true
	}, 10*time.Second, 10*time.Millisecond)

	reg := &hooks.Registry{
		Storage:  e.store,
		Streamer: e.str,
		Classes:  e.man.Classes(),
		Logger:   e.sched.Logger,
		Wake:     e.sched.WakeRun,
	}
	_, err = reg.ResumeHook(ctx, token, map[string]any{"approved": true})
	require.NoError(t, err)

	run := waitStatus(t, e.store, runID, event.RunDone)
	out, err := e.sched.Engine.DecodeValue(run.Output, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, out)

	// Terminal run disposes the hook.
	h, err := e.store.GetHookByToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, h.Disposed)
}

// A durable sleep expires and the workflow proceeds.
func TestSleepExpiresAndResumes(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterWorkflow("nap", func(c *replay.Context, input []any) (any, error) {
		c.Sleep(50 * time.Millisecond)
		return "rested", nil
	}))
	e.start(t)

	runID, err := e.sched.CreateRun(context.Background(), "nap", nil)
	require.NoError(t, err)

	run := waitStatus(t, e.store, runID, event.RunDone)
	out, err := e.sched.Engine.DecodeValue(run.Output, runID)
	require.NoError(t, err)
	assert.Equal(t, "rested", out)

	// The log shows the wait round-trip.
	events, _, err := e.store.ListEvents(context.Background(), runID, storage.ListOptions{})
	require.NoError(t, err)
	var created, expired bool
	for _, ev := range events {
		if ev.Type == event.WaitCreated {
			created = true
		}
		if ev.Type == event.WaitExpired {
			expired = true
		}
	}
	assert.True(t, created)
	assert.True(t, expired)
}

// Transient step failures retry until success without recommitting.
func TestStepRetriesThenCompletes(t *testing.T) {
	e := newEnv(t)

	var attempts atomic.Int32
	require.NoError(t, e.man.RegisterStep("flaky", func(ctx context.Context, args []any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}))
	require.NoError(t, e.man.RegisterWorkflow("persistent", func(c *replay.Context, input []any) (any, error) {
		return c.Step("flaky")
	}))
	e.start(t)

	runID, err := e.sched.CreateRun(context.Background(), "persistent", nil)
	require.NoError(t, err)

	waitStatus(t, e.store, runID, event.RunDone)
	assert.Equal(t, int32(3), attempts.Load())

	step, err := e.store.GetStep(context.Background(), runID, "flaky/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepDone, step.Status)
	assert.Equal(t, 3, step.Attempt)
}

// A permanent step failure fails the run.
func TestPermanentStepFailureFailsRun(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterStep("validate", func(ctx context.Context, args []any) (any, error) {
		return nil, &steprun.CodedError{Code: "E_VALIDATION", Err: errors.New("bad input")}
	}))
	require.NoError(t, e.man.RegisterWorkflow("strict", func(c *replay.Context, input []any) (any, error) {
		return c.Step("validate")
	}))
	classifier, err := steprun.NewClassifier(`code != "E_VALIDATION"`)
	require.NoError(t, err)
	e.sched.Runner.Classifier = classifier
	e.start(t)

	runID, err := e.sched.CreateRun(context.Background(), "strict", nil)
	require.NoError(t, err)

	run := waitStatus(t, e.store, runID, event.RunFailedStatus)
	require.NotNil(t, run.Error)
	assert.Contains(t, run.Error.Message, "E_VALIDATION")
}

func TestCancelRun(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterWorkflow("waiting", func(c *replay.Context, input []any) (any, error) {
		return c.Hook("never")
	}))
	e.start(t)

	ctx := context.Background()
	runID, err := e.sched.CreateRun(ctx, "waiting", nil)
	require.NoError(t, err)

	var token string
	require.Eventually(t, func() bool {
		hs, _, err := e.store.ListHooks(ctx, runID, storage.ListOptions{})
		if err != nil || len(hs) == 0 {
			return false
		}
		token = hs[0].Token
		return true
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, e.sched.CancelRun(ctx, runID))
	waitStatus(t, e.store, runID, event.RunCancelledStat)

	h, err := e.store.GetHookByToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, h.Disposed)
}

// Stream writes re-executed across replays land exactly once.
func TestStreamWritesAreNotDuplicated(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterStep("work", func(ctx context.Context, args []any) (any, error) {
		return "done", nil
	}))
	require.NoError(t, e.man.RegisterWorkflow("streamy", func(c *replay.Context, input []any) (any, error) {
		s := c.Stream("progress")
		s.Write([]byte("starting"))
		if _, err := c.Step("work"); err != nil {
			return nil, err
		}
		s.Write([]byte("finished"))
		s.Close()
		return nil, nil
	}))
	e.start(t)

	runID, err := e.sched.CreateRun(context.Background(), "streamy", nil)
	require.NoError(t, err)
	waitStatus(t, e.store, runID, event.RunDone)

	chunks, closed, err := e.str.ReadFromStream(context.Background(), runID, "progress", 0)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, [][]byte{[]byte("starting"), []byte("finished")}, chunks)
}

// A run whose step message was lost after step_started still finishes: the
// next replay re-issues the dispatch and the step queue gets a fresh message.
func TestRunRecoversFromLostStepDispatch(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.man.RegisterStep("work", func(ctx context.Context, args []any) (any, error) {
		return "done", nil
	}))
	require.NoError(t, e.man.RegisterWorkflow("recovery-flow", func(c *replay.Context, input []any) (any, error) {
		return c.Step("work")
	}))

	ctx := context.Background()
	runID := "run_recovery"
	args, err := e.sched.Engine.EncodeValue([]any{}, runID)
	require.NoError(t, err)

	// The log says the step was dispatched, but no step message exists.
	_, err = e.store.AppendEvent(ctx, &event.Event{RunID: runID, Type: event.RunCreated, Name: "recovery-flow"}, nil)
	require.NoError(t, err)
	_, err = e.store.AppendEvent(ctx, &event.Event{RunID: runID, Type: event.RunStarted}, nil)
	require.NoError(t, err)
	_, err = e.store.AppendEvent(ctx, &event.Event{
		RunID: runID, Type: event.StepStarted, CorrelationID: "work/0", Name: "work", Data: args,
	}, nil)
	require.NoError(t, err)

	e.start(t)
	_, err = e.q.Enqueue(ctx, RunQueue("recovery-flow"), marshalMessage(RunMessage{RunID: runID}), nil)
	require.NoError(t, err)

	run := waitStatus(t, e.store, runID, event.RunDone)
	out, err := e.sched.Engine.DecodeValue(run.Output, runID)
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	// The log holds exactly one step_started for the correlation id.
	events, _, err := e.store.ListEvents(ctx, runID, storage.ListOptions{})
	require.NoError(t, err)
	started := 0
	for _, ev := range events {
		if ev.Type == event.StepStarted && ev.CorrelationID == "work/0" {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestCreateRunUnknownWorkflow(t *testing.T) {
	e := newEnv(t)
	_, err := e.sched.CreateRun(context.Background(), "ghost", nil)
	assert.Error(t, err)
}
