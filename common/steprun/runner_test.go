package steprun

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/manifest"
	"github.com/loomhq/loom/common/storage"
)

func newRunner(t *testing.T, m *manifest.Manifest) (*Runner, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	return &Runner{
		Storage:  store,
		Manifest: m,
		Logger:   logger.New("error", "json"),
	}, store
}

func seedStep(t *testing.T, store *storage.Memory, cid, name string, args []byte) {
	t.Helper()
	ctx := context.Background()
	_, err := store.AppendEvent(ctx, &event.Event{RunID: "r1", Type: event.RunCreated, Name: "wf"}, nil)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, &event.Event{RunID: "r1", Type: event.RunStarted}, nil)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, &event.Event{
		RunID: "r1", Type: event.StepStarted, CorrelationID: cid, Name: name, Data: args,
	}, nil)
	require.NoError(t, err)
}

func encodeArgs(t *testing.T, args []any) []byte {
	t.Helper()
	b, err := codec.Encode(args, nil)
	require.NoError(t, err)
	return b
}

func TestRunExecutesAndCommits(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("add", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	}))
	r, store := newRunner(t, m)

	args := encodeArgs(t, []any{int64(2), int64(3)})
	seedStep(t, store, "add/0", "add", args)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "add/0", Name: "add", Attempt: 1, Args: args,
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	step, err := store.GetStep(context.Background(), "r1", "add/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepDone, step.Status)

	v, err := codec.Decode(step.Output, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

// A redelivered task whose step already committed must not run the handler
// a second time.
func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	var calls atomic.Int32
	m := manifest.New()
	require.NoError(t, m.RegisterStep("charge", func(ctx context.Context, args []any) (any, error) {
		calls.Add(1)
		return "charged", nil
	}))
	r, store := newRunner(t, m)

	seedStep(t, store, "charge/0", "charge", nil)
	task := &Task{RunID: "r1", CorrelationID: "charge/0", Name: "charge", Attempt: 1}

	out, err := r.Run(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, out.Committed)

	out, err = r.Run(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.Equal(t, int32(1), calls.Load(), "handler ran once despite two deliveries")

	events, _, err := store.ListEvents(context.Background(), "r1", storage.ListOptions{})
	require.NoError(t, err)
	commits := 0
	for _, e := range events {
		if e.Type == event.StepCompleted {
			commits++
		}
	}
	assert.Equal(t, 1, commits)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("flaky", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("connection reset")
	}))
	r, store := newRunner(t, m)

	seedStep(t, store, "flaky/0", "flaky", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "flaky/0", Name: "flaky", Attempt: 1,
	})
	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Greater(t, out.RetryAfter, time.Duration(0))

	step, err := store.GetStep(context.Background(), "r1", "flaky/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepRunning, step.Status)
	assert.Equal(t, 2, step.Attempt)
	require.NotNil(t, step.LastError)
	assert.Contains(t, step.LastError.Message, "connection reset")
	assert.NotNil(t, step.RetryAfter)
}

func TestClassifierMakesFailurePermanent(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("validate", func(ctx context.Context, args []any) (any, error) {
		return nil, &CodedError{Code: "E_VALIDATION", Err: errors.New("bad input")}
	}))
	r, store := newRunner(t, m)

	classifier, err := NewClassifier(`code != "E_VALIDATION"`)
	require.NoError(t, err)
	r.Classifier = classifier

	seedStep(t, store, "validate/0", "validate", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "validate/0", Name: "validate", Attempt: 1,
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	step, err := store.GetStep(context.Background(), "r1", "validate/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepFailedStatus, step.Status)
	assert.Equal(t, "E_VALIDATION", step.LastError.Code)
}

func TestMaxAttemptsExhaustsToFailure(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("flaky", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("still down")
	}))
	r, store := newRunner(t, m)
	r.MaxAttempts = 3

	seedStep(t, store, "flaky/0", "flaky", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "flaky/0", Name: "flaky", Attempt: 3,
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	step, err := store.GetStep(context.Background(), "r1", "flaky/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepFailedStatus, step.Status)
}

func TestRetryAfterHintStretchesBackoff(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("limited", func(ctx context.Context, args []any) (any, error) {
		return nil, &RetryAfterError{After: 90 * time.Second, Err: errors.New("rate limited")}
	}))
	r, store := newRunner(t, m)

	seedStep(t, store, "limited/0", "limited", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "limited/0", Name: "limited", Attempt: 1,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.RetryAfter, 90*time.Second)
}

func TestUnregisteredStepFails(t *testing.T) {
	r, store := newRunner(t, manifest.New())
	seedStep(t, store, "ghost/0", "ghost", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "ghost/0", Name: "ghost", Attempt: 1,
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	step, err := store.GetStep(context.Background(), "r1", "ghost/0")
	require.NoError(t, err)
	assert.Equal(t, "E_UNREGISTERED", step.LastError.Code)
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	m := manifest.New()
	require.NoError(t, m.RegisterStep("boom", func(ctx context.Context, args []any) (any, error) {
		panic("nil map write")
	}))
	r, store := newRunner(t, m)
	r.MaxAttempts = 1

	seedStep(t, store, "boom/0", "boom", nil)

	out, err := r.Run(context.Background(), &Task{
		RunID: "r1", CorrelationID: "boom/0", Name: "boom", Attempt: 1,
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	step, err := store.GetStep(context.Background(), "r1", "boom/0")
	require.NoError(t, err)
	assert.Equal(t, event.StepFailedStatus, step.Status)
	assert.Contains(t, step.LastError.Message, "nil map write")
}

func TestClassifierRejectsNonBool(t *testing.T) {
	_, err := NewClassifier(`attempt + 1`)
	assert.Error(t, err)

	_, err = NewClassifier(`message.size() >`)
	assert.Error(t, err)
}

func TestClassifierEval(t *testing.T) {
	c, err := NewClassifier(`attempt < 3 && code != "E_FATAL"`)
	require.NoError(t, err)

	transient, err := c.Transient(1, "E_TIMEOUT", "deadline exceeded")
	require.NoError(t, err)
	assert.True(t, transient)

	transient, err = c.Transient(3, "E_TIMEOUT", "deadline exceeded")
	require.NoError(t, err)
	assert.False(t, transient)

	transient, err = c.Transient(1, "E_FATAL", "schema mismatch")
	require.NoError(t, err)
	assert.False(t, transient)
}
