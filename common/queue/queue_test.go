package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/redis"
)

func TestLifetimeDisposition(t *testing.T) {
	l := Lifetime{Max: 24 * time.Hour, Buffer: time.Hour}

	tests := []struct {
		name      string
		requested time.Duration
		age       time.Duration
		delay     time.Duration
		reenqueue bool
	}{
		{"short wait on fresh message", 10 * time.Minute, 0, 10 * time.Minute, false},
		{"long wait clamped to budget", 48 * time.Hour, 0, 23 * time.Hour, false},
		{"aged message shrinks the clamp", 5 * time.Hour, 22 * time.Hour, time.Hour, false},
		{"budget exactly spent", time.Minute, 23 * time.Hour, 0, true},
		{"budget overspent", time.Minute, 23*time.Hour + 30*time.Minute, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, reenqueue := l.Disposition(tt.requested, tt.age)
			assert.Equal(t, tt.delay, delay)
			assert.Equal(t, tt.reenqueue, reenqueue)
		})
	}
}

func TestMemoryQueueDeliversAndAcks(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Message, 1)
	require.NoError(t, q.Consume(ctx, "wf.", func(_ context.Context, msg *Message) (*Redeliver, error) {
		got <- msg
		return nil, nil
	}))

	_, err := q.Enqueue(ctx, "wf.run.order", []byte("payload"), &Opts{DeploymentID: "dep_1"})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "wf.run.order", msg.Queue)
		assert.Equal(t, []byte("payload"), msg.Payload)
		assert.Equal(t, "dep_1", msg.DeploymentID)
		assert.Equal(t, 1, msg.DeliveryCount)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	assert.Eventually(t, func() bool { return q.Depth() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryQueueRedelivery(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries atomic.Int32
	done := make(chan int, 1)
	require.NoError(t, q.Consume(ctx, "wf.", func(_ context.Context, msg *Message) (*Redeliver, error) {
		if deliveries.Add(1) == 1 {
			return &Redeliver{After: 20 * time.Millisecond}, nil
		}
		done <- msg.DeliveryCount
		return nil, nil
	}))

	_, err := q.Enqueue(ctx, "wf.step.add", []byte("x"), nil)
	require.NoError(t, err)

	select {
	case count := <-done:
		assert.Equal(t, 2, count)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestMemoryQueueIdempotencyKey(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "wf.run.order", []byte("a"), &Opts{IdempotencyKey: "run_1"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "wf.run.order", []byte("a"), &Opts{IdempotencyKey: "run_1"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2, "duplicate gets a synthetic id")
	assert.Equal(t, 1, q.Depth())
}

func TestMemoryQueueDelay(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan time.Time, 1)
	require.NoError(t, q.Consume(ctx, "", func(_ context.Context, _ *Message) (*Redeliver, error) {
		got <- time.Now()
		return nil, nil
	}))

	start := time.Now()
	_, err := q.Enqueue(ctx, "wf.run.order", nil, &Opts{Delay: 100 * time.Millisecond})
	require.NoError(t, err)

	select {
	case at := <-got:
		assert.GreaterOrEqual(t, at.Sub(start), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed message never arrived")
	}
}

func TestMemoryQueuePrefixRouting(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan string, 2)
	require.NoError(t, q.Consume(ctx, "wf.run.", func(_ context.Context, msg *Message) (*Redeliver, error) {
		runs <- msg.Queue
		return nil, nil
	}))

	_, err := q.Enqueue(ctx, "wf.step.add", nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "wf.run.order", nil, nil)
	require.NoError(t, err)

	select {
	case name := <-runs:
		assert.Equal(t, "wf.run.order", name)
	case <-time.After(2 * time.Second):
		t.Fatal("run message not delivered")
	}
	assert.Eventually(t, func() bool { return q.Depth() == 1 }, time.Second, 10*time.Millisecond,
		"step message stays pending with no consumer")
}

func TestMemoryQueueRejectsEnqueueAfterClose(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, "wf.run.order", []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = q.Enqueue(ctx, "wf.run.order", []byte("y"), nil)
	assert.ErrorIs(t, err, ErrClosed)

	delivered := make(chan struct{}, 1)
	require.NoError(t, q.Consume(ctx, "wf.", func(_ context.Context, _ *Message) (*Redeliver, error) {
		delivered <- struct{}{}
		return nil, nil
	}))

	select {
	case <-delivered:
		t.Fatal("closed queue must not deliver")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWithLifetimeClampsWithinBudget(t *testing.T) {
	q := NewMemory()
	l := Lifetime{Max: 24 * time.Hour, Buffer: time.Hour}

	h := WithLifetime(q, l, func(_ context.Context, _ *Message) (*Redeliver, error) {
		return &Redeliver{After: 72 * time.Hour}, nil
	})

	msg := &Message{Queue: "wf.run.order", CreatedAt: time.Now()}
	again, err := h(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.InDelta(t, float64(23*time.Hour), float64(again.After), float64(time.Minute))
	assert.Equal(t, 0, q.Depth(), "clamped wait does not re-enqueue")
}

func TestWithLifetimeReenqueuesSpentMessage(t *testing.T) {
	q := NewMemory()
	l := Lifetime{Max: 24 * time.Hour, Buffer: time.Hour}

	h := WithLifetime(q, l, func(_ context.Context, _ *Message) (*Redeliver, error) {
		return &Redeliver{After: 10 * time.Minute}, nil
	})

	msg := &Message{
		Queue:        "wf.run.order",
		Payload:      []byte("state"),
		DeploymentID: "dep_1",
		CreatedAt:    time.Now().Add(-23*time.Hour - time.Minute),
	}
	again, err := h(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, again, "spent message is acked")
	assert.Equal(t, 1, q.Depth(), "replacement message enqueued")
}

func newRedisQueue(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", "json")
	q := NewRedis(redis.NewClient(client, log), log, 30*time.Second)
	q.PollInterval = 10 * time.Millisecond
	return q
}

func TestRedisQueueDeliversAndAcks(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Message, 1)
	require.NoError(t, q.Consume(ctx, "wf.run.", func(_ context.Context, msg *Message) (*Redeliver, error) {
		got <- msg
		return nil, nil
	}))

	_, err := q.Enqueue(ctx, "wf.run.order", []byte("payload"), &Opts{DeploymentID: "dep_1"})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, []byte("payload"), msg.Payload)
		assert.Equal(t, "dep_1", msg.DeploymentID)
		assert.Equal(t, 1, msg.DeliveryCount)
		assert.False(t, msg.CreatedAt.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered")
	}

	assert.Eventually(t, func() bool {
		n, err := q.Depth(ctx, "wf.run.order")
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisQueueRedelivery(t *testing.T) {
	q := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries atomic.Int32
	done := make(chan int, 1)
	require.NoError(t, q.Consume(ctx, "wf.", func(_ context.Context, msg *Message) (*Redeliver, error) {
		if deliveries.Add(1) == 1 {
			return &Redeliver{After: 30 * time.Millisecond}, nil
		}
		done <- msg.DeliveryCount
		return nil, nil
	}))

	_, err := q.Enqueue(ctx, "wf.step.add", []byte("x"), nil)
	require.NoError(t, err)

	select {
	case count := <-done:
		assert.Equal(t, 2, count)
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

// Taking a lease re-scores the entry in place; the message stays scheduled
// even if the leasing consumer dies immediately afterwards.
func TestRedisQueueLeaseKeepsMessageScheduled(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "wf.run.order", []byte("x"), nil)
	require.NoError(t, err)

	now := float64(time.Now().UTC().UnixMilli())
	horizon := now + float64(q.VisibilityTimeout.Milliseconds())

	won, err := q.client.LeaseSortedSetMember(ctx, zsetPrefix+"wf.run.order", id, now, horizon)
	require.NoError(t, err)
	assert.True(t, won)

	// Still in the zset, parked at the horizon.
	n, err := q.Depth(ctx, "wf.run.order")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A competing lease against the same bound loses.
	won, err = q.client.LeaseSortedSetMember(ctx, zsetPrefix+"wf.run.order", id, now, horizon)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRedisQueueIdempotencyKey(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "wf.run.order", []byte("a"), &Opts{IdempotencyKey: "run_1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "wf.run.order", []byte("a"), &Opts{IdempotencyKey: "run_1"})
	require.NoError(t, err)

	n, err := q.Depth(ctx, "wf.run.order")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
