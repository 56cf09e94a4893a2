package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/common/redis"
)

const (
	namesKey    = "loom:q:names"
	zsetPrefix  = "loom:q:z:"
	msgPrefix   = "loom:q:msg:"
	idemPrefix  = "loom:q:idem:"
	idemExpiry  = 24 * time.Hour
	leaseBatch  = 16
	defaultPoll = 200 * time.Millisecond
)

// Redis is a Queue over sorted sets. Each queue name gets a zset scored by
// visible-at time; message bodies live in hashes keyed by message id.
// A consumer leases a message by atomically re-scoring it to the visibility
// horizon, so a message is held by at most one consumer at a time and never
// leaves the zset until acked.
type Redis struct {
	client *redis.Client
	logger redis.Logger

	// VisibilityTimeout bounds how long a lease lasts before the message
	// reappears if the consumer dies without acking.
	VisibilityTimeout time.Duration
	// PollInterval is how often consumers scan for visible messages.
	PollInterval time.Duration
}

// NewRedis creates a queue over the given client.
func NewRedis(client *redis.Client, logger redis.Logger, visibilityTimeout time.Duration) *Redis {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &Redis{
		client:            client,
		logger:            logger,
		VisibilityTimeout: visibilityTimeout,
		PollInterval:      defaultPoll,
	}
}

func (r *Redis) Enqueue(ctx context.Context, queue string, payload []byte, opts *Opts) (string, error) {
	if opts == nil {
		opts = &Opts{}
	}

	if opts.IdempotencyKey != "" {
		fresh, err := r.client.SetNX(ctx, idemPrefix+opts.IdempotencyKey, "1", idemExpiry)
		if err != nil {
			return "", err
		}
		if !fresh {
			r.logger.Debug("duplicate enqueue suppressed", "queue", queue, "key", opts.IdempotencyKey)
			return "msg_" + uuid.New().String(), nil
		}
	}

	now := time.Now().UTC()
	id := "msg_" + uuid.New().String()

	if err := r.client.SetHashFields(ctx, msgPrefix+id, map[string]interface{}{
		"queue":          queue,
		"payload":        string(payload),
		"deployment_id":  opts.DeploymentID,
		"delivery_count": 0,
		"created_at":     now.Format(time.RFC3339Nano),
	}); err != nil {
		return "", err
	}
	if err := r.client.AddToSet(ctx, namesKey, queue); err != nil {
		return "", err
	}
	visibleAt := now.Add(opts.Delay)
	if err := r.client.AddToSortedSet(ctx, zsetPrefix+queue, id, float64(visibleAt.UnixMilli())); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) Consume(ctx context.Context, prefix string, h Handler) error {
	go func() {
		ticker := time.NewTicker(r.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.deliverOnce(ctx, prefix, h); err != nil && ctx.Err() == nil {
					r.logger.Error("queue poll failed", "prefix", prefix, "error", err)
				}
			}
		}
	}()
	return nil
}

func (r *Redis) deliverOnce(ctx context.Context, prefix string, h Handler) error {
	names, err := r.client.SetMembers(ctx, namesKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		ids, err := r.client.RangeSortedSetByScore(ctx, zsetPrefix+name, float64(now.UnixMilli()), leaseBatch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.deliver(ctx, name, id, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Redis) deliver(ctx context.Context, queue, id string, h Handler) error {
	// Lease by pushing the score out to the visibility horizon in a single
	// atomic move. The entry never leaves the zset while leased, so a
	// consumer crash only means the message reappears at the horizon.
	now := time.Now().UTC()
	horizon := now.Add(r.VisibilityTimeout)
	won, err := r.client.LeaseSortedSetMember(ctx, zsetPrefix+queue, id,
		float64(now.UnixMilli()), float64(horizon.UnixMilli()))
	if err != nil {
		return err
	}
	if !won {
		return nil // lost the race
	}

	fields, err := r.client.GetAllHash(ctx, msgPrefix+id)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		// Body expired or already acked; drop the stray zset entry.
		_, err := r.client.RemoveFromSortedSet(ctx, zsetPrefix+queue, id)
		return err
	}

	count, err := r.client.IncrementHash(ctx, msgPrefix+id, "delivery_count", 1)
	if err != nil {
		return err
	}
	msg := &Message{
		ID:            id,
		Queue:         queue,
		Payload:       []byte(fields["payload"]),
		DeploymentID:  fields["deployment_id"],
		DeliveryCount: int(count),
		ReceiptHandle: id,
	}
	if t, perr := time.Parse(time.RFC3339Nano, fields["created_at"]); perr == nil {
		msg.CreatedAt = t
	}

	again, err := h(ctx, msg)
	if err != nil {
		r.logger.Warn("handler failed, message stays leased until the visibility horizon",
			"queue", queue, "message_id", id, "error", err)
		return nil
	}
	if again != nil {
		visibleAt := time.Now().UTC().Add(again.After)
		return r.client.AddToSortedSet(ctx, zsetPrefix+queue, id, float64(visibleAt.UnixMilli()))
	}

	if _, err := r.client.RemoveFromSortedSet(ctx, zsetPrefix+queue, id); err != nil {
		return err
	}
	return r.client.Delete(ctx, msgPrefix+id)
}

// Depth reports how many messages are pending on one queue, visible or not.
func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	horizon := float64(time.Now().AddDate(10, 0, 0).UnixMilli())
	ids, err := r.client.RangeSortedSetByScore(ctx, zsetPrefix+queue, horizon, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (r *Redis) Close() error { return nil }
