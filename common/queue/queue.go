// Package queue defines the at-least-once delivery contract the scheduler
// runs on, plus the message-lifetime manager that realises arbitrary-length
// waits over queues whose messages have a bounded lifetime.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed reports an enqueue against a closed queue.
var ErrClosed = errors.New("queue: closed")

// Message is one delivery handed to a consumer.
type Message struct {
	ID            string
	Queue         string
	Payload       []byte
	DeploymentID  string
	DeliveryCount int
	// CreatedAt is the first-enqueue time of this message; its age drives
	// the clamp/re-enqueue decision for long delays.
	CreatedAt time.Time
	// ReceiptHandle identifies this delivery for visibility changes.
	ReceiptHandle string
}

// Opts configures an enqueue.
type Opts struct {
	DeploymentID string
	// IdempotencyKey suppresses duplicate sends. A duplicate succeeds
	// silently and returns a synthetic message id; callers must not
	// depend on the returned id when using keys.
	IdempotencyKey string
	// Delay defers first delivery.
	Delay time.Duration
}

// Redeliver asks the queue to deliver the message again after a delay
// instead of acknowledging it.
type Redeliver struct {
	After time.Duration
}

// Handler processes one message. Returning (nil, nil) acknowledges it;
// returning a Redeliver requests redelivery. Handlers are expected not to
// return errors for business failures - an error here means the delivery
// itself could not be processed and will be retried.
type Handler func(ctx context.Context, msg *Message) (*Redeliver, error)

// Queue is the transport contract. Implementations provide at-least-once
// delivery and honor per-message visibility changes.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts *Opts) (string, error)
	// Consume subscribes a handler to every queue whose name starts with
	// prefix. It returns once the subscription is installed; delivery
	// runs until ctx is cancelled.
	Consume(ctx context.Context, prefix string, h Handler) error
	Close() error
}

// Lifetime decides how a requested delay is realised given the transport's
// maximum message lifetime L and safety buffer B.
type Lifetime struct {
	Max    time.Duration // L
	Buffer time.Duration // B
}

// Disposition resolves a requested delay for a message of the given age.
// When the message still has lifetime budget, the delay is clamped into it
// and served by a visibility change; the handler re-invokes when it expires
// and recomputes the remaining wait from persisted state. When the budget
// is spent, the message must be re-enqueued fresh.
func (l Lifetime) Disposition(requested time.Duration, age time.Duration) (delay time.Duration, reenqueue bool) {
	budget := l.Max - l.Buffer - age
	if budget <= 0 {
		return 0, true
	}
	if requested < budget {
		return requested, false
	}
	return budget, false
}
