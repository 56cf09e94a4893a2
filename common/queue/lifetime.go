package queue

import (
	"context"
	"fmt"
	"time"
)

// WithLifetime wraps a handler so that redelivery requests are realised
// within the transport's message-lifetime bound. Requested delays that fit
// the remaining budget become visibility changes; once a message has aged
// past Max-Buffer it is replaced by a fresh enqueue so the chain of waits
// can extend indefinitely.
func WithLifetime(q Queue, l Lifetime, h Handler) Handler {
	return func(ctx context.Context, msg *Message) (*Redeliver, error) {
		again, err := h(ctx, msg)
		if err != nil || again == nil {
			return again, err
		}

		age := time.Since(msg.CreatedAt)
		delay, reenqueue := l.Disposition(again.After, age)
		if !reenqueue {
			return &Redeliver{After: delay}, nil
		}

		// The replacement carries the remaining wait as an enqueue delay.
		// Its lifetime clock starts at this enqueue, so the delay itself
		// consumes budget: a wait longer than Max-Buffer arrives with its
		// budget spent and chains into another fresh message. Transports
		// whose lifetime clock pauses during delays just chain one message
		// later than strictly needed.
		_, err = q.Enqueue(ctx, msg.Queue, msg.Payload, &Opts{
			DeploymentID: msg.DeploymentID,
			Delay:        minDuration(again.After, l.Max-l.Buffer),
		})
		if err != nil {
			return nil, fmt.Errorf("re-enqueue %s: %w", msg.Queue, err)
		}
		return nil, nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
