package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue. Delivery is driven by a polling loop per
// subscription, which keeps the semantics close to the redis transport:
// messages become visible by time, redelivery is a visibility change, and
// two consumers never hold the same message at once.
type Memory struct {
	mu       sync.Mutex
	messages map[string]*memMessage // by message id
	order    []string
	seenKeys map[string]struct{}
	closed   bool
	wg       sync.WaitGroup

	// PollInterval is how often subscriptions scan for visible messages.
	// Tests shrink it.
	PollInterval time.Duration
}

type memMessage struct {
	msg       Message
	visibleAt time.Time
	inflight  bool
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		messages:     make(map[string]*memMessage),
		seenKeys:     make(map[string]struct{}),
		PollInterval: 10 * time.Millisecond,
	}
}

func (m *Memory) Enqueue(ctx context.Context, queue string, payload []byte, opts *Opts) (string, error) {
	if opts == nil {
		opts = &Opts{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	if opts.IdempotencyKey != "" {
		if _, dup := m.seenKeys[opts.IdempotencyKey]; dup {
			return "msg_" + uuid.New().String(), nil
		}
		m.seenKeys[opts.IdempotencyKey] = struct{}{}
	}

	now := time.Now().UTC()
	id := "msg_" + uuid.New().String()
	m.messages[id] = &memMessage{
		msg: Message{
			ID:            id,
			Queue:         queue,
			Payload:       append([]byte(nil), payload...),
			DeploymentID:  opts.DeploymentID,
			CreatedAt:     now,
			ReceiptHandle: id,
		},
		visibleAt: now.Add(opts.Delay),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) Consume(ctx context.Context, prefix string, h Handler) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.deliverOnce(ctx, prefix, h)
			}
		}
	}()
	return nil
}

func (m *Memory) deliverOnce(ctx context.Context, prefix string, h Handler) {
	for {
		mm := m.lease(prefix)
		if mm == nil {
			return
		}

		mm.msg.DeliveryCount++
		msg := mm.msg
		msg.Payload = append([]byte(nil), mm.msg.Payload...)

		again, err := h(ctx, &msg)

		m.mu.Lock()
		mm.inflight = false
		switch {
		case err != nil:
			// Delivery failed; make it visible again shortly.
			mm.visibleAt = time.Now().UTC().Add(m.PollInterval)
		case again != nil:
			mm.visibleAt = time.Now().UTC().Add(again.After)
		default:
			delete(m.messages, mm.msg.ID)
		}
		m.mu.Unlock()
	}
}

func (m *Memory) lease(prefix string) *memMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range m.order {
		mm, ok := m.messages[id]
		if !ok || mm.inflight {
			continue
		}
		if !strings.HasPrefix(mm.msg.Queue, prefix) {
			continue
		}
		if mm.visibleAt.After(now) {
			continue
		}
		mm.inflight = true
		return mm
	}
	return nil
}

// Depth reports how many messages are pending, visible or not.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
