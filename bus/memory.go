package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus backed by per-agent FIFO queues and
// per-agent wake-up channels that Send closes. It is used for unit tests and the single-process
// embedded deployment where a broker would be overkill.
type MemoryBus struct {
	mu      sync.Mutex
	queues  map[string][]Message
	waiters map[string][]chan struct{}
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:  make(map[string][]Message),
		waiters: make(map[string][]chan struct{}),
	}
}

// Send implements Bus.
func (b *MemoryBus) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	fillDefaults(&msg)

	b.mu.Lock()
	b.queues[msg.To] = append(b.queues[msg.To], msg)
	waiters := b.waiters[msg.To]
	b.waiters[msg.To] = nil
	b.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Poll implements Bus.
func (b *MemoryBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if q := b.queues[agentID]; len(q) > 0 {
			b.queues[agentID] = nil
			b.mu.Unlock()
			return q, nil
		}
		if timeout <= 0 {
			b.mu.Unlock()
			return nil, nil
		}
		wait := make(chan struct{})
		b.waiters[agentID] = append(b.waiters[agentID], wait)
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// PendingRecipients returns every agent id with at least one queued
// message. Intended for test harnesses that need to discover and answer a
// dynamically addressed recipient (e.g. a pool-acquired reviewer) without
// knowing its id in advance.
func (b *MemoryBus) PendingRecipients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for to, q := range b.queues {
		if len(q) > 0 {
			out = append(out, to)
		}
	}
	return out
}
