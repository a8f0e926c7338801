package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/agentcompany/container"
	"github.com/c360studio/agentcompany/ids"
)

// Status is a worker's position in the §4.3 lifecycle:
// idle -> working -> (idle | error | terminated), with paused reachable
// from idle or working, and terminated absorbing.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// ErrPoolExhausted is returned by AcquireByType when no idle worker of the
// requested type exists and the pool is at maxConcurrentWorkers.
var ErrPoolExhausted = errors.New("worker: pool exhausted")

// worker is one pool slot.
type worker struct {
	id        string
	typ       Type
	status    Status
	container *container.WorkerContainer
	idleSince time.Time
}

// Pool is the bounded worker pool described in §4.3, holding up to
// maxConcurrentWorkers slots protected by a single mutex (§5: "WorkerPool
// internals protected by a single lock; acquire/release is O(|workers|)").
type Pool struct {
	mu sync.Mutex

	max         int
	stallTimeout time.Duration
	runtime     container.Runtime
	workers     map[string]*worker
}

// NewPool returns an empty Pool with the given capacity.
func NewPool(max int, stallTimeout time.Duration, runtime container.Runtime) *Pool {
	return &Pool{max: max, stallTimeout: stallTimeout, runtime: runtime, workers: make(map[string]*worker)}
}

// AcquireByType returns an idle worker of typ, preferring the
// longest-idle candidate. If none exists and the pool has capacity, a new
// worker is spawned. Otherwise ErrPoolExhausted is returned (surfaced
// internally as Unavailable per §4.6's error taxonomy, not to the caller of
// startWorkflow).
func (p *Pool) AcquireByType(ctx context.Context, typ Type, spec container.Spec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *worker
	for _, w := range p.workers {
		if w.typ != typ || w.status != StatusIdle {
			continue
		}
		if best == nil || w.idleSince.Before(best.idleSince) {
			best = w
		}
	}
	if best != nil {
		best.status = StatusWorking
		return best.id, nil
	}

	if len(p.workers) >= p.max {
		return "", ErrPoolExhausted
	}

	id := ids.NewWorkerID()
	spec.WorkerID = id
	wc := container.New(p.runtime, spec)
	if err := wc.Create(ctx); err != nil {
		return "", fmt.Errorf("worker: spawn: %w", err)
	}
	if err := wc.Start(ctx); err != nil {
		return "", fmt.Errorf("worker: start: %w", err)
	}

	p.workers[id] = &worker{id: id, typ: typ, status: StatusWorking, container: wc}
	return id, nil
}

// Release destroys any attached container, resets the worker to idle, and
// records idle-since for fairness ordering.
func (p *Pool) Release(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: unknown worker %q", workerID)
	}

	if w.container != nil {
		if err := w.container.Destroy(ctx, container.DefaultCleanupTimeout); err != nil {
			p.mu.Lock()
			w.status = StatusError
			p.mu.Unlock()
			return fmt.Errorf("worker: release %q: %w", workerID, err)
		}
	}

	p.mu.Lock()
	w.status = StatusIdle
	w.idleSince = time.Now().UTC()
	p.mu.Unlock()
	return nil
}

// Pause moves a worker from idle or working into paused.
func (p *Pool) Pause(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("worker: unknown worker %q", workerID)
	}
	if w.status != StatusIdle && w.status != StatusWorking {
		return fmt.Errorf("worker: cannot pause worker in state %s", w.status)
	}
	w.status = StatusPaused
	return nil
}

// Terminate absorbingly removes a worker from service.
func (p *Pool) Terminate(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: unknown worker %q", workerID)
	}
	if w.container != nil {
		_ = w.container.Destroy(ctx, container.DefaultCleanupTimeout)
	}
	p.mu.Lock()
	w.status = StatusTerminated
	p.mu.Unlock()
	return nil
}

// Status returns a worker's current status.
func (p *Pool) Status(workerID string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return "", false
	}
	return w.status, true
}

// CheckStalls marks any worker kept in working longer than stallTimeout as
// error, per the §4.3 fairness rule ("a worker kept busy longer than
// stallTimeout is requeued for health check; if unresponsive, marked error
// and removed"). Callers invoke this periodically from the engine driver;
// a real health check/requeue hook is left to the caller via onStalled.
func (p *Pool) CheckStalls(since map[string]time.Time, onStalled func(workerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	for id, w := range p.workers {
		if w.status != StatusWorking {
			continue
		}
		startedAt, ok := since[id]
		if !ok || now.Sub(startedAt) < p.stallTimeout {
			continue
		}
		w.status = StatusError
		if onStalled != nil {
			onStalled(id)
		}
	}
}

// Size returns the current number of tracked workers in every state;
// terminated workers are included, since Terminate does not remove them.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
