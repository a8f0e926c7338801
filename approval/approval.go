// Package approval implements ApprovalGate (§4.5): the synchronous,
// human-in-the-loop rendezvous between a waiting WorkflowEngine driver and
// whoever submits a decision through the control surface.
//
// Design note #9 calls this a "typed future" requiring no loops or polling.
// The teacher's closest analogue, workflow/question.go, resolves questions
// through a NATS KV store polled by both sides — a fine fit for
// cross-process durability, but it is polling, which the specification
// explicitly rules out here. So this package is written fresh: a pending
// entry holds a one-shot buffered channel, closed via sync.Once, which
// RequestApproval blocks on and SubmitDecision/CancelApproval send into.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/agentcompany/workflow"
)

// ErrNoPendingApproval is returned by SubmitDecision/CancelApproval when no
// entry is registered for the workflow.
var ErrNoPendingApproval = errors.New("approval: no pending approval")

// ErrPhaseConflict is returned by RequestApproval when a pending entry
// exists for a different phase (policy: overwrite within phase, reject
// across phases — see SPEC_FULL.md §3.9).
var ErrPhaseConflict = errors.New("approval: pending approval for a different phase")

// Decision is the resolved outcome of an approval or escalation request.
type Decision struct {
	Action    workflow.ApprovalAction
	Feedback  string
	DecidedAt time.Time
	Err       error // set by CancelApproval
}

// pending is one outstanding request, keyed by workflow id.
type pending struct {
	phase   workflow.Phase
	content any
	resolve chan Decision
	once    sync.Once
}

func (p *pending) send(d Decision) {
	p.once.Do(func() {
		p.resolve <- d
		close(p.resolve)
	})
}

// Gate is the ApprovalGate: at most one pending entry per workflow id,
// guarded by a single mutex per the §5 "ApprovalGate pending map: single
// lock" resource policy.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*pending
}

// New returns an empty Gate.
func New() *Gate {
	return &Gate{entries: make(map[string]*pending)}
}

// RequestApproval registers a pending entry for wfId and blocks until
// SubmitDecision or CancelApproval resolves it, or ctx is done. A second
// call for the same wfId while one is pending overwrites it if phase
// matches, or fails with ErrPhaseConflict otherwise.
func (g *Gate) RequestApproval(ctx context.Context, wfID string, phase workflow.Phase, content any) (Decision, error) {
	g.mu.Lock()
	if existing, ok := g.entries[wfID]; ok && existing.phase != phase {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: wf=%s pending=%s requested=%s", ErrPhaseConflict, wfID, existing.phase, phase)
	}
	p := &pending{phase: phase, content: content, resolve: make(chan Decision, 1)}
	g.entries[wfID] = p
	g.mu.Unlock()

	select {
	case d := <-p.resolve:
		if d.Err != nil {
			return d, d.Err
		}
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.entries[wfID] == p {
			delete(g.entries, wfID)
		}
		g.mu.Unlock()
		return Decision{}, ctx.Err()
	}
}

// SubmitDecision resolves the pending entry for wfID with the given action
// and feedback, clearing the entry. Fails with ErrNoPendingApproval when
// none is registered.
func (g *Gate) SubmitDecision(wfID string, action workflow.ApprovalAction, feedback string) error {
	g.mu.Lock()
	p, ok := g.entries[wfID]
	if ok {
		delete(g.entries, wfID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}
	p.send(Decision{Action: action, Feedback: feedback, DecidedAt: time.Now().UTC()})
	return nil
}

// CancelApproval resolves the pending entry for wfID with a cancellation
// error instead of a decision.
func (g *Gate) CancelApproval(wfID string, reason string) error {
	g.mu.Lock()
	p, ok := g.entries[wfID]
	if ok {
		delete(g.entries, wfID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}
	p.send(Decision{Err: fmt.Errorf("approval: cancelled: %s", reason), DecidedAt: time.Now().UTC()})
	return nil
}

// HasPending reports whether wfID currently has a pending approval, and if
// so its phase.
func (g *Gate) HasPending(wfID string) (workflow.Phase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.entries[wfID]
	if !ok {
		return "", false
	}
	return p.phase, true
}
