// Package engine implements the WorkflowEngine (§4.6–§4.8): the state
// machine owning workflow lifecycle, the development-phase dispatch loop,
// escalation handling, and crash-safe persistence.
//
// Ownership follows design note #9: each live Workflow is driven by exactly
// one goroutine (Driver.run), which is the sole writer of its
// *workflow.Workflow. External operations (RollbackToPhase,
// HandleEscalation, TerminateWorkflow, GetWorkflowState) serialize through
// the same per-workflow mutex the driver uses rather than a literal command
// channel — equivalent single-writer discipline with far less ceremony,
// recorded as an explicit Open Question resolution in the project's design
// ledger. Every reader gets Workflow.DeepCopy(), never the live pointer.
package engine

import (
	"context"
	"sync"

	"github.com/c360studio/agentcompany/approval"
	"github.com/c360studio/agentcompany/bus"
	"github.com/c360studio/agentcompany/container"
	"github.com/c360studio/agentcompany/ids"
	"github.com/c360studio/agentcompany/meeting"
	"github.com/c360studio/agentcompany/qualitygate"
	"github.com/c360studio/agentcompany/report"
	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/statestore"
	"github.com/c360studio/agentcompany/telemetry"
	"github.com/c360studio/agentcompany/vcs"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
)

// Deps bundles every collaborator the engine needs. Fields documented as
// Optional below may be left nil or empty; New defaults MaxRetries to 3,
// Clock to the system clock and IntegrationBranch to "develop".
type Deps struct {
	Store       *runstore.Store
	Bus         bus.Bus
	Approval    *approval.Gate
	Pool        *worker.Pool
	Types       *worker.TypeRegistry
	Gate        *qualitygate.Gate
	Clock       ids.Clock
	Facilitator string // agent id the CEO/meeting facilitator role uses on the bus

	// StateStore persists meeting minutes and the active-workflow index
	// under runtime/state/. Optional: nil disables that persistence without
	// affecting in-memory behavior.
	StateStore *statestore.Store

	// VCS checks each subtask's branch against IntegrationBranch before
	// delivery. Optional: nil skips the merge report.
	VCS               vcs.VCS
	IntegrationBranch string

	// Telemetry records one PerformanceEvent per finished subtask (§3.14).
	// Optional: nil disables recording without affecting dispatch.
	Telemetry *telemetry.Recorder

	// ContainerSpec seeds worker container specs dispatched during
	// development; WorkerID is overwritten by the pool per-acquisition.
	ContainerSpec container.Spec

	// MaxRetries is the per-task retry budget before escalation (§4.6,
	// default 3).
	MaxRetries int

	// MeetingParticipants lists agent ids invited to the proposal-phase
	// meeting.
	MeetingParticipants []string

	// Planner optionally enriches the heuristic proposal draft derived from
	// meeting minutes with an LLM-backed task breakdown (§4.6 step 1b).
	// Optional: nil keeps the heuristic draft, which already satisfies
	// every Proposal invariant on its own.
	Planner meeting.Planner

	// Reporter writes runtime/runs/<run-id>/report.md once a workflow
	// reaches a terminal status. Optional: nil skips report rendering.
	Reporter *report.Reporter

	// WorkspaceRoot is the host directory under which each dispatched task
	// gets its own workspace subdirectory (mounted into the worker
	// container). Optional: empty skips brief staging and Workspace is left
	// unset on the TaskAssign message.
	WorkspaceRoot string
}

// Engine owns every live Workflow's driver.
type Engine struct {
	deps Deps

	mu      sync.Mutex
	drivers map[string]*Driver
}

// New returns an Engine wired with deps.
func New(deps Deps) *Engine {
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 3
	}
	if deps.Clock == nil {
		deps.Clock = ids.SystemClock{}
	}
	if deps.IntegrationBranch == "" {
		deps.IntegrationBranch = "develop"
	}
	return &Engine{deps: deps, drivers: make(map[string]*Driver)}
}

// StartWorkflow creates a Workflow in the proposal phase, persists it, and
// spawns its phase driver asynchronously, returning its id immediately.
func (e *Engine) StartWorkflow(ctx context.Context, instruction, projectID string) (string, error) {
	if instruction == "" || projectID == "" {
		return "", invalidArgument("instruction and projectId are required")
	}

	now := e.deps.Clock.Now()
	wfID := ids.NewWorkflowID()
	wf := &workflow.Workflow{
		WorkflowID:   wfID,
		ProjectID:    projectID,
		Instruction:  instruction,
		CurrentPhase: workflow.PhaseProposal,
		Status:       workflow.StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.deps.Store.CreateRunDir(wfID); err != nil {
		return "", internal("create run dir", err)
	}
	if err := e.deps.Store.SaveTaskMetadata(wfID, &workflow.RunTaskMetadata{
		RunID: wfID, WorkflowID: wfID, ProjectID: projectID, Instruction: instruction, CreatedAt: now,
	}); err != nil {
		return "", internal("save task metadata", err)
	}
	if err := e.deps.Store.SaveWorkflow(wf); err != nil {
		return "", internal("save workflow", err)
	}

	d := newDriver(wf, e.deps)
	e.mu.Lock()
	e.drivers[wfID] = d
	e.mu.Unlock()

	e.syncActiveSnapshot()
	go d.run(context.Background())
	return wfID, nil
}

// syncActiveSnapshot writes the current set of non-terminal workflow ids to
// the state store so a restart can find them without scanning every run
// directory. Best-effort: a failure here never blocks workflow progress,
// since RestoreWorkflows falls back to a full runstore scan regardless.
func (e *Engine) syncActiveSnapshot() {
	if e.deps.StateStore == nil {
		return
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.drivers))
	for id, d := range e.drivers {
		wf := d.snapshot()
		if wf.Status != workflow.StatusCompleted && wf.Status != workflow.StatusTerminated {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	_ = e.deps.StateStore.PutSnapshot("active", statestore.Snapshot{ActiveWorkflowIDs: ids})
}

// GetWorkflowState returns a deep-copied snapshot of wfID's state, or
// runstore.ErrNotFound if it does not exist.
func (e *Engine) GetWorkflowState(wfID string) (*workflow.Workflow, error) {
	e.mu.Lock()
	d, ok := e.drivers[wfID]
	e.mu.Unlock()
	if ok {
		return d.snapshot(), nil
	}
	return e.deps.Store.LoadWorkflow(wfID)
}

// ListWorkflows returns every known workflow, optionally filtered by status.
func (e *Engine) ListWorkflows(statusFilter *workflow.Status) ([]*workflow.Workflow, error) {
	all, err := e.deps.Store.ListWorkflows()
	if err != nil {
		return nil, internal("list workflows", err)
	}

	// Prefer live driver snapshots over the persisted copy where available.
	e.mu.Lock()
	for i, wf := range all {
		if d, ok := e.drivers[wf.WorkflowID]; ok {
			all[i] = d.snapshot()
		}
	}
	e.mu.Unlock()

	if statusFilter == nil {
		return all, nil
	}
	var filtered []*workflow.Workflow
	for _, wf := range all {
		if wf.Status == *statusFilter {
			filtered = append(filtered, wf)
		}
	}
	return filtered, nil
}

// RollbackToPhase moves wfID back to an earlier, non-terminal phase,
// recording a transition whose reason contains "rollback".
func (e *Engine) RollbackToPhase(wfID string, target workflow.Phase) error {
	e.mu.Lock()
	d, ok := e.drivers[wfID]
	e.mu.Unlock()
	if !ok {
		return invalidArgument("unknown workflow %q", wfID)
	}
	return d.rollback(target)
}

// HandleEscalation resolves a pending escalation for wfID per §4.7.
func (e *Engine) HandleEscalation(wfID string, action workflow.EscalationAction, reason string) error {
	e.mu.Lock()
	d, ok := e.drivers[wfID]
	e.mu.Unlock()
	if !ok {
		return invalidArgument("unknown workflow %q", wfID)
	}
	return d.handleEscalation(action, reason)
}

// TerminateWorkflow sets an absorbing terminated status on wfID.
func (e *Engine) TerminateWorkflow(wfID, reason string) error {
	e.mu.Lock()
	d, ok := e.drivers[wfID]
	e.mu.Unlock()
	if !ok {
		return invalidArgument("unknown workflow %q", wfID)
	}
	return d.terminate(reason)
}

// RestoreWorkflows reloads every workflow from the run root and resumes a
// driver for each one not already terminal, implementing S6 (resume after
// crash).
func (e *Engine) RestoreWorkflows(ctx context.Context) error {
	all, err := e.deps.Store.ListWorkflows()
	if err != nil {
		return internal("restore workflows: list", err)
	}

	e.mu.Lock()
	for _, wf := range all {
		if _, ok := e.drivers[wf.WorkflowID]; ok {
			continue
		}
		if wf.Status == workflow.StatusCompleted || wf.Status == workflow.StatusTerminated {
			e.drivers[wf.WorkflowID] = newDriver(wf, e.deps) // kept for read access, not run
			continue
		}
		d := newDriver(wf, e.deps)
		e.drivers[wf.WorkflowID] = d
		go d.run(ctx)
	}
	e.mu.Unlock()

	e.syncActiveSnapshot()
	return nil
}
