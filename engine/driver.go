package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/agentic"

	"github.com/c360studio/agentcompany/approval"
	"github.com/c360studio/agentcompany/bus"
	"github.com/c360studio/agentcompany/meeting"
	"github.com/c360studio/agentcompany/qualitygate"
	"github.com/c360studio/agentcompany/review"
	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/telemetry"
	"github.com/c360studio/agentcompany/ticket"
	"github.com/c360studio/agentcompany/tools/file"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
)

// pollInterval is how long the development dispatch loop waits for a
// TaskResult batch on each round before re-checking readiness.
const pollInterval = 2 * time.Second

// Driver owns a single Workflow's phase progression (§4.6–§4.9, design note
// #9). It is the Workflow's sole writer; everything else goes through
// Driver's mutex-guarded methods.
type Driver struct {
	mu      sync.Mutex
	wf      *workflow.Workflow
	deps    Deps
	review  *review.Workflow
	meet    *meeting.Coordinator
	tickets *ticket.Manager
	cancel  context.CancelFunc
}

func newDriver(wf *workflow.Workflow, deps Deps) *Driver {
	return &Driver{
		wf:      wf,
		deps:    deps,
		review:  review.New(deps.Store, wf.WorkflowID, nil),
		meet:    meeting.New(deps.Bus, deps.Facilitator, 5, 2*time.Second).WithStore(deps.StateStore),
		tickets: ticket.NewManager(),
	}
}

// snapshot returns a deep-copied, race-free view of the Workflow.
func (d *Driver) snapshot() *workflow.Workflow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wf.DeepCopy()
}

// ticketStatus returns the current lub-propagated ticket status for id (a
// task id, or the workflow id itself for the parent ticket).
func (d *Driver) ticketStatus(id string) (ticket.Status, bool) {
	t, ok := d.tickets.Get(id)
	if !ok {
		return "", false
	}
	return t.Status, true
}

// transitionLocked appends exactly one PhaseTransition and moves
// CurrentPhase. Callers must hold d.mu.
func (d *Driver) transitionLocked(to workflow.Phase, reason string) {
	now := d.deps.Clock.Now()
	d.wf.PhaseHistory = append(d.wf.PhaseHistory, workflow.PhaseTransition{
		From: d.wf.CurrentPhase, To: to, Timestamp: now, Reason: reason,
	})
	d.wf.CurrentPhase = to
	d.wf.UpdatedAt = now
}

func (d *Driver) recordErrorLocked(phase workflow.Phase, msg string, recoverable bool) {
	d.wf.ErrorLog = append(d.wf.ErrorLog, workflow.ErrorLogEntry{
		Message: msg, Phase: phase, Timestamp: d.deps.Clock.Now(), Recoverable: recoverable,
	})
}

func phaseRank(p workflow.Phase) int {
	switch p {
	case workflow.PhaseProposal:
		return 0
	case workflow.PhaseApproval:
		return 1
	case workflow.PhaseDevelopment:
		return 2
	case workflow.PhaseQualityAssurance:
		return 3
	case workflow.PhaseDelivery:
		return 4
	default:
		return -1
	}
}

// run drives phase progression until the workflow reaches a terminal
// status or ctx is cancelled (engine shutdown).
func (d *Driver) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	for {
		d.mu.Lock()
		status := d.wf.Status
		phase := d.wf.CurrentPhase
		d.mu.Unlock()

		if status == workflow.StatusTerminated || status == workflow.StatusCompleted || status == workflow.StatusFailed {
			return
		}

		var err error
		switch phase {
		case workflow.PhaseProposal:
			err = d.stepProposal(runCtx)
		case workflow.PhaseApproval:
			d.mu.Lock()
			d.wf.Status = workflow.StatusWaitingApproval
			d.mu.Unlock()
			err = d.stepApproval(runCtx)
		case workflow.PhaseDevelopment:
			err = d.stepDevelopment(runCtx)
		case workflow.PhaseQualityAssurance:
			err = d.stepQuality(runCtx)
		case workflow.PhaseDelivery:
			err = d.stepDelivery(runCtx)
		default:
			return
		}

		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			d.mu.Lock()
			if d.wf.Status != workflow.StatusTerminated {
				d.recordErrorLocked(phase, err.Error(), false)
				d.wf.Status = workflow.StatusFailed
			}
			wf := d.wf
			d.mu.Unlock()
			_ = d.deps.Store.SaveWorkflow(wf)
			return
		}
	}
}

// stepProposal convenes the kickoff meeting and derives the first-draft
// Proposal from it (§4.6 step 1).
func (d *Driver) stepProposal(ctx context.Context) error {
	d.mu.Lock()
	wfID, instruction := d.wf.WorkflowID, d.wf.Instruction
	d.mu.Unlock()

	minutes, err := d.meet.Convene(ctx, wfID, instruction, d.deps.MeetingParticipants)
	if err != nil {
		return fmt.Errorf("engine: convene kickoff meeting: %w", err)
	}

	proposal := meeting.DeriveProposal(minutes, instruction, d.deps.Types)
	if d.deps.Planner != nil {
		if enriched, err := d.deps.Planner.Plan(ctx, instruction, minutes, proposal); err != nil {
			d.mu.Lock()
			d.recordErrorLocked(workflow.PhaseProposal, fmt.Sprintf("planner enrichment failed, using heuristic breakdown: %v", err), true)
			d.mu.Unlock()
		} else {
			proposal = enriched
		}
	}
	if err := workflow.ValidateProposal(proposal); err != nil {
		return fmt.Errorf("engine: proposal invariant violated: %w", err)
	}
	if err := d.deps.Store.SaveProposal(wfID, proposal); err != nil {
		return fmt.Errorf("engine: save proposal: %w", err)
	}

	d.mu.Lock()
	d.wf.Proposal = proposal
	d.wf.MeetingMinutesIDs = append(d.wf.MeetingMinutesIDs, minutes.ID)
	d.transitionLocked(workflow.PhaseApproval, "proposal drafted")
	d.wf.Status = workflow.StatusWaitingApproval
	wf := d.wf
	d.mu.Unlock()
	return d.deps.Store.SaveWorkflow(wf)
}

// stepApproval blocks on the ApprovalGate and routes the decision (§4.6
// step 2): approve advances to development, request_revision loops back to
// proposal, reject terminates the workflow.
func (d *Driver) stepApproval(ctx context.Context) error {
	d.mu.Lock()
	wfID, proposal := d.wf.WorkflowID, d.wf.Proposal
	d.mu.Unlock()

	dec, err := d.deps.Approval.RequestApproval(ctx, wfID, workflow.PhaseApproval, proposal)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wf.Status == workflow.StatusTerminated {
		return nil // terminate() already handled cancellation
	}
	if err != nil {
		return fmt.Errorf("engine: approval: %w", err)
	}

	d.wf.ApprovalDecisions = append(d.wf.ApprovalDecisions, workflow.ApprovalDecision{
		Phase: workflow.PhaseApproval, Action: dec.Action, Feedback: dec.Feedback, DecidedAt: dec.DecidedAt,
	})

	switch dec.Action {
	case workflow.ActionApprove:
		d.transitionLocked(workflow.PhaseDevelopment, "proposal approved")
		d.wf.Status = workflow.StatusRunning
	case workflow.ActionRequestRevision:
		d.transitionLocked(workflow.PhaseProposal, "revision requested: "+dec.Feedback)
		d.wf.Status = workflow.StatusRunning
	case workflow.ActionReject:
		d.recordErrorLocked(workflow.PhaseApproval, "proposal rejected", false)
		d.wf.Status = workflow.StatusTerminated
	default:
		return fmt.Errorf("engine: unknown approval action %q", dec.Action)
	}
	return d.deps.Store.SaveWorkflow(d.wf)
}

// initProgressLocked seeds Progress from Proposal.TaskBreakdown the first
// time development is entered. Callers must hold d.mu.
//
// It also seeds the ticket tree: a level-0 parent ticket for the workflow
// itself and one level-1 child ticket per task, so SetStatus calls made
// through the rest of the dispatch loop have somewhere to land.
func (d *Driver) initProgressLocked() {
	if d.wf.Progress != nil {
		return
	}
	subtasks := make(map[string]*workflow.SubtaskProgress, len(d.wf.Proposal.TaskBreakdown))
	d.tickets.CreateParent(d.wf.WorkflowID, d.wf.Instruction)
	for _, item := range d.wf.Proposal.TaskBreakdown {
		subtasks[item.ID] = &workflow.SubtaskProgress{
			ID: item.ID, WorkerType: item.WorkerType, Status: workflow.SubtaskPending, ReviewStatus: workflow.ReviewPending,
		}
		if _, err := d.tickets.CreateChild(item.ID, d.wf.WorkflowID, item.Title); err != nil {
			d.recordErrorLocked(workflow.PhaseDevelopment, fmt.Sprintf("ticket: seed %q: %v", item.ID, err), true)
		}
	}
	d.wf.Progress = &workflow.Progress{Subtasks: subtasks}
}

// readyTaskIDs returns pending subtasks whose dependencies are satisfied.
func (d *Driver) readyTaskIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []string
	for _, item := range d.wf.Proposal.TaskBreakdown {
		st := d.wf.Progress.Subtasks[item.ID]
		if st == nil || st.Status != workflow.SubtaskPending {
			continue
		}
		satisfied := true
		for _, dep := range d.wf.Proposal.Dependencies {
			if dep.To != item.ID {
				continue
			}
			from := d.wf.Progress.Subtasks[dep.From]
			if from == nil || (from.Status != workflow.SubtaskCompleted && from.Status != workflow.SubtaskSkipped) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, item.ID)
		}
	}
	return ready
}

// developmentDone reports whether every subtask reached a terminal status,
// and whether progress is stuck (no terminal-reachable path remains).
func (d *Driver) developmentDone() (done, stuck bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	allTerminal := true
	anyInFlight := false
	for _, st := range d.wf.Progress.Subtasks {
		switch st.Status {
		case workflow.SubtaskCompleted, workflow.SubtaskSkipped:
		case workflow.SubtaskAssigned, workflow.SubtaskRunning:
			allTerminal = false
			anyInFlight = true
		default:
			allTerminal = false
		}
	}
	if allTerminal {
		return true, false
	}
	return false, !anyInFlight
}

func (d *Driver) taskByID(id string) (workflow.TaskBreakdownItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.wf.Proposal.TaskBreakdown {
		if item.ID == id {
			return item, true
		}
	}
	return workflow.TaskBreakdownItem{}, false
}

// dispatch acquires a worker for taskID and assigns it over the bus.
func (d *Driver) dispatch(ctx context.Context, taskID string) error {
	item, ok := d.taskByID(taskID)
	if !ok {
		return fmt.Errorf("engine: unknown task %q", taskID)
	}

	typ := d.deps.Types.MatchByText(item.Description)
	spec := d.deps.ContainerSpec
	workerID, err := d.deps.Pool.AcquireByType(ctx, typ, spec)
	if err != nil {
		return nil // Unavailable: try again next round rather than failing the workflow.
	}

	d.mu.Lock()
	wfID := d.wf.WorkflowID
	d.mu.Unlock()

	workspace, err := d.stageWorkspace(ctx, wfID, taskID, item)
	if err != nil {
		_ = d.deps.Pool.Release(ctx, workerID)
		return fmt.Errorf("engine: stage workspace for %q: %w", taskID, err)
	}

	if err := d.deps.Bus.Send(ctx, bus.Message{
		Type: bus.TypeTaskAssign, From: wfID, To: workerID,
		Payload: bus.TaskAssign{TicketID: taskID, WorkerType: string(typ), Description: item.Description, Workspace: workspace},
	}); err != nil {
		_ = d.deps.Pool.Release(ctx, workerID)
		return fmt.Errorf("engine: dispatch %q: %w", taskID, err)
	}

	d.mu.Lock()
	now := d.deps.Clock.Now()
	st := d.wf.Progress.Subtasks[taskID]
	st.Status = workflow.SubtaskAssigned
	st.AssignedWorkerID = workerID
	st.StartedAt = &now
	wf := d.wf
	d.mu.Unlock()
	_ = d.tickets.SetStatus(taskID, ticket.StatusInProgress)
	return d.deps.Store.SaveWorkflow(wf)
}

// stageWorkspace creates taskID's workspace directory under WorkspaceRoot
// and drops a TASK.md brief into it via the file tool executor, the same
// sandboxed write path the worker container itself uses once dispatched.
// Returns "" (no staging) when WorkspaceRoot is unset.
func (d *Driver) stageWorkspace(ctx context.Context, wfID, taskID string, item workflow.TaskBreakdownItem) (string, error) {
	if d.deps.WorkspaceRoot == "" {
		return "", nil
	}
	workspace := filepath.Join(d.deps.WorkspaceRoot, wfID, taskID)
	brief := fmt.Sprintf("# Task %s\n\n%s\n\n## Dependencies\n\n%s\n", taskID, item.Description, strings.Join(item.Dependencies, ", "))
	exec := file.NewExecutor(workspace)
	_, err := exec.Execute(ctx, agentic.ToolCall{
		ID:        taskID,
		Name:      "file_write",
		Arguments: map[string]any{"path": "TASK.md", "content": brief},
	})
	if err != nil {
		return "", err
	}
	return workspace, nil
}

// checkWorkerStalls applies the pool's §4.3 fairness rule to every
// in-flight subtask: a worker held past the pool's stall timeout is marked
// error, and its subtask is requeued to pending so readyTaskIDs can
// redispatch it to a fresh worker.
func (d *Driver) checkWorkerStalls() {
	d.mu.Lock()
	since := make(map[string]time.Time)
	byWorker := make(map[string]string, len(d.wf.Progress.Subtasks))
	for id, st := range d.wf.Progress.Subtasks {
		if st.Status == workflow.SubtaskAssigned && st.AssignedWorkerID != "" && st.StartedAt != nil {
			since[st.AssignedWorkerID] = *st.StartedAt
			byWorker[st.AssignedWorkerID] = id
		}
	}
	d.mu.Unlock()
	if len(since) == 0 {
		return
	}

	d.deps.Pool.CheckStalls(since, func(workerID string) {
		taskID, ok := byWorker[workerID]
		if !ok {
			return
		}
		d.mu.Lock()
		st := d.wf.Progress.Subtasks[taskID]
		if st != nil && st.Status == workflow.SubtaskAssigned {
			st.Status = workflow.SubtaskPending
			st.AssignedWorkerID = ""
			st.Feedback = "worker stalled past timeout, requeued"
		}
		wf := d.wf
		d.mu.Unlock()
		_ = d.tickets.SetStatus(taskID, ticket.StatusPending)
		_ = d.deps.Store.SaveWorkflow(wf)
	})
}

// stepDevelopment runs the dispatch/result loop over every subtask (§4.6
// step 3), including the per-task retry and escalation path (§4.7).
func (d *Driver) stepDevelopment(ctx context.Context) error {
	d.mu.Lock()
	d.initProgressLocked()
	wfID := d.wf.WorkflowID
	d.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		done, stuck := d.developmentDone()
		if done {
			break
		}

		for _, id := range d.readyTaskIDs() {
			if err := d.dispatch(ctx, id); err != nil {
				return err
			}
		}

		d.checkWorkerStalls()

		if stuck {
			ready := d.readyTaskIDs()
			if len(ready) == 0 {
				d.mu.Lock()
				d.recordErrorLocked(workflow.PhaseDevelopment, "development stalled: no dispatchable or in-flight subtasks remain", false)
				d.wf.Status = workflow.StatusFailed
				wf := d.wf
				d.mu.Unlock()
				_ = d.deps.Store.SaveWorkflow(wf)
				return fmt.Errorf("engine: development stalled for workflow %q", wfID)
			}
		}

		msgs, err := d.deps.Bus.Poll(ctx, wfID, pollInterval)
		if err != nil {
			return fmt.Errorf("engine: poll task results: %w", err)
		}
		for _, m := range msgs {
			if m.Type != bus.TypeTaskResult {
				continue
			}
			res, ok := m.Payload.(bus.TaskResult)
			if !ok {
				continue
			}
			if err := d.processResult(ctx, res, m.From); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	d.transitionLocked(workflow.PhaseQualityAssurance, "all subtasks complete")
	d.wf.Status = workflow.StatusRunning
	wf := d.wf
	d.mu.Unlock()
	return d.deps.Store.SaveWorkflow(wf)
}

// maxReviewPolls bounds how many pollInterval-spaced Bus.Poll rounds
// dispatchReview waits for a ReviewResponse before giving up with a timeout
// error, which processResult returns out of the development step, so a
// reviewer that never answers does not block development forever.
const maxReviewPolls = 30

// processResult applies one TaskResult: on success it records completion,
// dispatches a real review to a reviewer worker, and branches on the
// decision (§4.6 step 3 — approve marks the review approved without
// merging anything, reject returns the subtask to pending with feedback); on failure it retries up to MaxRetries, then
// raises an escalation and blocks for a decision.
func (d *Driver) processResult(ctx context.Context, res bus.TaskResult, workerID string) error {
	d.mu.Lock()
	st := d.wf.Progress.Subtasks[res.TicketID]
	d.mu.Unlock()
	if st == nil {
		return nil
	}

	_ = d.deps.Pool.Release(ctx, workerID)

	if res.Success {
		d.mu.Lock()
		now := d.deps.Clock.Now()
		st.Status = workflow.SubtaskCompleted
		st.CompletedAt = &now
		st.Branch = res.Branch
		st.Commits = append([]string(nil), res.Commits...)
		artifacts := append([]string(nil), st.Artifacts...)
		d.mu.Unlock()

		d.recordPerformance(st, workerID, true)

		if err := d.review.RequestReview(review.Request{TicketID: res.TicketID, WorkerID: workerID, Branch: res.Branch, Artifacts: artifacts}); err != nil {
			return fmt.Errorf("engine: request review: %w", err)
		}

		reviewerID, decision, feedback, err := d.dispatchReview(ctx, res.TicketID, res.Branch, artifacts)
		if err != nil {
			return fmt.Errorf("engine: dispatch review %q: %w", res.TicketID, err)
		}

		if _, err := d.review.SubmitReview(ctx, res.TicketID, reviewerID, decision, feedback); err != nil {
			return fmt.Errorf("engine: submit review: %w", err)
		}

		if decision == review.DecisionApprove {
			d.mu.Lock()
			st.ReviewStatus = workflow.ReviewApproved
			wf := d.wf
			d.mu.Unlock()
			_ = d.tickets.SetStatus(res.TicketID, ticket.StatusCompleted)
			return d.deps.Store.SaveWorkflow(wf)
		}

		d.mu.Lock()
		st.ReviewStatus = workflow.ReviewRejected
		st.Status = workflow.SubtaskPending
		st.Feedback = feedback
		wf := d.wf
		d.mu.Unlock()
		_ = d.tickets.SetStatus(res.TicketID, ticket.StatusRevisionRequired)
		return d.deps.Store.SaveWorkflow(wf)
	}

	d.mu.Lock()
	st.RetryCount++
	retryCount := st.RetryCount
	st.Feedback = strings.Join(res.Errors, "; ")
	if retryCount <= d.deps.MaxRetries {
		st.Status = workflow.SubtaskPending
	}
	wf := d.wf
	d.mu.Unlock()
	d.recordPerformance(st, workerID, false)
	if retryCount <= d.deps.MaxRetries {
		_ = d.tickets.SetStatus(res.TicketID, ticket.StatusRevisionRequired)
	}
	if err := d.deps.Store.SaveWorkflow(wf); err != nil {
		return err
	}
	if retryCount <= d.deps.MaxRetries {
		return nil
	}

	return d.escalate(ctx, st)
}

// dispatchReview acquires a review-type worker, sends it a ReviewRequest for
// ticketID, and blocks for up to maxReviewPolls rounds waiting for the
// matching ReviewResponse on the workflow's bus address. It returns the
// reviewer worker's id alongside the synthesized decision and feedback.
func (d *Driver) dispatchReview(ctx context.Context, ticketID, branch string, artifacts []string) (reviewerID string, decision review.Decision, feedback string, err error) {
	d.mu.Lock()
	wfID := d.wf.WorkflowID
	spec := d.deps.ContainerSpec
	d.mu.Unlock()

	reviewerID, err = d.deps.Pool.AcquireByType(ctx, worker.TypeReview, spec)
	if err != nil {
		return "", "", "", fmt.Errorf("acquire reviewer: %w", err)
	}
	defer func() { _ = d.deps.Pool.Release(ctx, reviewerID) }()

	if err := d.deps.Bus.Send(ctx, bus.Message{
		Type: bus.TypeReviewRequest, From: wfID, To: reviewerID,
		Payload: bus.ReviewRequest{TicketID: ticketID, WorkerID: reviewerID, Branch: branch, Artifacts: artifacts},
	}); err != nil {
		return reviewerID, "", "", fmt.Errorf("send review request: %w", err)
	}

	for i := 0; i < maxReviewPolls; i++ {
		if ctx.Err() != nil {
			return reviewerID, "", "", ctx.Err()
		}
		msgs, err := d.deps.Bus.Poll(ctx, wfID, pollInterval)
		if err != nil {
			return reviewerID, "", "", fmt.Errorf("poll review response: %w", err)
		}
		for _, m := range msgs {
			if m.Type != bus.TypeReviewResponse {
				continue
			}
			resp, ok := m.Payload.(bus.ReviewResponse)
			if !ok || resp.TicketID != ticketID {
				continue
			}
			if resp.Approved {
				return reviewerID, review.DecisionApprove, "", nil
			}
			return reviewerID, review.DecisionReject, resp.Feedback, nil
		}
	}
	return reviewerID, "", "", fmt.Errorf("review timed out waiting for ticket %q", ticketID)
}

// escalate raises an Escalation for a subtask that exhausted its retry
// budget and blocks until handleEscalation resolves it (§4.7).
func (d *Driver) escalate(ctx context.Context, st *workflow.SubtaskProgress) error {
	d.mu.Lock()
	esc := &workflow.Escalation{
		TaskID: st.ID, WorkerType: st.WorkerType, FailureDetails: st.Feedback,
		RetryCount: st.RetryCount, RaisedAt: d.deps.Clock.Now(),
	}
	d.wf.Escalation = esc
	d.wf.Status = workflow.StatusWaitingApproval
	wfID := d.wf.WorkflowID
	wf := d.wf
	d.mu.Unlock()
	_ = d.tickets.SetStatus(st.ID, ticket.StatusBlocked)
	if err := d.deps.Store.SaveWorkflow(wf); err != nil {
		return err
	}

	dec, err := d.deps.Approval.RequestApproval(ctx, wfID, workflow.PhaseDevelopment, esc)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wf.Status == workflow.StatusTerminated {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: escalation: %w", err)
	}

	d.wf.Escalation = nil
	d.wf.Status = workflow.StatusRunning

	switch workflow.EscalationAction(dec.Action) {
	case workflow.EscalationRetry:
		st.RetryCount = 0
		st.Status = workflow.SubtaskPending
		_ = d.tickets.SetStatus(st.ID, ticket.StatusPending)
	case workflow.EscalationSkip:
		st.Status = workflow.SubtaskSkipped
		_ = d.tickets.SetStatus(st.ID, ticket.StatusCompleted)
	case workflow.EscalationAbort:
		d.recordErrorLocked(workflow.PhaseDevelopment, "エスカレーション対応: abort", false)
		d.wf.Status = workflow.StatusTerminated
		_ = d.tickets.SetStatus(st.ID, ticket.StatusFailed)
	default:
		return fmt.Errorf("engine: unknown escalation action %q", dec.Action)
	}
	return d.deps.Store.SaveWorkflow(d.wf)
}

// stepQuality runs the quality gate against the integration workspace
// (§4.6 step 4). On failure it reopens the most recently completed
// subtask with the gate's feedback and loops back to development (§4.8).
func (d *Driver) stepQuality(ctx context.Context) error {
	results, err := d.deps.Gate.Run(ctx, d.deps.ContainerSpec.WorkspaceMount)
	if err != nil {
		return fmt.Errorf("engine: quality gate: %w", err)
	}

	d.recordTechDebt(results)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.wf.QualityResults = results

	if results.Overall {
		d.transitionLocked(workflow.PhaseDelivery, "quality gate passed")
		d.wf.Status = workflow.StatusRunning
		return d.deps.Store.SaveWorkflow(d.wf)
	}

	fb := qualitygate.DeriveFeedback(results)
	d.reopenLatestSubtaskLocked(fb)
	d.transitionLocked(workflow.PhaseDevelopment, "quality gate failed: "+strings.Join(fb.FailedGates, ","))
	d.wf.Status = workflow.StatusRunning
	return d.deps.Store.SaveWorkflow(d.wf)
}

// reopenLatestSubtaskLocked reassigns the most recently completed subtask
// back to pending, carrying the gate's fix instructions as feedback.
// Callers must hold d.mu.
func (d *Driver) reopenLatestSubtaskLocked(fb qualitygate.Feedback) {
	if d.wf.Progress == nil {
		return
	}
	var latest *workflow.SubtaskProgress
	for _, st := range d.wf.Progress.Subtasks {
		if st.Status != workflow.SubtaskCompleted || st.CompletedAt == nil {
			continue
		}
		if latest == nil || st.CompletedAt.After(*latest.CompletedAt) {
			latest = st
		}
	}
	if latest == nil {
		return
	}
	latest.Status = workflow.SubtaskPending
	latest.Feedback = strings.Join(fb.FixInstructions, "; ")
}

// recordPerformance emits a telemetry.PerformanceEvent for a finished
// subtask, if a Recorder is configured (§3.14). Best-effort: a recording
// failure is swallowed since it must never affect dispatch outcome.
func (d *Driver) recordPerformance(st *workflow.SubtaskProgress, workerID string, success bool) {
	if d.deps.Telemetry == nil {
		return
	}
	d.mu.Lock()
	var duration time.Duration
	if st.StartedAt != nil && st.CompletedAt != nil {
		duration = st.CompletedAt.Sub(*st.StartedAt)
	}
	ev := telemetry.PerformanceEvent{
		AgentID:    workerID,
		TaskID:     st.ID,
		WorkerType: st.WorkerType,
		Success:    success,
		Duration:   duration,
		Timestamp:  d.deps.Clock.Now(),
	}
	d.mu.Unlock()
	_ = d.deps.Telemetry.RecordPerformance(ev)
}

// recordTechDebt logs one lint/coverage drift sample per quality-gate run
// (§3.14). CoveragePct is a pass/fail proxy (100/0) since the test command's
// own coverage tooling output isn't parsed here.
func (d *Driver) recordTechDebt(results *workflow.QualityResults) {
	if d.deps.Telemetry == nil || results == nil {
		return
	}
	d.mu.Lock()
	projectID := d.wf.WorkflowID
	d.mu.Unlock()

	var lintIssues int
	if results.LintResult != nil {
		lintIssues = len(results.LintResult.Errors)
	}
	coverage := 0.0
	if results.TestResult != nil && results.TestResult.Passed {
		coverage = 100.0
	}

	_ = d.deps.Telemetry.RecordTechDebt(telemetry.TechDebtEvent{
		ProjectID:   projectID,
		LintIssues:  lintIssues,
		CoveragePct: coverage,
		Timestamp:   d.deps.Clock.Now(),
	})
}

// mergeReportChanges runs a pre-merge check between each completed
// subtask's branch and the configured integration branch, returning one
// summary line per branch for the Deliverable's change list. A detected
// conflict is noted in its branch's line; a subtask with no recorded branch
// (never dispatched through a VCS-backed worker) is left out. Returns nil
// if no VCS capability is configured.
func (d *Driver) mergeReportChanges(ctx context.Context) []string {
	if d.deps.VCS == nil {
		return nil
	}

	d.mu.Lock()
	var branches []string
	if d.wf.Progress != nil {
		for _, st := range d.wf.Progress.Subtasks {
			if st.Branch != "" {
				branches = append(branches, st.Branch)
			}
		}
	}
	d.mu.Unlock()
	sort.Strings(branches)

	var changes []string
	for _, branch := range branches {
		report, err := d.deps.VCS.MergeReport(ctx, d.deps.IntegrationBranch, branch)
		if err != nil {
			changes = append(changes, fmt.Sprintf("%s: merge report failed: %v", branch, err))
			continue
		}
		status := "clean"
		if report.Conflicts {
			status = "CONFLICTS"
		}
		changes = append(changes, fmt.Sprintf("%s -> %s: %d file(s), %d commit(s) ahead, %s",
			branch, d.deps.IntegrationBranch, len(report.FilesChanged), report.AheadCommits, status))
	}
	return changes
}

// stepDelivery assembles the Deliverable and blocks on a final approval
// (§4.6 step 5): approve completes the workflow, request_revision loops
// back to development, reject terminates it.
func (d *Driver) stepDelivery(ctx context.Context) error {
	d.mu.Lock()
	wfID, qr := d.wf.WorkflowID, d.wf.QualityResults
	d.mu.Unlock()

	reviewLog, err := d.deps.Store.ReadLog(wfID, runstore.ReviewsLogName)
	if err != nil {
		return fmt.Errorf("engine: read review log: %w", err)
	}
	var history []string
	for _, line := range strings.Split(strings.TrimRight(reviewLog, "\n"), "\n") {
		if line != "" {
			history = append(history, line)
		}
	}

	var testResults *workflow.GateResult
	if qr != nil {
		testResults = qr.TestResult
	}
	deliverable := &workflow.Deliverable{
		SummaryReport: fmt.Sprintf("Workflow %s is ready for delivery.", wfID),
		TestResults:   testResults,
		ReviewHistory: history,
	}
	deliverable.Changes = d.mergeReportChanges(ctx)

	dec, err := d.deps.Approval.RequestApproval(ctx, wfID, workflow.PhaseDelivery, deliverable)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wf.Status == workflow.StatusTerminated {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: delivery approval: %w", err)
	}

	d.wf.Deliverable = deliverable
	d.wf.ApprovalDecisions = append(d.wf.ApprovalDecisions, workflow.ApprovalDecision{
		Phase: workflow.PhaseDelivery, Action: dec.Action, Feedback: dec.Feedback, DecidedAt: dec.DecidedAt,
	})

	switch dec.Action {
	case workflow.ActionApprove:
		d.wf.Status = workflow.StatusCompleted
	case workflow.ActionRequestRevision:
		d.transitionLocked(workflow.PhaseDevelopment, "delivery revision requested: "+dec.Feedback)
		d.wf.Status = workflow.StatusRunning
	case workflow.ActionReject:
		d.recordErrorLocked(workflow.PhaseDelivery, "deliverable rejected", false)
		d.wf.Status = workflow.StatusTerminated
	default:
		return fmt.Errorf("engine: unknown approval action %q", dec.Action)
	}
	if err := d.deps.Store.SaveWorkflow(d.wf); err != nil {
		return err
	}
	if d.wf.Status == workflow.StatusCompleted || d.wf.Status == workflow.StatusTerminated {
		d.writeReportLocked(ctx)
	}
	return nil
}

// writeReportLocked renders report.md for the just-finished run. Reporter is
// optional; a failure here never fails the workflow itself (§3.12 is a
// summary artifact, not a correctness gate), it only leaves a trace in the
// error log for operators.
func (d *Driver) writeReportLocked(ctx context.Context) {
	if d.deps.Reporter == nil {
		return
	}
	if err := d.deps.Reporter.Write(ctx, d.wf.WorkflowID); err != nil {
		d.recordErrorLocked(workflow.PhaseDelivery, fmt.Sprintf("report render failed: %v", err), true)
	}
}

// rollback moves the workflow back to an earlier, non-terminal phase (§4.6
// rollbackToPhase), recording a transition whose reason names "rollback".
func (d *Driver) rollback(target workflow.Phase) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.wf.Status == workflow.StatusTerminated || d.wf.Status == workflow.StatusCompleted {
		return conflict("cannot roll back a %s workflow", d.wf.Status)
	}
	targetRank, currentRank := phaseRank(target), phaseRank(d.wf.CurrentPhase)
	if targetRank < 0 {
		return invalidArgument("unknown phase %q", target)
	}
	if targetRank >= currentRank {
		return invalidArgument("rollback target %q must precede current phase %q", target, d.wf.CurrentPhase)
	}

	d.transitionLocked(target, fmt.Sprintf("rollback to %s", target))
	if target == workflow.PhaseApproval {
		d.wf.Status = workflow.StatusWaitingApproval
	} else {
		d.wf.Status = workflow.StatusRunning
	}
	return d.deps.Store.SaveWorkflow(d.wf)
}

// terminate sets the absorbing terminated status and unblocks any pending
// approval/escalation wait so the driver goroutine can exit.
func (d *Driver) terminate(reason string) error {
	d.mu.Lock()
	if d.wf.Status == workflow.StatusTerminated || d.wf.Status == workflow.StatusCompleted {
		d.mu.Unlock()
		return nil
	}
	d.recordErrorLocked(d.wf.CurrentPhase, "terminated: "+reason, false)
	d.wf.Status = workflow.StatusTerminated
	d.wf.UpdatedAt = d.deps.Clock.Now()
	wfID, wf, cancel := d.wf.WorkflowID, d.wf, d.cancel
	d.mu.Unlock()

	err := d.deps.Store.SaveWorkflow(wf)
	if cancelErr := d.deps.Approval.CancelApproval(wfID, reason); cancelErr != nil && !errors.Is(cancelErr, approval.ErrNoPendingApproval) {
		return cancelErr
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// handleEscalation resolves a pending escalation via the same ApprovalGate
// RequestApproval blocked on in escalate().
func (d *Driver) handleEscalation(action workflow.EscalationAction, reason string) error {
	d.mu.Lock()
	hasEscalation := d.wf.Escalation != nil
	wfID := d.wf.WorkflowID
	d.mu.Unlock()
	if !hasEscalation {
		return conflict("workflow %q has no pending escalation", wfID)
	}

	if err := d.deps.Approval.SubmitDecision(wfID, workflow.ApprovalAction(action), reason); err != nil {
		if errors.Is(err, approval.ErrNoPendingApproval) {
			return conflict("workflow %q has no pending escalation decision", wfID)
		}
		return internal("submit escalation decision", err)
	}
	return nil
}
