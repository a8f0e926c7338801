package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/agentcompany/approval"
	"github.com/c360studio/agentcompany/bus"
	"github.com/c360studio/agentcompany/container"
	"github.com/c360studio/agentcompany/ids"
	"github.com/c360studio/agentcompany/qualitygate"
	"github.com/c360studio/agentcompany/report"
	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/ticket"
	"github.com/c360studio/agentcompany/vcs"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
	"github.com/stretchr/testify/require"
)

type fakeVCS struct {
	reports map[string]vcs.MergeReport
}

func (f *fakeVCS) Branch(ctx context.Context, name, base string) error { return nil }
func (f *fakeVCS) Commit(ctx context.Context, message string, stageAll bool) (vcs.CommitInfo, error) {
	return vcs.CommitInfo{}, nil
}
func (f *fakeVCS) CurrentBranch(ctx context.Context) (string, error) { return "", nil }
func (f *fakeVCS) MergeReport(ctx context.Context, base, head string) (vcs.MergeReport, error) {
	if r, ok := f.reports[head]; ok {
		return r, nil
	}
	return vcs.MergeReport{Base: base, Head: head}, nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	store, err := runstore.New(t.TempDir())
	require.NoError(t, err)

	return Deps{
		Store:       store,
		Bus:         bus.NewMemoryBus(),
		Approval:    approval.New(),
		Pool:        worker.NewPool(4, time.Minute, container.NewFakeRuntime()),
		Types:       worker.NewDefaultRegistry(),
		Gate:        qualitygate.New(qualitygate.Command{Name: "true"}, qualitygate.Command{Name: "true"}),
		Clock:       ids.SystemClock{},
		Facilitator: "ceo",
		ContainerSpec: container.Spec{
			Image: "agentcompany/worker", ResultsMount: "/results", WorkspaceMount: t.TempDir(),
		},
		MaxRetries:          2,
		MeetingParticipants: nil, // empty quorum resolves Convene immediately
	}
}

// autoCompleteSubtasks runs until stopped, watching wfID's progress for
// newly assigned subtasks and sending a successful bus.TaskResult for each
// one exactly once, standing in for the worker containers a real dispatch
// would wait on.
func autoCompleteSubtasks(t *testing.T, e *Engine, b bus.Bus, wfID string) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		answered := make(map[string]bool)
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			wf, err := e.GetWorkflowState(wfID)
			if err != nil || wf.Progress == nil {
				continue
			}
			for id, st := range wf.Progress.Subtasks {
				if answered[id] || st.Status != workflow.SubtaskAssigned || st.AssignedWorkerID == "" {
					continue
				}
				answered[id] = true
				_ = b.Send(context.Background(), bus.Message{
					Type: bus.TypeTaskResult, From: st.AssignedWorkerID, To: wfID,
					Payload: bus.TaskResult{TicketID: id, Success: true, Output: "done"},
				})
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// autoApproveReviews stands in for a reviewer worker: it watches every
// recipient the memory bus has a queued message for, and approves any
// ReviewRequest it finds, exactly once per reviewer address.
func autoApproveReviews(t *testing.T, b *bus.MemoryBus, wfID string) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		answered := make(map[string]bool)
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			for _, to := range b.PendingRecipients() {
				if answered[to] || to == wfID {
					continue
				}
				msgs, err := b.Poll(context.Background(), to, 0)
				if err != nil {
					continue
				}
				for _, m := range msgs {
					if m.Type != bus.TypeReviewRequest {
						continue
					}
					req, ok := m.Payload.(bus.ReviewRequest)
					if !ok {
						continue
					}
					answered[to] = true
					_ = b.Send(context.Background(), bus.Message{
						Type: bus.TypeReviewResponse, From: to, To: wfID,
						Payload: bus.ReviewResponse{TicketID: req.TicketID, Approved: true},
					})
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// TestStartWorkflowHappyPathCompletes drives a workflow through every phase
// to completion (S1), exercising the proposal -> approval -> development ->
// quality_assurance -> delivery chain end to end.
func TestStartWorkflowHappyPathCompletes(t *testing.T) {
	deps := testDeps(t)
	e := New(deps)

	wfID, err := e.StartWorkflow(context.Background(), "ship the thing", "proj-1")
	require.NoError(t, err)
	defer autoCompleteSubtasks(t, e, deps.Bus, wfID)()
	defer autoApproveReviews(t, deps.Bus.(*bus.MemoryBus), wfID)()

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusWaitingApproval && wf.CurrentPhase == workflow.PhaseApproval
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, deps.Approval.SubmitDecision(wfID, workflow.ActionApprove, ""))

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.CurrentPhase == workflow.PhaseDelivery
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, deps.Approval.SubmitDecision(wfID, workflow.ActionApprove, ""))

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	wf, err := e.GetWorkflowState(wfID)
	require.NoError(t, err)
	require.Len(t, wf.ApprovalDecisions, 2)
	require.True(t, wf.QualityResults.Overall)

	persisted, err := deps.Store.LoadWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, persisted.Status)
}

// TestWorkspaceStagingAndReportWriting covers the workspace-brief staging
// done by Driver.dispatch (§3.18) and the report.md rendered by Reporter on
// completion (§3.12): both are optional Deps wired only when WorkspaceRoot
// and Reporter are set, so this exercises them explicitly rather than
// relying on the zero-value path the other tests take.
func TestWorkspaceStagingAndReportWriting(t *testing.T) {
	deps := testDeps(t)
	runRoot := t.TempDir()
	store, err := runstore.New(runRoot)
	require.NoError(t, err)
	deps.Store = store
	workspaceRoot := t.TempDir()
	deps.WorkspaceRoot = workspaceRoot
	deps.Reporter = report.NewReporter(deps.Store)

	e := New(deps)
	wfID, err := e.StartWorkflow(context.Background(), "ship the thing", "proj-1")
	require.NoError(t, err)
	defer autoCompleteSubtasks(t, e, deps.Bus, wfID)()
	defer autoApproveReviews(t, deps.Bus.(*bus.MemoryBus), wfID)()

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusWaitingApproval && wf.CurrentPhase == workflow.PhaseApproval
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, deps.Approval.SubmitDecision(wfID, workflow.ActionApprove, ""))

	var briefPath string
	require.Eventually(t, func() bool {
		_ = filepath.Walk(filepath.Join(workspaceRoot, wfID), func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && info.Name() == "TASK.md" {
				briefPath = path
			}
			return nil
		})
		return briefPath != ""
	}, 2*time.Second, 5*time.Millisecond)
	brief, err := os.ReadFile(briefPath)
	require.NoError(t, err)
	require.Contains(t, string(brief), "# Task ")

	require.NoError(t, deps.Approval.SubmitDecision(wfID, workflow.ActionApprove, ""))
	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	reportPath := filepath.Join(runRoot, wfID, "report.md")
	require.Eventually(t, func() bool {
		_, err := os.Stat(reportPath)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	rendered, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, string(rendered), wfID)
}

// TestApprovalRejectTerminatesWorkflow covers S3: a reject at the approval
// gate terminates the workflow without ever entering development.
func TestApprovalRejectTerminatesWorkflow(t *testing.T) {
	deps := testDeps(t)
	e := New(deps)

	wfID, err := e.StartWorkflow(context.Background(), "risky change", "proj-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, pending := deps.Approval.HasPending(wfID)
		return pending
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, deps.Approval.SubmitDecision(wfID, workflow.ActionReject, "not worth the risk"))

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusTerminated
	}, 2*time.Second, 5*time.Millisecond)
}

// TestTerminateWorkflowUnblocksPendingApproval verifies TerminateWorkflow
// cancels an in-flight approval wait rather than leaving the driver
// goroutine blocked forever.
func TestTerminateWorkflowUnblocksPendingApproval(t *testing.T) {
	deps := testDeps(t)
	e := New(deps)

	wfID, err := e.StartWorkflow(context.Background(), "will be cancelled", "proj-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, pending := deps.Approval.HasPending(wfID)
		return pending
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.TerminateWorkflow(wfID, "operator cancelled"))

	require.Eventually(t, func() bool {
		wf, err := e.GetWorkflowState(wfID)
		return err == nil && wf.Status == workflow.StatusTerminated
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, e.TerminateWorkflow("no-such-workflow", "x"))
}

func newTestDriver(t *testing.T, phase workflow.Phase) (*Driver, Deps) {
	t.Helper()
	deps := testDeps(t)
	wf := &workflow.Workflow{
		WorkflowID: "wf-unit", ProjectID: "proj-1", Instruction: "do it",
		CurrentPhase: phase, Status: workflow.StatusRunning,
		CreatedAt: deps.Clock.Now(), UpdatedAt: deps.Clock.Now(),
	}
	require.NoError(t, deps.Store.CreateRunDir(wf.WorkflowID))
	require.NoError(t, deps.Store.SaveWorkflow(wf))
	return newDriver(wf, deps), deps
}

func TestRollbackRejectsForwardOrSamePhaseTarget(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseQualityAssurance)

	err := d.rollback(workflow.PhaseDelivery)
	require.Error(t, err)
	require.Equal(t, KindInvalidArgument, err.(*EngineError).Kind())

	err = d.rollback(workflow.PhaseQualityAssurance)
	require.Error(t, err)
}

func TestRollbackRecordsReasonContainingRollback(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseQualityAssurance)

	require.NoError(t, d.rollback(workflow.PhaseDevelopment))

	snap := d.snapshot()
	require.Equal(t, workflow.PhaseDevelopment, snap.CurrentPhase)
	last := snap.PhaseHistory[len(snap.PhaseHistory)-1]
	require.Equal(t, workflow.PhaseQualityAssurance, last.From)
	require.Equal(t, workflow.PhaseDevelopment, last.To)
	require.Contains(t, last.Reason, "rollback")
}

func TestRollbackRefusesTerminalWorkflow(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseDelivery)
	require.NoError(t, d.terminate("done here"))

	err := d.rollback(workflow.PhaseProposal)
	require.Error(t, err)
	require.Equal(t, KindConflict, err.(*EngineError).Kind())
}

func TestHandleEscalationAbortRecordsLiteralJapaneseMessage(t *testing.T) {
	d, deps := newTestDriver(t, workflow.PhaseDevelopment)
	d.mu.Lock()
	d.wf.Progress = &workflow.Progress{Subtasks: map[string]*workflow.SubtaskProgress{
		"task-1": {ID: "task-1", WorkerType: string(worker.TypeDeveloper), Status: workflow.SubtaskRunning, RetryCount: 3},
	}}
	st := d.wf.Progress.Subtasks["task-1"]
	d.mu.Unlock()

	escalated := make(chan error, 1)
	go func() {
		escalated <- d.escalate(context.Background(), st)
	}()

	require.Eventually(t, func() bool {
		_, pending := deps.Approval.HasPending("wf-unit")
		return pending
	}, 2*time.Second, 5*time.Millisecond)

	pending := d.snapshot()
	require.Equal(t, workflow.StatusWaitingApproval, pending.Status, "escalation != null must imply status = waiting_approval")
	require.NotNil(t, pending.Escalation)

	require.NoError(t, d.handleEscalation(workflow.EscalationAbort, "budget exhausted"))

	select {
	case err := <-escalated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("escalate did not return")
	}

	snap := d.snapshot()
	require.Equal(t, workflow.StatusTerminated, snap.Status)
	found := false
	for _, entry := range snap.ErrorLog {
		if entry.Message == "エスカレーション対応: abort" {
			found = true
		}
	}
	require.True(t, found, "expected literal abort error-log message")
}

func TestHandleEscalationRetryResetsSubtask(t *testing.T) {
	d, deps := newTestDriver(t, workflow.PhaseDevelopment)
	d.mu.Lock()
	d.wf.Progress = &workflow.Progress{Subtasks: map[string]*workflow.SubtaskProgress{
		"task-1": {ID: "task-1", WorkerType: string(worker.TypeDeveloper), Status: workflow.SubtaskRunning, RetryCount: 3},
	}}
	st := d.wf.Progress.Subtasks["task-1"]
	d.mu.Unlock()

	go func() { _ = d.escalate(context.Background(), st) }()
	require.Eventually(t, func() bool {
		_, pending := deps.Approval.HasPending("wf-unit")
		return pending
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.handleEscalation(workflow.EscalationRetry, "try once more"))

	require.Eventually(t, func() bool {
		return st.Status == workflow.SubtaskPending && st.RetryCount == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// TestTicketStatusTracksSubtaskDispatchAndCompletion verifies the ticket
// tree seeded in initProgressLocked propagates through dispatch and
// processResult: the task ticket moves pending -> in_progress -> completed,
// and the parent workflow ticket's lub follows it to completed.
func TestTicketStatusTracksSubtaskDispatchAndCompletion(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseDevelopment)

	d.mu.Lock()
	d.wf.Proposal = &workflow.Proposal{
		TaskBreakdown: []workflow.TaskBreakdownItem{
			{ID: "task-1", Title: "build it", WorkerType: string(worker.TypeDeveloper)},
		},
	}
	d.initProgressLocked()
	d.mu.Unlock()

	status, ok := d.ticketStatus("task-1")
	require.True(t, ok)
	require.Equal(t, ticket.StatusPending, status)

	require.NoError(t, d.dispatch(context.Background(), "task-1"))

	d.mu.Lock()
	workerID := d.wf.Progress.Subtasks["task-1"].AssignedWorkerID
	d.mu.Unlock()

	status, ok = d.ticketStatus("task-1")
	require.True(t, ok)
	require.Equal(t, ticket.StatusInProgress, status)

	defer autoApproveReviews(t, d.deps.Bus.(*bus.MemoryBus), d.wf.WorkflowID)()
	require.NoError(t, d.processResult(context.Background(), bus.TaskResult{TicketID: "task-1", Success: true}, workerID))

	status, ok = d.ticketStatus("task-1")
	require.True(t, ok)
	require.Equal(t, ticket.StatusCompleted, status)

	parentStatus, ok := d.ticketStatus("wf-unit")
	require.True(t, ok)
	require.Equal(t, ticket.StatusCompleted, parentStatus)
}

// TestReadyTaskIDsTreatsSkippedDependencyAsSatisfied verifies §4.7's
// escalation-skip rule: a downstream subtask becomes ready once its
// dependency is skipped, not only when it completes normally.
func TestReadyTaskIDsTreatsSkippedDependencyAsSatisfied(t *testing.T) {
	d, deps := newTestDriver(t, workflow.PhaseDevelopment)
	d.mu.Lock()
	d.wf.Proposal = &workflow.Proposal{
		TaskBreakdown: []workflow.TaskBreakdownItem{
			{ID: "task-1", Title: "flaky dependency", WorkerType: string(worker.TypeDeveloper)},
			{ID: "task-2", Title: "depends on task-1", WorkerType: string(worker.TypeDeveloper)},
		},
		Dependencies: []workflow.Dependency{{From: "task-1", To: "task-2"}},
	}
	d.initProgressLocked()
	st := d.wf.Progress.Subtasks["task-1"]
	st.Status = workflow.SubtaskRunning
	st.RetryCount = 3
	d.mu.Unlock()

	require.Empty(t, d.readyTaskIDs())

	go func() { _ = d.escalate(context.Background(), st) }()
	require.Eventually(t, func() bool {
		_, pending := deps.Approval.HasPending("wf-unit")
		return pending
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.handleEscalation(workflow.EscalationSkip, "known flaky, skip it"))

	require.Eventually(t, func() bool {
		return st.Status == workflow.SubtaskSkipped
	}, 2*time.Second, 5*time.Millisecond)

	require.ElementsMatch(t, []string{"task-2"}, d.readyTaskIDs())
}

func TestHandleEscalationWithoutPendingFails(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseDevelopment)
	err := d.handleEscalation(workflow.EscalationRetry, "nope")
	require.Error(t, err)
	require.Equal(t, KindConflict, err.(*EngineError).Kind())
}

// TestMergeReportChangesSummarizesPerBranchAndFlagsConflicts verifies
// stepDelivery's pre-merge check surfaces one line per subtask branch,
// including a CONFLICTS marker when VCS reports one.
func TestMergeReportChangesSummarizesPerBranchAndFlagsConflicts(t *testing.T) {
	d, deps := newTestDriver(t, workflow.PhaseDelivery)
	deps.IntegrationBranch = "develop"
	d.deps.VCS = &fakeVCS{reports: map[string]vcs.MergeReport{
		"feature/task-1": {FilesChanged: []vcs.FileChange{{Path: "a.go", Operation: "add"}}, AheadCommits: 1},
		"feature/task-2": {Conflicts: true, AheadCommits: 2},
	}}
	d.deps.IntegrationBranch = "develop"

	d.mu.Lock()
	d.wf.Progress = &workflow.Progress{Subtasks: map[string]*workflow.SubtaskProgress{
		"task-1": {ID: "task-1", Branch: "feature/task-1"},
		"task-2": {ID: "task-2", Branch: "feature/task-2"},
		"task-3": {ID: "task-3"}, // no branch recorded: skipped
	}}
	d.mu.Unlock()

	changes := d.mergeReportChanges(context.Background())
	require.Len(t, changes, 2)
	joined := strings.Join(changes, "\n")
	require.Contains(t, joined, "feature/task-1 -> develop: 1 file(s), 1 commit(s) ahead, clean")
	require.Contains(t, joined, "feature/task-2 -> develop: 0 file(s), 2 commit(s) ahead, CONFLICTS")
}

func TestMergeReportChangesNilWithoutVCS(t *testing.T) {
	d, _ := newTestDriver(t, workflow.PhaseDelivery)
	require.Nil(t, d.mergeReportChanges(context.Background()))
}
