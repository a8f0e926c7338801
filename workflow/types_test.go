package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validProposal() *Proposal {
	return &Proposal{
		Version: 1,
		Summary: "Implement login endpoint",
		Scope:   "auth service",
		TaskBreakdown: []TaskBreakdownItem{
			{ID: "task-1", Title: "build endpoint", WorkerType: "developer"},
			{ID: "task-2", Title: "write tests", WorkerType: "test"},
		},
		WorkerAssignments: []WorkerAssignment{
			{TaskID: "task-1", WorkerType: "developer", Rationale: "matched developer keywords"},
			{TaskID: "task-2", WorkerType: "test", Rationale: "matched test keywords"},
		},
		RiskAssessment: []Risk{
			{Description: "scope creep", Severity: RiskMedium, Mitigation: "re-plan at QA"},
		},
		Dependencies:      []Dependency{{From: "task-1", To: "task-2"}},
		MeetingMinutesIDs: []string{"meeting-1"},
		CreatedAt:         time.Now().UTC(),
	}
}

func TestValidateProposalAcceptsWellFormedProposal(t *testing.T) {
	require.NoError(t, ValidateProposal(validProposal()))
}

func TestValidateProposalRejectsEmptyTaskBreakdown(t *testing.T) {
	p := validProposal()
	p.TaskBreakdown = nil
	require.Error(t, ValidateProposal(p))
}

func TestValidateProposalRejectsMissingWorkerAssignment(t *testing.T) {
	p := validProposal()
	p.WorkerAssignments = p.WorkerAssignments[:1]
	require.Error(t, ValidateProposal(p))
}

func TestValidateProposalRejectsDanglingDependency(t *testing.T) {
	p := validProposal()
	p.Dependencies = append(p.Dependencies, Dependency{From: "task-1", To: "task-404"})
	require.Error(t, ValidateProposal(p))
}

func TestValidateProposalRejectsCycle(t *testing.T) {
	p := validProposal()
	p.Dependencies = []Dependency{
		{From: "task-1", To: "task-2"},
		{From: "task-2", To: "task-1"},
	}
	require.Error(t, ValidateProposal(p))
}

func TestValidateProposalRejectsEmptyRiskAssessment(t *testing.T) {
	p := validProposal()
	p.RiskAssessment = nil
	require.Error(t, ValidateProposal(p))
}

func TestWorkflowDeepCopyIsIndependent(t *testing.T) {
	wf := &Workflow{
		WorkflowID:   "wf-1",
		CurrentPhase: PhaseDevelopment,
		Status:       StatusRunning,
		PhaseHistory: []PhaseTransition{{From: PhaseProposal, To: PhaseApproval, Reason: "drafted"}},
		Proposal:     validProposal(),
		Progress: &Progress{Subtasks: map[string]*SubtaskProgress{
			"task-1": {ID: "task-1", Status: SubtaskRunning, Artifacts: []string{"a.go"}},
		}},
		Unknown: map[string]any{"futureField": "kept"},
	}

	cp := wf.DeepCopy()
	cp.PhaseHistory[0].Reason = "mutated"
	cp.Proposal.TaskBreakdown[0].Title = "mutated"
	cp.Progress.Subtasks["task-1"].Artifacts[0] = "mutated"
	cp.Unknown["futureField"] = "mutated"

	require.Equal(t, "drafted", wf.PhaseHistory[0].Reason)
	require.Equal(t, "build endpoint", wf.Proposal.TaskBreakdown[0].Title)
	require.Equal(t, "a.go", wf.Progress.Subtasks["task-1"].Artifacts[0])
	require.Equal(t, "kept", wf.Unknown["futureField"])
}

func TestWorkflowDeepCopyNilIsNil(t *testing.T) {
	var wf *Workflow
	require.Nil(t, wf.DeepCopy())
}
