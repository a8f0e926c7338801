package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcompany/workflow"
)

func TestRenderIncludesAllRequiredSections(t *testing.T) {
	wf := &workflow.Workflow{
		WorkflowID:   "wf-1",
		CurrentPhase: workflow.PhaseDelivery,
		Status:       workflow.StatusCompleted,
		PhaseHistory: []workflow.PhaseTransition{
			{From: workflow.PhaseProposal, To: workflow.PhaseApproval, Timestamp: time.Unix(0, 0).UTC(), Reason: "proposal approved"},
		},
		QualityResults: &workflow.QualityResults{
			LintResult: &workflow.GateResult{Passed: true, Duration: time.Second},
			TestResult: &workflow.GateResult{Passed: true, Duration: 2 * time.Second},
			Overall:    true,
		},
		Deliverable: &workflow.Deliverable{
			SummaryReport: "Shipped the feature.",
			Changes:       []string{"added handler.go"},
			Artifacts:     []string{"artifacts/handler.go"},
		},
	}
	meta := &workflow.RunTaskMetadata{Instruction: "add the handler"}

	md := Render(wf, meta, "2026-07-30T00:00:00Z [REQUEST] ticket=task-1 worker=worker-1\n")

	for _, section := range []string{
		"# 実行レポート: wf-1",
		"## ステータス",
		"## タイムライン",
		"## 変更点",
		"## 品質ゲート結果",
		"## 会話サマリー",
		"## 成果物",
	} {
		require.Contains(t, md, section)
	}
	require.Contains(t, md, "add the handler")
	require.Contains(t, md, "added handler.go")
	require.Contains(t, md, "PASS")
}

func TestRenderHandlesEmptyWorkflow(t *testing.T) {
	wf := &workflow.Workflow{WorkflowID: "wf-empty", CurrentPhase: workflow.PhaseProposal, Status: workflow.StatusRunning}

	md := Render(wf, nil, "")

	require.Contains(t, md, "no phase transitions recorded")
	require.Contains(t, md, "no changes recorded")
	require.Contains(t, md, "quality gates not yet run")
	require.Contains(t, md, "no review activity recorded")
	require.Contains(t, md, "no deliverable assembled yet")
}
