package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcompany/workflow"
)

func newStatusCommand(client func() *Client) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "status [workflowId]",
		Short: "Show one workflow's detailed state, or list every known workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				var wf workflow.Workflow
				if err := client().do(cmd.Context(), "GET", "/workflows/"+args[0], nil, &wf); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), formatWorkflow(&wf))
				return nil
			}

			path := "/workflows"
			if statusFilter != "" {
				path += "?status=" + statusFilter
			}
			var workflows []*workflow.Workflow
			if err := client().do(cmd.Context(), "GET", path, nil, &workflows); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatWorkflowList(workflows))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "filter", "", "only list workflows in this status (running, waiting_approval, paused, completed, failed, terminated)")
	return cmd
}

func formatWorkflowList(workflows []*workflow.Workflow) string {
	if len(workflows) == 0 {
		return "No workflows found.\n\nRun `agentcompanyctl start \"<instruction>\"` to create one.\n"
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].UpdatedAt.After(workflows[j].UpdatedAt) })

	var sb strings.Builder
	sb.WriteString("## Workflows\n\n")
	sb.WriteString("| ID | Phase | Status | Updated |\n")
	sb.WriteString("|----|-------|--------|---------|\n")
	for _, wf := range workflows {
		sb.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s |\n",
			wf.WorkflowID, wf.CurrentPhase, statusIcon(wf.Status), wf.UpdatedAt.Format("2006-01-02 15:04")))
	}
	sb.WriteString(fmt.Sprintf("\n*%d workflow(s)*\n", len(workflows)))
	return sb.String()
}

func formatWorkflow(wf *workflow.Workflow) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Workflow `%s`\n\n", wf.WorkflowID))
	sb.WriteString(fmt.Sprintf("**Project:** %s\n", wf.ProjectID))
	sb.WriteString(fmt.Sprintf("**Instruction:** %s\n", wf.Instruction))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", statusIcon(wf.Status)))
	sb.WriteString(phaseProgress(wf.CurrentPhase))
	sb.WriteString("\n")

	if wf.Progress != nil && len(wf.Progress.Subtasks) > 0 {
		sb.WriteString("### Subtasks\n\n")
		sb.WriteString("| Task | Status | Worker |\n")
		sb.WriteString("|------|--------|--------|\n")
		ids := make([]string, 0, len(wf.Progress.Subtasks))
		for id := range wf.Progress.Subtasks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := wf.Progress.Subtasks[id]
			sb.WriteString(fmt.Sprintf("| `%s` | %s | %s |\n", id, st.Status, st.AssignedWorkerID))
		}
		sb.WriteString("\n")
	}

	if wf.Escalation != nil {
		sb.WriteString("### Pending Escalation\n\n")
		sb.WriteString(fmt.Sprintf("Task `%s` (%s) failed %d time(s): %s\n\n",
			wf.Escalation.TaskID, wf.Escalation.WorkerType, wf.Escalation.RetryCount, wf.Escalation.FailureDetails))
		sb.WriteString("Resolve with `agentcompanyctl escalate " + wf.WorkflowID + " <retry|skip|abort>`.\n\n")
	}

	if len(wf.ErrorLog) > 0 {
		sb.WriteString("### Recent Errors\n\n")
		start := 0
		if len(wf.ErrorLog) > 5 {
			start = len(wf.ErrorLog) - 5
		}
		for _, e := range wf.ErrorLog[start:] {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", e.Phase, e.Message))
		}
	}

	return sb.String()
}

func phaseProgress(current workflow.Phase) string {
	stages := []workflow.Phase{
		workflow.PhaseProposal,
		workflow.PhaseApproval,
		workflow.PhaseDevelopment,
		workflow.PhaseQualityAssurance,
		workflow.PhaseDelivery,
	}

	currentIdx := -1
	for i, s := range stages {
		if s == current {
			currentIdx = i
			break
		}
	}

	var sb strings.Builder
	sb.WriteString("```\n")
	for i, s := range stages {
		if i <= currentIdx {
			sb.WriteString(fmt.Sprintf("[x] %s", s))
		} else {
			sb.WriteString(fmt.Sprintf("[ ] %s", s))
		}
		if i < len(stages)-1 {
			sb.WriteString(" -> ")
		}
	}
	sb.WriteString("\n```\n")
	return sb.String()
}

func statusIcon(status workflow.Status) string {
	switch status {
	case workflow.StatusRunning:
		return "running"
	case workflow.StatusWaitingApproval:
		return "waiting_approval"
	case workflow.StatusPaused:
		return "paused"
	case workflow.StatusCompleted:
		return "completed"
	case workflow.StatusFailed:
		return "failed"
	case workflow.StatusTerminated:
		return "terminated"
	default:
		return string(status)
	}
}
