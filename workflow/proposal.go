package workflow

import (
	"fmt"
	"strings"
)

// ValidateProposal checks the invariants §3.2 and testable property #2
// require of a Proposal before it is persisted and handed to the
// ApprovalGate: every required field is non-empty, every worker assignment
// and dependency references a real task id, every task has exactly one
// worker assignment, and Dependencies forms a DAG.
func ValidateProposal(p *Proposal) error {
	if p == nil {
		return fmt.Errorf("workflow: proposal is nil")
	}
	if strings.TrimSpace(p.Summary) == "" {
		return fmt.Errorf("workflow: proposal summary is empty")
	}
	if strings.TrimSpace(p.Scope) == "" {
		return fmt.Errorf("workflow: proposal scope is empty")
	}
	if len(p.TaskBreakdown) == 0 {
		return fmt.Errorf("workflow: proposal task breakdown is empty")
	}
	if len(p.WorkerAssignments) == 0 {
		return fmt.Errorf("workflow: proposal worker assignments are empty")
	}
	if len(p.RiskAssessment) == 0 {
		return fmt.Errorf("workflow: proposal risk assessment is empty")
	}
	if len(p.MeetingMinutesIDs) == 0 {
		return fmt.Errorf("workflow: proposal has no meeting minutes")
	}

	taskIDs := make(map[string]bool, len(p.TaskBreakdown))
	for _, t := range p.TaskBreakdown {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("workflow: task breakdown item has empty id")
		}
		if taskIDs[t.ID] {
			return fmt.Errorf("workflow: duplicate task id %q", t.ID)
		}
		taskIDs[t.ID] = true
	}

	assigned := make(map[string]bool, len(p.WorkerAssignments))
	for _, a := range p.WorkerAssignments {
		if !taskIDs[a.TaskID] {
			return fmt.Errorf("workflow: worker assignment references unknown task %q", a.TaskID)
		}
		assigned[a.TaskID] = true
	}
	for id := range taskIDs {
		if !assigned[id] {
			return fmt.Errorf("workflow: task %q has no worker assignment", id)
		}
	}

	adjacency := make(map[string][]string, len(taskIDs))
	for _, dep := range p.Dependencies {
		if !taskIDs[dep.From] {
			return fmt.Errorf("workflow: dependency references unknown task %q", dep.From)
		}
		if !taskIDs[dep.To] {
			return fmt.Errorf("workflow: dependency references unknown task %q", dep.To)
		}
		adjacency[dep.From] = append(adjacency[dep.From], dep.To)
	}

	return checkAcyclic(taskIDs, adjacency)
}

// checkAcyclic runs a DFS with white/gray/black coloring over adjacency,
// returning an error naming the first back-edge found (a cycle) if any.
func checkAcyclic(nodes map[string]bool, adjacency map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	var visit func(string) error
	visit = func(n string) error {
		color[n] = gray
		for _, next := range adjacency[n] {
			switch color[next] {
			case gray:
				return fmt.Errorf("workflow: dependency cycle detected through task %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}

	for id := range nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
