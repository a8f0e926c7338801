// Package meeting implements MeetingCoordinator (§4.5): a bounded
// multi-agent dialogue conducted over AgentBus that produces MeetingMinutes
// and, from those minutes, a Proposal.
//
// Conceptually grounded on the fan-out/fan-in shape of the teacher's
// workflow/reactive/coordination_loop.go (invite participants, collect
// results, merge into a synthesis) but re-expressed as a plain Go function
// driving bus.Bus.Poll directly, since that file's actual implementation is
// tightly coupled to a private reactive-rule DSL (semstreams/processor/reactive)
// that has no place in an in-process engine.
package meeting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/agentcompany/bus"
	"github.com/c360studio/agentcompany/ids"
	"github.com/c360studio/agentcompany/statestore"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
)

// Coordinator convenes meetings over a Bus.
type Coordinator struct {
	bus           bus.Bus
	facilitatorID string
	roundBudget   int
	roundTimeout  time.Duration
	store         *statestore.Store
}

// New returns a Coordinator that facilitates meetings as facilitatorID,
// collecting statements for up to roundBudget rounds, each bounded by
// roundTimeout.
func New(b bus.Bus, facilitatorID string, roundBudget int, roundTimeout time.Duration) *Coordinator {
	if roundBudget <= 0 {
		roundBudget = 1
	}
	return &Coordinator{bus: b, facilitatorID: facilitatorID, roundBudget: roundBudget, roundTimeout: roundTimeout}
}

// WithStore attaches a statestore.Store that Convene persists minutes to.
// Without a store, Convene still returns the minutes but nothing is
// written to runtime/state.
func (c *Coordinator) WithStore(s *statestore.Store) *Coordinator {
	c.store = s
	return c
}

// Convene sends a meeting_invite to every participant, collects
// meeting_statement messages until quorum (all participants have spoken) or
// the round budget is exhausted, and returns the resulting MeetingMinutes.
func (c *Coordinator) Convene(ctx context.Context, workflowID, topic string, participants []string) (*workflow.MeetingMinutes, error) {
	meetingID := fmt.Sprintf("meeting-%s", ids.NewMessageID())

	for _, p := range participants {
		if err := c.bus.Send(ctx, bus.Message{
			Type: bus.TypeMeetingInvite, From: c.facilitatorID, To: p,
			Payload: bus.MeetingInvite{MeetingID: meetingID, Topic: topic},
		}); err != nil {
			return nil, fmt.Errorf("meeting: invite %s: %w", p, err)
		}
	}

	spoken := make(map[string]bool, len(participants))
	var statements []workflow.Statement

	for round := 0; round < c.roundBudget && len(spoken) < len(participants); round++ {
		msgs, err := c.bus.Poll(ctx, c.facilitatorID, c.roundTimeout)
		if err != nil {
			return nil, fmt.Errorf("meeting: poll: %w", err)
		}
		for _, m := range msgs {
			if m.Type != bus.TypeMeetingStatement {
				continue
			}
			stmt, ok := m.Payload.(bus.MeetingStatement)
			if !ok || stmt.MeetingID != meetingID {
				continue
			}
			spoken[m.From] = true
			statements = append(statements, workflow.Statement{AgentID: m.From, Text: stmt.Text, At: time.Now().UTC()})
		}
	}

	minutes := &workflow.MeetingMinutes{
		ID:           meetingID,
		WorkflowID:   workflowID,
		Topic:        topic,
		Participants: participants,
		Statements:   statements,
		Summary:      summarize(statements, participants, spoken),
		CreatedAt:    time.Now().UTC(),
	}
	if c.store != nil {
		if err := c.store.PutMeetingMinutes(minutes); err != nil {
			return nil, fmt.Errorf("meeting: persist minutes: %w", err)
		}
	}
	return minutes, nil
}

func summarize(statements []workflow.Statement, participants []string, spoken map[string]bool) string {
	if len(spoken) == len(participants) {
		return fmt.Sprintf("All %d participants contributed %d statements.", len(participants), len(statements))
	}
	return fmt.Sprintf("%d/%d participants contributed before the round budget was exhausted.", len(spoken), len(participants))
}

// DeriveProposal turns meeting minutes into a first-draft Proposal (§4.6
// step 1b): one task per statement made in the meeting (or, if nobody
// spoke before the round budget ran out, one task for the instruction as a
// whole), typed via types.MatchByText, chained into a trivial DAG, with a
// baseline risk plus one entry per statement that reads as risk-bearing.
// This draft already satisfies every §3.2/testable-property-#2 invariant
// on its own; callers (the engine's proposal-phase step) may pass it
// through a Planner for a more considered breakdown before persisting.
func DeriveProposal(minutes *workflow.MeetingMinutes, instruction string, types *worker.TypeRegistry) *workflow.Proposal {
	texts := make([]string, 0, len(minutes.Statements))
	for _, s := range minutes.Statements {
		texts = append(texts, s.Text)
	}
	if len(texts) == 0 {
		texts = []string{instruction}
	}

	tasks := make([]workflow.TaskBreakdownItem, 0, len(texts))
	assignments := make([]workflow.WorkerAssignment, 0, len(texts))
	scopeParts := make([]string, 0, len(texts))

	for i, text := range texts {
		id := fmt.Sprintf("task-%d", i+1)
		typ := types.MatchByText(text)
		tasks = append(tasks, workflow.TaskBreakdownItem{
			ID:              id,
			Title:           titleFromText(text),
			Description:     text,
			WorkerType:      string(typ),
			EstimatedEffort: "medium",
		})
		assignments = append(assignments, workflow.WorkerAssignment{
			TaskID:     id,
			WorkerType: string(typ),
			Rationale:  fmt.Sprintf("%s keywords matched in %q", typ, text),
		})
		scopeParts = append(scopeParts, text)
	}

	var deps []workflow.Dependency
	for i := 1; i < len(tasks); i++ {
		deps = append(deps, workflow.Dependency{From: tasks[i-1].ID, To: tasks[i].ID})
	}

	risks := []workflow.Risk{
		{
			Description: "Scope may expand once implementation starts",
			Severity:    workflow.RiskMedium,
			Mitigation:  "re-evaluate the task breakdown at the quality_assurance gate",
		},
	}
	for _, text := range texts {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "risk") || strings.Contains(lower, "breaking") || strings.Contains(lower, "security") {
			risks = append(risks, workflow.Risk{
				Description: text,
				Severity:    workflow.RiskHigh,
				Mitigation:  "flag for CEO review before merge",
			})
		}
	}

	return &workflow.Proposal{
		Version:           1,
		Summary:           instruction,
		Scope:             strings.Join(scopeParts, " "),
		TaskBreakdown:      tasks,
		WorkerAssignments: assignments,
		RiskAssessment:    risks,
		Dependencies:      deps,
		MeetingMinutesIDs: []string{minutes.ID},
		CreatedAt:         time.Now().UTC(),
	}
}

// titleFromText trims a statement or instruction down to a short title by
// keeping its first few words.
func titleFromText(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
