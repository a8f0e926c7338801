package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/agentcompany/llm"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
)

// maxPlanFormatRetries bounds how many times Plan calls the LLM in total;
// when a response isn't valid JSON it re-prompts with the previous parse
// error, so at most maxPlanFormatRetries-1 re-prompts are made, grounded on
// the teacher's task-generator/planner components' maxFormatRetries
// correction-prompt loop (trimmed from 5 to 3: this call produces a much
// smaller document than a full task-generation pass).
const maxPlanFormatRetries = 3

// llmCompleter is the subset of *llm.Client the Planner needs, extracted so
// tests can substitute a fake without a real model endpoint (teacher's
// llmCompleter pattern in processor/task-generator and processor/planner).
type llmCompleter interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Planner enriches DeriveProposal's heuristic draft with a more considered
// task breakdown (§4.6 step 1b). DeriveProposal's output already satisfies
// every Proposal invariant on its own, so a Planner is optional: the engine
// falls back to the heuristic draft whenever Plan returns an error.
type Planner interface {
	Plan(ctx context.Context, instruction string, minutes *workflow.MeetingMinutes, draft *workflow.Proposal) (*workflow.Proposal, error)
}

// LLMPlanner is the default Planner: it asks a planning-capability LLM to
// break the instruction and meeting statements into tasks, risks, and a
// dependency DAG, then re-resolves each task's worker type through the
// same TypeRegistry DeriveProposal uses so the two code paths never
// disagree about what a "developer" task looks like.
type LLMPlanner struct {
	client     llmCompleter
	types      *worker.TypeRegistry
	capability string
}

// NewLLMPlanner returns a Planner backed by client, typing tasks through
// types. It resolves the "planning" model.Registry capability;
// WithCapability selects another.
func NewLLMPlanner(client *llm.Client, types *worker.TypeRegistry) *LLMPlanner {
	return &LLMPlanner{client: client, types: types, capability: "planning"}
}

// WithCapability overrides the default "planning" capability name.
func (p *LLMPlanner) WithCapability(capability string) *LLMPlanner {
	p.capability = capability
	return p
}

type plannedTask struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	EstimatedEffort string   `json:"estimated_effort"`
	DependsOn       []string `json:"depends_on"`
}

type plannedRisk struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Mitigation  string `json:"mitigation"`
}

type planResponse struct {
	Tasks []plannedTask `json:"tasks"`
	Risks []plannedRisk `json:"risks"`
}

// Plan asks the LLM for a task/risk breakdown and converts it into a
// Proposal carrying draft's Summary/Scope/MeetingMinutesIDs. On any
// failure — transport, format, or an empty task list — it returns an
// error and callers should keep using draft.
func (p *LLMPlanner) Plan(ctx context.Context, instruction string, minutes *workflow.MeetingMinutes, draft *workflow.Proposal) (*workflow.Proposal, error) {
	messages := []llm.Message{
		{Role: "system", Content: planningSystemPrompt},
		{Role: "user", Content: planningUserPrompt(instruction, minutes)},
	}

	var lastErr error
	for attempt := 1; attempt <= maxPlanFormatRetries; attempt++ {
		resp, err := p.client.Complete(ctx, llm.Request{Capability: p.capability, Messages: messages})
		if err != nil {
			return nil, fmt.Errorf("meeting: plan via llm: %w", err)
		}

		parsed, err := parsePlanResponse(resp.Content)
		if err != nil {
			lastErr = err
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: fmt.Sprintf("That response didn't parse as the required JSON: %v. Reply with corrected JSON only.", err)},
			)
			continue
		}
		return p.toProposal(parsed, draft), nil
	}
	return nil, fmt.Errorf("meeting: planner response never parsed after %d attempts: %w", maxPlanFormatRetries, lastErr)
}

func (p *LLMPlanner) toProposal(parsed *planResponse, draft *workflow.Proposal) *workflow.Proposal {
	tasks := make([]workflow.TaskBreakdownItem, 0, len(parsed.Tasks))
	assignments := make([]workflow.WorkerAssignment, 0, len(parsed.Tasks))
	var deps []workflow.Dependency

	for _, t := range parsed.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			continue
		}
		typ := p.types.MatchByText(t.Title + " " + t.Description)
		tasks = append(tasks, workflow.TaskBreakdownItem{
			ID:              t.ID,
			Title:           t.Title,
			Description:     t.Description,
			WorkerType:      string(typ),
			EstimatedEffort: t.EstimatedEffort,
			Dependencies:    t.DependsOn,
		})
		assignments = append(assignments, workflow.WorkerAssignment{
			TaskID:     t.ID,
			WorkerType: string(typ),
			Rationale:  fmt.Sprintf("planner matched %s for %q", typ, t.Title),
		})
		for _, from := range t.DependsOn {
			deps = append(deps, workflow.Dependency{From: from, To: t.ID})
		}
	}

	risks := make([]workflow.Risk, 0, len(parsed.Risks))
	for _, r := range parsed.Risks {
		severity := workflow.RiskSeverity(strings.ToLower(r.Severity))
		switch severity {
		case workflow.RiskLow, workflow.RiskMedium, workflow.RiskHigh:
		default:
			severity = workflow.RiskMedium
		}
		risks = append(risks, workflow.Risk{Description: r.Description, Severity: severity, Mitigation: r.Mitigation})
	}
	if len(risks) == 0 {
		risks = draft.RiskAssessment
	}

	out := *draft
	out.TaskBreakdown = tasks
	out.WorkerAssignments = assignments
	out.RiskAssessment = risks
	out.Dependencies = deps
	return &out
}

func parsePlanResponse(content string) (*planResponse, error) {
	jsonContent := llm.ExtractJSON(content)
	if jsonContent == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var parsed planResponse
	if err := json.Unmarshal([]byte(jsonContent), &parsed); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("response contained no tasks")
	}
	return &parsed, nil
}

const planningSystemPrompt = `You are the planning lead at an AI engineering company, turning a kickoff meeting into an actionable task breakdown.
Respond with a single JSON object and nothing else:
{
  "tasks": [
    {"id": "task-1", "title": "...", "description": "...", "estimated_effort": "small|medium|large", "depends_on": []}
  ],
  "risks": [
    {"description": "...", "severity": "low|medium|high", "mitigation": "..."}
  ]
}
Every task id referenced in depends_on must also appear as a task id. Keep the breakdown to the smallest set of tasks that fully covers the instruction.`

func planningUserPrompt(instruction string, minutes *workflow.MeetingMinutes) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\n", instruction)
	if len(minutes.Statements) == 0 {
		b.WriteString("No meeting statements were collected before the round budget ran out.\n")
	} else {
		b.WriteString("Meeting statements:\n")
		for _, s := range minutes.Statements {
			fmt.Fprintf(&b, "- %s: %s\n", s.AgentID, s.Text)
		}
	}
	return b.String()
}
