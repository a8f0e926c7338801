package meeting

import (
	"context"
	"testing"

	"github.com/c360studio/agentcompany/llm"
	"github.com/c360studio/agentcompany/worker"
	"github.com/c360studio/agentcompany/workflow"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if f.calls >= len(f.responses) {
		return nil, context.DeadlineExceeded
	}
	resp := f.responses[f.calls]
	f.calls++
	return &llm.Response{Content: resp}, nil
}

func draftProposal() *workflow.Proposal {
	return &workflow.Proposal{
		Summary:           "Implement login endpoint",
		Scope:             "auth service",
		MeetingMinutesIDs: []string{"meeting-1"},
		RiskAssessment:    []workflow.Risk{{Description: "fallback risk", Severity: workflow.RiskMedium}},
	}
}

func TestLLMPlannerParsesFencedJSONResponse(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"```json\n" + `{
		"tasks": [
			{"id": "task-1", "title": "build endpoint", "description": "implement POST /login", "estimated_effort": "medium", "depends_on": []},
			{"id": "task-2", "title": "write tests", "description": "cover the login endpoint", "estimated_effort": "small", "depends_on": ["task-1"]}
		],
		"risks": [{"description": "session fixation", "severity": "high", "mitigation": "rotate session id on login"}]
	}` + "\n```"}}

	p := &LLMPlanner{client: fake, types: worker.NewDefaultRegistry(), capability: "planning"}
	minutes := &workflow.MeetingMinutes{ID: "meeting-1"}

	out, err := p.Plan(context.Background(), "Implement login endpoint", minutes, draftProposal())
	require.NoError(t, err)
	require.NoError(t, workflow.ValidateProposal(out))
	require.Len(t, out.TaskBreakdown, 2)
	require.Equal(t, []workflow.Dependency{{From: "task-1", To: "task-2"}}, out.Dependencies)
	require.Equal(t, workflow.RiskHigh, out.RiskAssessment[0].Severity)
}

func TestLLMPlannerRetriesOnMalformedJSONThenSucceeds(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"not json at all",
		`{"tasks": [{"id": "task-1", "title": "fix it", "description": "patch the bug"}]}`,
	}}
	p := &LLMPlanner{client: fake, types: worker.NewDefaultRegistry(), capability: "planning"}
	minutes := &workflow.MeetingMinutes{ID: "meeting-1"}

	out, err := p.Plan(context.Background(), "Fix the bug", minutes, draftProposal())
	require.NoError(t, err)
	require.Equal(t, 2, fake.calls)
	require.Len(t, out.TaskBreakdown, 1)
}

func TestLLMPlannerFailsAfterExhaustingRetries(t *testing.T) {
	fake := &fakeCompleter{responses: []string{"nope", "still nope", "nope again"}}
	p := &LLMPlanner{client: fake, types: worker.NewDefaultRegistry(), capability: "planning"}
	minutes := &workflow.MeetingMinutes{ID: "meeting-1"}

	_, err := p.Plan(context.Background(), "Fix the bug", minutes, draftProposal())
	require.Error(t, err)
	require.Equal(t, maxPlanFormatRetries, fake.calls)
}

func TestLLMPlannerFallsBackToDraftRisksWhenNoneReturned(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"tasks": [{"id": "task-1", "title": "fix it", "description": "patch the bug"}]}`,
	}}
	p := &LLMPlanner{client: fake, types: worker.NewDefaultRegistry(), capability: "planning"}
	minutes := &workflow.MeetingMinutes{ID: "meeting-1"}

	out, err := p.Plan(context.Background(), "Fix the bug", minutes, draftProposal())
	require.NoError(t, err)
	require.Equal(t, "fallback risk", out.RiskAssessment[0].Description)
}
