// Package review implements ReviewWorkflow (§4.5): per-subtask code review
// requests and decisions, appended to reviews.log, plus a finding-synthesis
// aggregator for multi-reviewer quality gates (§4.8's final review result
// and the delivery-phase review history).
//
// The synthesis logic (severity ranking, content-hash deduplication, verdict
// determination) is adapted directly from the teacher's
// workflow/aggregation.ReviewAggregator, re-keyed from its
// prompts.ReviewOutput shape to the Finding type defined here since the
// prompts package it depended on is out of this domain's scope.
package review

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/agentcompany/runstore"
)

// Decision is a reviewer's verdict on one review request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request is one pending code review.
type Request struct {
	TicketID  string
	WorkerID  string
	Branch    string
	Artifacts []string
}

// MergeHook is invoked when a review is approved; it is the VCS capability's
// merge operation, injected so this package stays free of concrete VCS
// knowledge.
type MergeHook func(ctx context.Context, req Request) error

// Workflow tracks pending review requests for one run and appends every
// request/decision to reviews.log.
type Workflow struct {
	mu      sync.Mutex
	runID   string
	store   *runstore.Store
	pending map[string]Request
	merge   MergeHook
}

// New returns a Workflow that logs into runID's reviews.log via store.
func New(store *runstore.Store, runID string, merge MergeHook) *Workflow {
	return &Workflow{runID: runID, store: store, pending: make(map[string]Request), merge: merge}
}

// RequestReview records a pending review and appends a [REQUEST] line.
func (w *Workflow) RequestReview(req Request) error {
	w.mu.Lock()
	w.pending[req.TicketID] = req
	w.mu.Unlock()

	line := fmt.Sprintf("[REQUEST] ticket=%s worker=%s", req.TicketID, req.WorkerID)
	return w.store.AppendLog(w.runID, runstore.ReviewsLogName, line)
}

// SubmitReview resolves a pending review, appends [APPROVE]/[REJECT], fires
// the merge hook on approve, and returns feedback (empty on approve) for the
// worker on reject.
func (w *Workflow) SubmitReview(ctx context.Context, ticketID, reviewerID string, decision Decision, feedback string) (string, error) {
	w.mu.Lock()
	req, ok := w.pending[ticketID]
	if ok {
		delete(w.pending, ticketID)
	}
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("review: no pending request for ticket %q", ticketID)
	}

	tag := "[REJECT]"
	if decision == DecisionApprove {
		tag = "[APPROVE]"
	}
	line := fmt.Sprintf("%s ticket=%s reviewer=%s", tag, ticketID, reviewerID)
	if feedback != "" {
		line += " feedback=" + feedback
	}
	if err := w.store.AppendLog(w.runID, runstore.ReviewsLogName, line); err != nil {
		return "", err
	}

	if decision == DecisionApprove {
		if w.merge != nil {
			if err := w.merge(ctx, req); err != nil {
				return "", fmt.Errorf("review: merge hook: %w", err)
			}
		}
		return "", nil
	}
	return feedback, nil
}

// ClearRequests removes pending requests. If ticketID is empty, all pending
// requests are cleared.
func (w *Workflow) ClearRequests(ticketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ticketID == "" {
		w.pending = make(map[string]Request)
		return
	}
	delete(w.pending, ticketID)
}

// GetPendingRequests returns a snapshot of every pending review request.
func (w *Workflow) GetPendingRequests() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Request, 0, len(w.pending))
	for _, r := range w.pending {
		out = append(out, r)
	}
	return out
}

// --- Synthesis: combining multiple reviewer outputs into one verdict ---

// Severity ranks a Finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one issue raised by a reviewer.
type Finding struct {
	Role       string
	File       string
	Line       int
	Issue      string
	Severity   Severity
	Suggestion string
}

// ReviewerOutput is one reviewer's complete output for a subtask.
type ReviewerOutput struct {
	Role     string
	Passed   bool
	Summary  string
	Findings []Finding
}

// Verdict is the synthesized decision across all reviewers.
type Verdict string

const (
	VerdictApproved     Verdict = "approved"
	VerdictNeedsChanges Verdict = "needs_changes"
	VerdictRejected     Verdict = "rejected"
)

// Synthesis is the aggregated result of a multi-reviewer pass.
type Synthesis struct {
	Verdict  Verdict
	Passed   bool
	Findings []Finding
	Summary  string
}

// Synthesize combines multiple reviewer outputs into one Synthesis,
// deduplicating findings by (file, line, issue-hash) and ranking by
// severity, exactly as workflow/aggregation.ReviewAggregator does.
func Synthesize(outputs []ReviewerOutput) *Synthesis {
	var all []Finding
	hasCritical := false
	anyFailed := false
	passedCount := 0

	for _, o := range outputs {
		if o.Passed {
			passedCount++
		} else {
			anyFailed = true
		}
		for _, f := range o.Findings {
			if f.Role == "" {
				f.Role = o.Role
			}
			all = append(all, f)
			if f.Severity == SeverityCritical {
				hasCritical = true
			}
		}
	}

	deduped := deduplicate(all)
	sortBySeverity(deduped)

	verdict := VerdictApproved
	switch {
	case hasCritical:
		verdict = VerdictRejected
	case anyFailed || len(deduped) > 0:
		verdict = VerdictNeedsChanges
	}

	return &Synthesis{
		Verdict:  verdict,
		Passed:   verdict == VerdictApproved,
		Findings: deduped,
		Summary:  summarize(len(outputs), passedCount, deduped),
	}
}

func dedupKey(f Finding) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(f.Issue))))
	return fmt.Sprintf("%s:%d:%x", f.File, f.Line, h[:8])
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func deduplicate(findings []Finding) []Finding {
	if len(findings) == 0 {
		return nil
	}
	type entry struct {
		finding Finding
		roles   []string
	}
	groups := make(map[string]*entry)
	var order []string
	for _, f := range findings {
		key := dedupKey(f)
		e, ok := groups[key]
		if !ok {
			groups[key] = &entry{finding: f, roles: []string{f.Role}}
			order = append(order, key)
			continue
		}
		if severityRank(f.Severity) > severityRank(e.finding.Severity) {
			e.finding.Severity = f.Severity
		}
		e.roles = append(e.roles, f.Role)
	}
	out := make([]Finding, 0, len(groups))
	for _, key := range order {
		e := groups[key]
		if len(e.roles) > 1 {
			e.finding.Role = strings.Join(e.roles, ", ")
		}
		out = append(out, e.finding)
	}
	return out
}

func sortBySeverity(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		ri, rj := severityRank(findings[i].Severity), severityRank(findings[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})
}

func summarize(total, passed int, findings []Finding) string {
	if len(findings) == 0 {
		return fmt.Sprintf("Review complete: %d/%d reviewers passed. No issues found.", passed, total)
	}
	return fmt.Sprintf("Review complete: %d/%d reviewers passed. Found %d issues.", passed, total, len(findings))
}
