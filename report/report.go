// Package report renders one Workflow run into report.md (§3.12, §6.3): a
// Japanese-headed Markdown summary of status, timeline, changes, quality
// gate results, conversation summary, and deliverables, written through
// runstore's atomic file-writing idiom.
//
// Grounded on the aggregation step of the teacher's workflow package (which
// folds per-task results into one summary) and on the tools/file executor's
// convention of handing finished content to a single atomic write rather
// than building it up across several file operations.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/workflow"
)

// Store is the subset of runstore.Store the Reporter depends on.
type Store interface {
	LoadWorkflow(id string) (*workflow.Workflow, error)
	LoadTaskMetadata(runID string) (*workflow.RunTaskMetadata, error)
	ReadLog(runID, name string) (string, error)
	WriteReport(runID, markdown string) error
}

var _ Store = (*runstore.Store)(nil)

// Reporter writes runtime/runs/<run-id>/report.md for a completed or
// in-flight run.
type Reporter struct {
	store Store
}

// NewReporter returns a Reporter backed by store.
func NewReporter(store Store) *Reporter {
	return &Reporter{store: store}
}

// Write renders and persists the report for runID, loading the run's
// workflow, task metadata, and reviews log from store. ctx is checked once
// before loading; the local filesystem I/O after that check does not
// observe cancellation.
func (r *Reporter) Write(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wf, err := r.store.LoadWorkflow(runID)
	if err != nil {
		return fmt.Errorf("report: load workflow %q: %w", runID, err)
	}

	meta, err := r.store.LoadTaskMetadata(runID)
	if err != nil {
		return fmt.Errorf("report: load task metadata %q: %w", runID, err)
	}

	reviews, err := r.store.ReadLog(runID, runstore.ReviewsLogName)
	if err != nil {
		return fmt.Errorf("report: read reviews log %q: %w", runID, err)
	}

	md := Render(wf, meta, reviews)
	if err := r.store.WriteReport(runID, md); err != nil {
		return fmt.Errorf("report: write %q: %w", runID, err)
	}
	return nil
}

// Render builds the report.md body for wf. meta may be nil (not yet
// persisted); reviews is the raw contents of reviews.log, possibly empty.
func Render(wf *workflow.Workflow, meta *workflow.RunTaskMetadata, reviews string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# 実行レポート: %s\n\n", wf.WorkflowID)

	b.WriteString("## ステータス\n\n")
	fmt.Fprintf(&b, "- フェーズ: %s\n", wf.CurrentPhase)
	fmt.Fprintf(&b, "- ステータス: %s\n", wf.Status)
	if meta != nil {
		fmt.Fprintf(&b, "- 指示内容: %s\n", meta.Instruction)
	}
	if wf.Escalation != nil {
		fmt.Fprintf(&b, "- エスカレーション: %s (%s)\n", wf.Escalation.TaskID, wf.Escalation.FailureDetails)
	}
	b.WriteString("\n")

	b.WriteString("## タイムライン\n\n")
	if len(wf.PhaseHistory) == 0 {
		b.WriteString("(no phase transitions recorded)\n\n")
	} else {
		for _, t := range wf.PhaseHistory {
			fmt.Fprintf(&b, "- %s: %s -> %s", t.Timestamp.Format(timeLayout), t.From, t.To)
			if t.Reason != "" {
				fmt.Fprintf(&b, " (%s)", t.Reason)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## 変更点\n\n")
	renderChanges(&b, wf)

	b.WriteString("## 品質ゲート結果\n\n")
	renderQualityResults(&b, wf.QualityResults)

	b.WriteString("## 会話サマリー\n\n")
	if strings.TrimSpace(reviews) == "" {
		b.WriteString("(no review activity recorded)\n\n")
	} else {
		b.WriteString("```\n")
		b.WriteString(strings.TrimRight(reviews, "\n"))
		b.WriteString("\n```\n\n")
	}

	b.WriteString("## 成果物\n\n")
	renderDeliverable(&b, wf.Deliverable)

	return b.String()
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func renderChanges(b *strings.Builder, wf *workflow.Workflow) {
	if wf.Deliverable != nil && len(wf.Deliverable.Changes) > 0 {
		for _, c := range wf.Deliverable.Changes {
			fmt.Fprintf(b, "- %s\n", c)
		}
		b.WriteString("\n")
		return
	}
	if wf.Progress == nil || len(wf.Progress.Subtasks) == 0 {
		b.WriteString("(no changes recorded)\n\n")
		return
	}
	ids := make([]string, 0, len(wf.Progress.Subtasks))
	for id := range wf.Progress.Subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := wf.Progress.Subtasks[id]
		fmt.Fprintf(b, "- %s: %s (%s)\n", id, st.Status, st.WorkerType)
	}
	b.WriteString("\n")
}

func renderQualityResults(b *strings.Builder, qr *workflow.QualityResults) {
	if qr == nil {
		b.WriteString("(quality gates not yet run)\n\n")
		return
	}
	renderGate(b, "Lint", qr.LintResult)
	renderGate(b, "Test", qr.TestResult)
	if qr.FinalReviewResult != nil {
		renderGate(b, "Final review", qr.FinalReviewResult)
	}
	fmt.Fprintf(b, "- 総合判定: %s\n\n", passFail(qr.Overall))
}

func renderGate(b *strings.Builder, label string, g *workflow.GateResult) {
	if g == nil {
		fmt.Fprintf(b, "- %s: (not run)\n", label)
		return
	}
	fmt.Fprintf(b, "- %s: %s (%s)\n", label, passFail(g.Passed), g.Duration)
	for _, e := range g.Errors {
		fmt.Fprintf(b, "  - error: %s\n", e)
	}
	for _, w := range g.Warnings {
		fmt.Fprintf(b, "  - warning: %s\n", w)
	}
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func renderDeliverable(b *strings.Builder, d *workflow.Deliverable) {
	if d == nil {
		b.WriteString("(no deliverable assembled yet)\n")
		return
	}
	if d.SummaryReport != "" {
		b.WriteString(d.SummaryReport)
		b.WriteString("\n\n")
	}
	if len(d.Artifacts) > 0 {
		b.WriteString("成果物ファイル:\n\n")
		for _, a := range d.Artifacts {
			fmt.Fprintf(b, "- %s\n", a)
		}
	}
}
