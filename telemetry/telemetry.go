// Package telemetry implements the Performance & TechDebt Trackers (§2):
// append-only JSONL time series on agent performance and lint/coverage
// drift, mirrored onto Prometheus gauges and counters for a /metrics
// endpoint.
//
// The JSONL append idiom is grounded on the teacher's storage.StatusChange
// audit trail (storage/entity.go: every transition appended, never
// rewritten) and on runstore's own append-only log files, generalized here
// from one status history per entity to one time series per agent or
// project. The metrics side wires the teacher's existing
// prometheus/client_golang dependency, which otherwise has no importer in
// this workspace.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	performanceDir = "performance"
	techDebtDir    = "tech-debt"
)

// PerformanceEvent is one agent execution outcome.
type PerformanceEvent struct {
	AgentID    string        `json:"agentId"`
	TaskID     string        `json:"taskId"`
	WorkerType string        `json:"workerType"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"durationNs"`
	TokensUsed int           `json:"tokensUsed"`
	Timestamp  time.Time     `json:"timestamp"`
}

// TechDebtEvent is one lint/coverage drift sample for a project.
type TechDebtEvent struct {
	ProjectID     string    `json:"projectId"`
	LintIssues    int       `json:"lintIssues"`
	CoveragePct   float64   `json:"coveragePct"`
	CoverageDelta float64   `json:"coverageDelta"`
	Timestamp     time.Time `json:"timestamp"`
}

// Recorder appends performance and tech-debt events to
// runtime/state/{performance,tech-debt}/*.jsonl and mirrors them onto
// Prometheus collectors.
type Recorder struct {
	mu   sync.Mutex
	root string // runtime/state

	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	lintIssues      *prometheus.GaugeVec
	coveragePercent *prometheus.GaugeVec
}

// NewRecorder returns a Recorder rooted at stateDir (conventionally
// runtime/state), registering its collectors with reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func NewRecorder(stateDir string, reg prometheus.Registerer) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, performanceDir), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create performance dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(stateDir, techDebtDir), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create tech-debt dir: %w", err)
	}

	r := &Recorder{
		root: stateDir,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcompany_worker_tasks_total",
			Help: "Total number of worker task executions, by worker type and outcome.",
		}, []string{"worker_type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcompany_worker_task_duration_seconds",
			Help:    "Worker task execution duration in seconds, by worker type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"worker_type"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcompany_worker_tokens_total",
			Help: "Total LLM tokens consumed, by agent.",
		}, []string{"agent_id"}),
		lintIssues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcompany_project_lint_issues",
			Help: "Most recently observed lint issue count, by project.",
		}, []string{"project_id"}),
		coveragePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcompany_project_coverage_percent",
			Help: "Most recently observed test coverage percentage, by project.",
		}, []string{"project_id"}),
	}

	for _, c := range []prometheus.Collector{r.tasksTotal, r.taskDuration, r.tokensTotal, r.lintIssues, r.coveragePercent} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register collector: %w", err)
		}
	}
	return r, nil
}

// RecordPerformance appends ev to performance/<agentId>.jsonl and updates
// the task/duration/token collectors.
func (r *Recorder) RecordPerformance(ev PerformanceEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	outcome := "failure"
	if ev.Success {
		outcome = "success"
	}
	r.tasksTotal.WithLabelValues(ev.WorkerType, outcome).Inc()
	r.taskDuration.WithLabelValues(ev.WorkerType).Observe(ev.Duration.Seconds())
	if ev.TokensUsed > 0 {
		r.tokensTotal.WithLabelValues(ev.AgentID).Add(float64(ev.TokensUsed))
	}

	return r.appendJSONL(filepath.Join(r.root, performanceDir, ev.AgentID+".jsonl"), ev)
}

// RecordTechDebt appends ev to tech-debt/<projectId>.jsonl and updates the
// lint/coverage gauges.
func (r *Recorder) RecordTechDebt(ev TechDebtEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.lintIssues.WithLabelValues(ev.ProjectID).Set(float64(ev.LintIssues))
	r.coveragePercent.WithLabelValues(ev.ProjectID).Set(ev.CoveragePct)

	return r.appendJSONL(filepath.Join(r.root, techDebtDir, ev.ProjectID+".jsonl"), ev)
}

func (r *Recorder) appendJSONL(path string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("telemetry: append %q: %w", path, err)
	}
	return f.Sync()
}

// ReadPerformance returns every PerformanceEvent recorded for agentID, in
// append order. An agent with no events returns an empty slice.
func (r *Recorder) ReadPerformance(agentID string) ([]PerformanceEvent, error) {
	var out []PerformanceEvent
	err := readJSONL(filepath.Join(r.root, performanceDir, agentID+".jsonl"), func(line []byte) error {
		var ev PerformanceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// ReadTechDebt returns every TechDebtEvent recorded for projectID, in
// append order.
func (r *Recorder) ReadTechDebt(projectID string) ([]TechDebtEvent, error) {
	var out []TechDebtEvent
	err := readJSONL(filepath.Join(r.root, techDebtDir, projectID+".jsonl"), func(line []byte) error {
		var ev TechDebtEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

func readJSONL(path string, each func([]byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("telemetry: read %q: %w", path, err)
	}
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if i > start {
			if err := each(data[start:i]); err != nil {
				return fmt.Errorf("telemetry: decode %q: %w", path, err)
			}
		}
		start = i + 1
	}
	return nil
}

// Handler returns an http.Handler serving reg's collected metrics in the
// Prometheus exposition format, for mounting at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
