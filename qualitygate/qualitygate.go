// Package qualitygate runs lint then test against a workspace and produces
// a structured pass/fail result with machine-readable feedback (§4.8).
//
// Grounded on tools/git/executor.go's command-execution conventions
// (working directory scoped via cmd.Dir, captured stdout/stderr,
// exec.CommandContext for cancellation) and on workflow/aggregation's
// pass/fail + structured-feedback result shape, generalized here from
// multi-reviewer synthesis to the lint-then-test gate.
package qualitygate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/c360studio/agentcompany/workflow"
)

// Command is one step the gate runs, e.g. {"golangci-lint", []string{"run", "./..."}}.
type Command struct {
	Name string
	Args []string
}

// Gate runs a configured lint command, then (if lint passes) a test
// command, against a workspace directory.
type Gate struct {
	Lint Command
	Test Command

	// runner is overridable in tests to avoid shelling out.
	runner func(ctx context.Context, workspace string, cmd Command) (*workflow.GateResult, error)
}

// New returns a Gate that runs lint and test commands via os/exec.
func New(lint, test Command) *Gate {
	return &Gate{Lint: lint, Test: test, runner: runCommand}
}

// Run executes lint then test (lint-first short circuit): if lint fails,
// test is skipped and its Output contains "skipped".
func (g *Gate) Run(ctx context.Context, workspace string) (*workflow.QualityResults, error) {
	run := g.runner
	if run == nil {
		run = runCommand
	}

	lintResult, err := run(ctx, workspace, g.Lint)
	if err != nil {
		return nil, fmt.Errorf("qualitygate: lint: %w", err)
	}

	var testResult *workflow.GateResult
	if !lintResult.Passed {
		testResult = &workflow.GateResult{Passed: false, Output: "skipped: lint failed"}
	} else {
		testResult, err = run(ctx, workspace, g.Test)
		if err != nil {
			return nil, fmt.Errorf("qualitygate: test: %w", err)
		}
	}

	return &workflow.QualityResults{
		LintResult: lintResult,
		TestResult: testResult,
		Overall:    lintResult.Passed && testResult.Passed,
	}, nil
}

func runCommand(ctx context.Context, workspace string, cmd Command) (*workflow.GateResult, error) {
	start := time.Now()
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = workspace

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := &workflow.GateResult{
		Output:   stdout.String(),
		Duration: time.Since(start),
		Passed:   err == nil,
	}
	if stderr.Len() > 0 {
		result.Warnings = append(result.Warnings, stderr.String())
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	return result, nil
}

// Feedback is fed back into a worker's conversation after a failed gate run
// (§4.8's worker feedback loop).
type Feedback struct {
	FailedGates    []string
	FixInstructions []string
}

// MaxQualityGateRetries and MaxIterations are the hard caps from §4.8.
const (
	MaxQualityGateRetries = 3
	MaxIterations         = 30
)

// DeriveFeedback builds a Feedback value from a failed QualityResults.
func DeriveFeedback(qr *workflow.QualityResults) Feedback {
	var fb Feedback
	if qr.LintResult != nil && !qr.LintResult.Passed {
		fb.FailedGates = append(fb.FailedGates, "lint")
		for _, e := range qr.LintResult.Errors {
			fb.FixInstructions = append(fb.FixInstructions, "lint: "+e)
		}
	}
	if qr.TestResult != nil && !qr.TestResult.Passed {
		fb.FailedGates = append(fb.FailedGates, "test")
		for _, e := range qr.TestResult.Errors {
			fb.FixInstructions = append(fb.FixInstructions, "test: "+e)
		}
	}
	return fb
}
