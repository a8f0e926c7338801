package approval

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/agentcompany/workflow"
	"github.com/stretchr/testify/require"
)

func TestSubmitDecisionResolvesWaitingRequest(t *testing.T) {
	g := New()
	done := make(chan Decision, 1)
	go func() {
		d, err := g.RequestApproval(context.Background(), "wf-1", workflow.PhaseApproval, "proposal content")
		require.NoError(t, err)
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.SubmitDecision("wf-1", workflow.ActionApprove, ""))

	select {
	case d := <-done:
		require.Equal(t, workflow.ActionApprove, d.Action)
	case <-time.After(time.Second):
		t.Fatal("request was not resolved")
	}
}

func TestSubmitDecisionWithoutPendingFails(t *testing.T) {
	g := New()
	err := g.SubmitDecision("wf-none", workflow.ActionApprove, "")
	require.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestSecondSubmitFailsAfterFirstResolves(t *testing.T) {
	g := New()
	go func() {
		_, _ = g.RequestApproval(context.Background(), "wf-1", workflow.PhaseApproval, nil)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.SubmitDecision("wf-1", workflow.ActionApprove, ""))
	require.ErrorIs(t, g.SubmitDecision("wf-1", workflow.ActionApprove, ""), ErrNoPendingApproval)
}

func TestRequestApprovalOverwritesWithinSamePhase(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(ctx, "wf-1", workflow.PhaseApproval, "v1")
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// Second request for the same phase overwrites the pending entry.
	go func() {
		_, _ = g.RequestApproval(context.Background(), "wf-1", workflow.PhaseApproval, "v2")
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.SubmitDecision("wf-1", workflow.ActionApprove, ""))
	cancel()
	<-first
}

func TestRequestApprovalRejectsAcrossPhases(t *testing.T) {
	g := New()
	go func() {
		_, _ = g.RequestApproval(context.Background(), "wf-1", workflow.PhaseApproval, nil)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := g.RequestApproval(context.Background(), "wf-1", workflow.PhaseDelivery, nil)
	require.ErrorIs(t, err, ErrPhaseConflict)
}

func TestCancelApprovalResolvesWithError(t *testing.T) {
	g := New()
	done := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(context.Background(), "wf-1", workflow.PhaseApproval, nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, g.CancelApproval("wf-1", "workflow terminated"))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancel did not resolve request")
	}
}
