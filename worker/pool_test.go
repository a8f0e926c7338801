package worker

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/agentcompany/container"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireSpawnsUntilCapacity(t *testing.T) {
	rt := container.NewFakeRuntime()
	p := NewPool(2, time.Minute, rt)
	ctx := context.Background()
	spec := container.Spec{Image: "agentcompany/worker", ResultsMount: "/tmp/r", WorkspaceMount: "/tmp/w"}

	id1, err := p.AcquireByType(ctx, TypeDeveloper, spec)
	require.NoError(t, err)
	id2, err := p.AcquireByType(ctx, TypeDeveloper, spec)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = p.AcquireByType(ctx, TypeDeveloper, spec)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolReleaseReturnsWorkerToIdleAndReusable(t *testing.T) {
	rt := container.NewFakeRuntime()
	p := NewPool(1, time.Minute, rt)
	ctx := context.Background()
	spec := container.Spec{Image: "agentcompany/worker", ResultsMount: "/tmp/r", WorkspaceMount: "/tmp/w"}

	id, err := p.AcquireByType(ctx, TypeDeveloper, spec)
	require.NoError(t, err)

	status, ok := p.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusWorking, status)

	require.NoError(t, p.Release(ctx, id))
	status, _ = p.Status(id)
	require.Equal(t, StatusIdle, status)

	reused, err := p.AcquireByType(ctx, TypeDeveloper, spec)
	require.NoError(t, err)
	require.Equal(t, id, reused)
}

func TestPoolTerminateIsAbsorbing(t *testing.T) {
	rt := container.NewFakeRuntime()
	p := NewPool(1, time.Minute, rt)
	ctx := context.Background()
	spec := container.Spec{Image: "agentcompany/worker", ResultsMount: "/tmp/r", WorkspaceMount: "/tmp/w"}

	id, err := p.AcquireByType(ctx, TypeDeveloper, spec)
	require.NoError(t, err)
	require.NoError(t, p.Terminate(ctx, id))

	status, _ := p.Status(id)
	require.Equal(t, StatusTerminated, status)
}

func TestTypeRegistryMatchByText(t *testing.T) {
	r := NewDefaultRegistry()
	require.Equal(t, TypeTest, r.MatchByText("write unit test coverage for the parser"))
	require.Equal(t, TypeReview, r.MatchByText("review this pull request for quality"))
	require.Equal(t, TypeDeveloper, r.MatchByText("implement the login endpoint"))
}
