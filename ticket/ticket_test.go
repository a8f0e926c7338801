package ticket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateChildRejectsUnknownParent(t *testing.T) {
	m := NewManager()
	_, err := m.CreateChild("child-1", "no-such-parent", "child")
	require.Error(t, err)
}

func TestCreateChildRejectsGrandchildParent(t *testing.T) {
	m := NewManager()
	m.CreateParent("wf-1", "ship it")
	_, err := m.CreateChild("task-1", "wf-1", "task")
	require.NoError(t, err)
	_, err = m.CreateChild("subtask-1", "task-1", "subtask")
	require.NoError(t, err)

	_, err = m.CreateChild("too-deep", "subtask-1", "nope")
	require.Error(t, err)
}

func TestSetStatusPropagatesLubToParent(t *testing.T) {
	m := NewManager()
	m.CreateParent("wf-1", "ship it")
	m.CreateChild("task-1", "wf-1", "task one")
	m.CreateChild("task-2", "wf-1", "task two")

	require.NoError(t, m.SetStatus("task-1", StatusInProgress))
	parent, ok := m.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, StatusInProgress, parent.Status, "lub of {in_progress, pending} is in_progress")

	require.NoError(t, m.SetStatus("task-2", StatusCompleted))
	parent, ok = m.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, parent.Status, "lub of {in_progress, completed} is completed")

	require.NoError(t, m.SetStatus("task-1", StatusCompleted))
	parent, ok = m.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, parent.Status, "lub of {completed, completed} is completed")
}

func TestSetStatusWorstOutcomeWinsAtSharedTopRank(t *testing.T) {
	m := NewManager()
	m.CreateParent("wf-1", "ship it")
	m.CreateChild("task-1", "wf-1", "task one")
	m.CreateChild("task-2", "wf-1", "task two")

	require.NoError(t, m.SetStatus("task-1", StatusCompleted))
	require.NoError(t, m.SetStatus("task-2", StatusFailed))

	parent, ok := m.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, parent.Status, "failed outranks completed at the top rank")
}

func TestSetStatusPropagatesThroughThreeLevels(t *testing.T) {
	m := NewManager()
	m.CreateParent("wf-1", "ship it")
	m.CreateChild("task-1", "wf-1", "task one")
	m.CreateChild("subtask-1", "task-1", "subtask one")

	require.NoError(t, m.SetStatus("subtask-1", StatusBlocked))

	task, ok := m.Get("task-1")
	require.True(t, ok)
	require.Equal(t, StatusBlocked, task.Status)

	parent, ok := m.Get("wf-1")
	require.True(t, ok)
	require.Equal(t, StatusBlocked, parent.Status)
}

func TestSetStatusRecordsHistoryOnlyOnChange(t *testing.T) {
	m := NewManager()
	m.CreateParent("wf-1", "ship it")
	m.CreateChild("task-1", "wf-1", "task one")

	require.NoError(t, m.SetStatus("task-1", StatusInProgress))
	require.NoError(t, m.SetStatus("task-1", StatusInProgress))

	task, ok := m.Get("task-1")
	require.True(t, ok)
	require.Len(t, task.History, 1, "setting the same status twice records one transition")
}

func TestSetStatusUnknownTicketFails(t *testing.T) {
	m := NewManager()
	err := m.SetStatus("no-such-ticket", StatusCompleted)
	require.Error(t, err)
}
