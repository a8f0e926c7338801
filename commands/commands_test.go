package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcompany/workflow"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (addr string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCommand(t *testing.T, addr string, args ...string) string {
	t.Helper()
	root := NewRootCommand()
	root.SetArgs(append([]string{"--addr", addr}, args...))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	require.NoError(t, root.Execute())
	return out.String()
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write([]byte(`{"data":` + string(raw) + `}`))
	require.NoError(t, err)
}

func TestStartCommandPostsInstructionAndPrintsWorkflowID(t *testing.T) {
	var gotBody map[string]string
	addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workflows", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(t, w, map[string]string{"workflowId": "wf-1"})
	})

	out := runCommand(t, addr, "start", "ship the thing", "--project", "proj-9")
	require.Equal(t, "ship the thing", gotBody["instruction"])
	require.Equal(t, "proj-9", gotBody["projectId"])
	require.Contains(t, out, "wf-1")
}

func TestStatusCommandRendersSingleWorkflow(t *testing.T) {
	wf := &workflow.Workflow{WorkflowID: "wf-1", ProjectID: "proj-1", CurrentPhase: workflow.PhaseDevelopment, Status: workflow.StatusRunning}
	addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workflows/wf-1", r.URL.Path)
		writeEnvelope(t, w, wf)
	})

	out := runCommand(t, addr, "status", "wf-1")
	require.Contains(t, out, "wf-1")
	require.Contains(t, out, "running")
}

func TestDecideCommandRejectsUnknownAction(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"decide", "wf-1", "bogus"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unknown decision"))
}

func TestEscalateCommandSubmitsAction(t *testing.T) {
	var gotBody map[string]string
	addr := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workflows/wf-1/escalations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(t, w, map[string]string{"workflowId": "wf-1"})
	})

	out := runCommand(t, addr, "escalate", "wf-1", "retry", "--reason", "flaky test")
	require.Equal(t, "retry", gotBody["action"])
	require.Equal(t, "flaky test", gotBody["reason"])
	require.Contains(t, out, "retry")
}
