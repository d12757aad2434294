package mcpserver_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/demo"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/mcpserver"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/server"
)

func newClient(t *testing.T, opts ...mcpserver.Option) *client.Client {
	t.Helper()
	e := engine.New(engine.Config{RecordBuffer: 4})
	require.NoError(t, demo.Register(e, demo.Options{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	c, err := client.NewInProcessClient(mcpserver.New(e, "test", opts...).MCP())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := testContext(t)
	require.NoError(t, c.Start(ctx))
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "flowline-test", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(testContext(t), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestListTools(t *testing.T) {
	c := newClient(t)
	res, err := c.ListTools(testContext(t), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_workflows", "list_networks", "start_workflow", "resume_workflow",
		"start_network", "get_run", "list_runs",
	}, names)
}

func TestListWorkflows(t *testing.T) {
	c := newClient(t)
	text, isErr := call(t, c, "list_workflows", nil)
	require.False(t, isErr)

	var out struct {
		Workflows []server.WorkflowInfo `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Len(t, out.Workflows, 4)
}

func TestApprovalRoundTrip(t *testing.T) {
	c := newClient(t)

	text, isErr := call(t, c, "start_workflow", map[string]any{
		"workflowId": "approval-workflow",
		"inputData":  map[string]any{"request": "monitor"},
	})
	require.False(t, isErr, text)
	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	require.Equal(t, run.StatusSuspended, snap.Status)
	assert.Equal(t, []string{"request-approval"}, snap.Suspended)

	text, isErr = call(t, c, "resume_workflow", map[string]any{
		"runId":      snap.RunID,
		"resumeData": map[string]any{"approverName": "Ada"},
	})
	assert.True(t, isErr)
	var body server.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, server.CodeResumeRejected, body.Code)

	text, isErr = call(t, c, "resume_workflow", map[string]any{
		"runId":      snap.RunID,
		"step":       "request-approval",
		"resumeData": map[string]any{"approved": true, "approverName": "Ada"},
	})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.Contains(t, snap.Result["message"], "Ada")

	text, isErr = call(t, c, "get_run", map[string]any{"runId": snap.RunID})
	require.False(t, isErr)
	var got run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.Equal(t, run.StatusSuccess, got.Status)

	text, isErr = call(t, c, "list_runs", map[string]any{"status": "success"})
	require.False(t, isErr)
	var list struct {
		Runs []run.Snapshot `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, snap.RunID, list.Runs[0].RunID)
}

func TestToolErrors(t *testing.T) {
	c := newClient(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
		code string
	}{
		{"unknown workflow", "start_workflow", map[string]any{"workflowId": "missing"}, server.CodeNotFound},
		{"invalid input", "start_workflow", map[string]any{
			"workflowId": "branching-workflow",
			"inputData":  map[string]any{"orderId": "A", "orderType": "drone", "amount": 1},
		}, server.CodeValidation},
		{"unknown run", "get_run", map[string]any{"runId": "nope"}, server.CodeNotFound},
		{"unknown network", "start_network", map[string]any{"name": "missing", "message": "hi"}, server.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, c, tt.tool, tt.args)
			require.True(t, isErr)
			var body server.ErrorBody
			require.NoError(t, json.Unmarshal([]byte(text), &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}

	text, isErr := call(t, c, "start_workflow", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "workflowId")
}

func TestStartNetwork(t *testing.T) {
	c := newClient(t)
	text, isErr := call(t, c, "start_network", map[string]any{
		"name":    "report-network",
		"message": "market trends",
	})
	require.False(t, isErr, text)
	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Equal(t, run.RunNetwork, snap.Kind)
	assert.Equal(t, run.StatusSuccess, snap.Status)
}

func TestResumeRequiresCallerClaims(t *testing.T) {
	c := newClient(t, mcpserver.WithResumeRoles("approver"))

	text, isErr := call(t, c, "start_workflow", map[string]any{
		"workflowId": "approval-workflow",
		"inputData":  map[string]any{"request": "desk"},
	})
	require.False(t, isErr, text)
	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	require.Equal(t, run.StatusSuspended, snap.Status)

	text, isErr = call(t, c, "resume_workflow", map[string]any{
		"runId":      snap.RunID,
		"resumeData": map[string]any{"approved": true, "approverName": "Ada"},
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "unauthorized")

	text, isErr = call(t, c, "get_run", map[string]any{"runId": snap.RunID})
	require.False(t, isErr)
	var got run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.Equal(t, run.StatusSuspended, got.Status)
}
