// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcpserver exposes the engine as Model Context Protocol tools, so
// MCP clients can list workflows, start and resume runs, and inspect them.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/flowline/pkg/auth"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/run"
	flowserver "github.com/kadirpekel/flowline/pkg/server"
	"github.com/kadirpekel/flowline/pkg/store"
)

// Name is the MCP server name announced to clients.
const Name = "flowline"

// Server registers the engine tools on an MCP server.
type Server struct {
	engine *engine.Engine
	mcp    *server.MCPServer

	authenticated bool
	resumeRoles   []string
}

type Option func(*Server)

// WithResumeRoles marks callers as authenticated by the HTTP layer. The
// resume_workflow tool then requires caller claims holding one of roles;
// no roles admits every authenticated caller.
func WithResumeRoles(roles ...string) Option {
	return func(s *Server) {
		s.authenticated = true
		s.resumeRoles = roles
	}
}

func New(e *engine.Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine: e,
		mcp: server.NewMCPServer(Name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// HTTPHandler serves the streamable HTTP transport. Claims set by the auth
// middleware reach the tool handlers.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if claims := auth.GetClaims(r); claims != nil {
				return auth.ContextWithClaims(ctx, claims)
			}
			return ctx
		}),
	)
}

// ServeStdio serves newline-delimited JSON-RPC on in and out until ctx is
// cancelled or in reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_workflows",
		mcp.WithDescription("List registered workflows with their input, output and resume schemas"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListWorkflows)

	s.mcp.AddTool(mcp.NewTool("list_networks",
		mcp.WithDescription("List registered agent networks and their delegates"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListNetworks)

	s.mcp.AddTool(mcp.NewTool("start_workflow",
		mcp.WithDescription("Start a workflow run and wait until it completes, fails or suspends"),
		mcp.WithString("workflowId", mcp.Required(), mcp.Description("The workflow to run")),
		mcp.WithObject("inputData", mcp.Description("Input matching the workflow input schema")),
	), s.handleStartWorkflow)

	s.mcp.AddTool(mcp.NewTool("resume_workflow",
		mcp.WithDescription("Resume a suspended run with data matching the step resume schema"),
		mcp.WithString("runId", mcp.Required(), mcp.Description("The suspended run")),
		mcp.WithString("step", mcp.Description("The suspended step; optional when only one step is suspended")),
		mcp.WithObject("resumeData", mcp.Required(), mcp.Description("Data for the suspended step")),
	), s.handleResumeWorkflow)

	s.mcp.AddTool(mcp.NewTool("start_network",
		mcp.WithDescription("Send a message to an agent network and wait for the result"),
		mcp.WithString("name", mcp.Required(), mcp.Description("The network to run")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The task for the network")),
	), s.handleStartNetwork)

	s.mcp.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Get the stored snapshot of a run"),
		mcp.WithString("runId", mcp.Required(), mcp.Description("The run to inspect")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetRun)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List stored runs, most recently updated first"),
		mcp.WithString("workflowId", mcp.Description("Only runs of this workflow or network")),
		mcp.WithString("status", mcp.Description("Only runs in this status"),
			mcp.Enum(string(run.StatusRunning), string(run.StatusSuspended), string(run.StatusSuccess),
				string(run.StatusFailed), string(run.StatusRejected))),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListRuns)
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfs := s.engine.Workflows()
	out := make([]flowserver.WorkflowInfo, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, flowserver.DescribeWorkflow(wf))
	}
	return jsonResult(map[string]any{"workflows": out})
}

func (s *Server) handleListNetworks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nets := s.engine.Networks()
	out := make([]flowserver.NetworkInfo, 0, len(nets))
	for _, n := range nets {
		out = append(out, flowserver.DescribeNetwork(n))
	}
	return jsonResult(map[string]any{"networks": out})
}

func (s *Server) handleStartWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflowId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input, err := objectArg(req, "inputData")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h, err := s.engine.Start(ctx, workflowID, input)
	if err != nil {
		return toolError(err), nil
	}
	return s.await(ctx, req, h)
}

func (s *Server) handleResumeWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.checkResume(ctx); err != nil {
		slog.Warn("MCP resume denied", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	runID, err := req.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := objectArg(req, "resumeData")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h, err := s.engine.Resume(ctx, runID, req.GetString("step", ""), data)
	if err != nil {
		return toolError(err), nil
	}
	return s.await(ctx, req, h)
}

// checkResume applies the same role gate as the HTTP resume endpoints.
func (s *Server) checkResume(ctx context.Context) error {
	if !s.authenticated {
		return nil
	}
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return auth.ErrUnauthorized
	}
	if len(s.resumeRoles) > 0 && !claims.HasAnyRole(s.resumeRoles...) {
		return auth.ErrForbidden
	}
	return nil
}

func (s *Server) handleStartNetwork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h, err := s.engine.StartNetwork(ctx, name, message, nil)
	if err != nil {
		return toolError(err), nil
	}
	return s.await(ctx, req, h)
}

func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.engine.Get(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.Filter{
		WorkflowID: req.GetString("workflowId", ""),
		Limit:      req.GetInt("limit", 0),
	}
	if v := req.GetString("status", ""); v != "" {
		st, err := run.ParseStatus(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = st
	}
	runs, err := s.engine.List(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	if runs == nil {
		runs = []*run.Snapshot{}
	}
	return jsonResult(map[string]any{"runs": runs})
}

// await relays progress events as MCP progress notifications when the
// caller sent a progress token, then returns the final snapshot.
func (s *Server) await(ctx context.Context, req mcp.CallToolRequest, h *engine.RunHandle) (*mcp.CallToolResult, error) {
	defer h.Close()

	var token mcp.ProgressToken
	if req.Params.Meta != nil {
		token = req.Params.Meta.ProgressToken
	}
	srv := server.ServerFromContext(ctx)

	count := 0
	for rec := range h.Records() {
		ev, ok := rec.Progress()
		if !ok || token == nil || srv == nil {
			continue
		}
		count++
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      count,
			"message":       ev.Message,
		})
		if err != nil {
			slog.Debug("Failed to send MCP progress notification", "run_id", h.RunID, "error", err)
		}
	}

	snap, err := h.Wait(ctx)
	if snap == nil {
		if err == nil {
			err = store.ErrRunNotFound
		}
		return toolError(err), nil
	}
	result, jerr := jsonResult(snap)
	if jerr != nil {
		return nil, jerr
	}
	// A failed run is a tool error; suspended and rejected runs are not.
	result.IsError = snap.Status == run.StatusFailed
	return result, nil
}

func objectArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return obj, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports engine errors to the model, with field errors when the
// input failed validation.
func toolError(err error) *mcp.CallToolResult {
	body := flowserver.ErrorOf(err)
	data, jerr := json.Marshal(body)
	if jerr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}
