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

package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// WorkflowInfo describes a registered workflow and its contracts.
type WorkflowInfo struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Steps        []StepInfo     `json:"steps"`
	Graph        []NodeInfo     `json:"graph"`
}

// StepInfo describes one step. ResumeSchema is set for steps that can suspend.
type StepInfo struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	ResumeSchema map[string]any `json:"resumeSchema,omitempty"`
}

// NodeInfo is one entry of a workflow graph.
type NodeInfo struct {
	Kind     string     `json:"kind"`
	ID       string     `json:"id"`
	Workflow string     `json:"workflow,omitempty"`
	Cases    []CaseInfo `json:"cases,omitempty"`
}

type CaseInfo struct {
	Workflow  string `json:"workflow"`
	Otherwise bool   `json:"otherwise,omitempty"`
}

// NetworkInfo describes a registered network.
type NetworkInfo struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	MaxIterations int                    `json:"maxIterations"`
	Delegates     []network.DelegateInfo `json:"delegates"`
}

// DescribeWorkflow renders wf for clients.
func DescribeWorkflow(wf *workflow.Workflow) WorkflowInfo {
	info := WorkflowInfo{
		ID:           wf.ID(),
		Description:  wf.Description(),
		InputSchema:  wf.Input().JSONSchema(),
		OutputSchema: wf.Output().JSONSchema(),
	}
	for _, st := range wf.Steps() {
		info.Steps = append(info.Steps, StepInfo{
			ID:           st.ID(),
			Description:  st.Description(),
			InputSchema:  st.Input().JSONSchema(),
			OutputSchema: st.Output().JSONSchema(),
			ResumeSchema: st.Resume().JSONSchema(),
		})
	}
	for _, n := range wf.Nodes() {
		node := NodeInfo{Kind: n.Kind.String(), ID: n.ID}
		switch n.Kind {
		case workflow.NodeStep:
			node.ID = n.Step.ID()
		case workflow.NodeWorkflow:
			node.Workflow = n.Workflow.ID()
		case workflow.NodeBranch:
			for _, c := range n.Cases {
				node.Cases = append(node.Cases, CaseInfo{Workflow: c.Workflow.ID(), Otherwise: c.Otherwise})
			}
		}
		info.Graph = append(info.Graph, node)
	}
	return info
}

// DescribeNetwork renders n for clients.
func DescribeNetwork(n *network.Network) NetworkInfo {
	return NetworkInfo{
		Name:          n.Name(),
		Description:   n.Description(),
		MaxIterations: n.MaxIterations(),
		Delegates:     n.Describe(),
	}
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := s.engine.Workflows()
	out := make([]WorkflowInfo, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, DescribeWorkflow(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, ok := s.engine.Workflow(id)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, DescribeWorkflow(wf))
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets := s.engine.Networks()
	out := make([]NetworkInfo, 0, len(nets))
	for _, n := range nets {
		out = append(out, DescribeNetwork(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": out})
}
