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

// Package run defines the serializable state of a workflow or network run:
// the snapshot persisted between suspend and resume, and the records of its
// output stream.
package run

import (
	"fmt"
	"slices"
	"time"
)

// RunKind distinguishes workflow runs from network runs.
type RunKind string

const (
	RunWorkflow RunKind = "workflow"
	RunNetwork  RunKind = "network"
)

// NodeKind tells what a tracked graph node is.
type NodeKind string

const (
	NodeStep     NodeKind = "step"
	NodeWorkflow NodeKind = "workflow"
	NodeBranch   NodeKind = "branch"
)

// StepState is the persisted state of one graph node, keyed in the snapshot
// by its scoped path ("sub-workflow/step"). Sub-workflows and branches are
// tracked alongside steps so a resumed run can skip what already finished.
type StepState struct {
	Kind           NodeKind       `json:"kind,omitempty"`
	StepID         string         `json:"stepId"`
	Path           string         `json:"path"`
	Workflow       string         `json:"workflow"`
	Status         StepStatus     `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	SuspendPayload map[string]any `json:"suspendPayload,omitempty"`
	ResumePayload  map[string]any `json:"resumePayload,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
	StartedAt      time.Time      `json:"startedAt,omitzero"`
	EndedAt        time.Time      `json:"endedAt,omitzero"`
}

// NetworkStep records one delegation made by a network run.
type NetworkStep struct {
	Index        int            `json:"index"`
	DelegateName string         `json:"delegateName"`
	DelegateKind string         `json:"delegateKind,omitempty"`
	Status       StepStatus     `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	StartedAt    time.Time      `json:"startedAt,omitzero"`
	EndedAt      time.Time      `json:"endedAt,omitzero"`
}

// Snapshot is everything needed to rehydrate a run: no in-memory state
// survives between suspend and resume.
type Snapshot struct {
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	Kind       RunKind        `json:"kind"`
	Status     Status         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`

	// Cursor is the path of the step currently running or suspended.
	Cursor string                `json:"cursor,omitempty"`
	Steps  map[string]*StepState `json:"steps"`
	// Order lists step paths in the order they were first touched.
	Order []string `json:"order,omitempty"`
	// Branches maps a branch node path to the chosen sub-workflow ID.
	Branches  map[string]string `json:"branches,omitempty"`
	Suspended []string          `json:"suspended,omitempty"`
	Network   []NetworkStep     `json:"network,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	// Seq is the sequence number of the last record produced by the run.
	Seq int64 `json:"seq"`
	// Version is bumped on every save and used for optimistic concurrency.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a running snapshot.
func New(runID, workflowID string, kind RunKind, input map[string]any) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		RunID:      runID,
		WorkflowID: workflowID,
		Kind:       kind,
		Status:     StatusRunning,
		Input:      input,
		Steps:      make(map[string]*StepState),
		Branches:   make(map[string]string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Step returns the state stored for a step path.
func (s *Snapshot) Step(path string) (*StepState, bool) {
	st, ok := s.Steps[path]
	return st, ok
}

// Transition moves a step to a new status, creating its state on first use.
func (s *Snapshot) Transition(path, stepID, workflow string, to StepStatus) (*StepState, error) {
	return s.TransitionNode(NodeStep, path, stepID, workflow, to)
}

// TransitionNode is Transition for any node kind. Only steps are listed as
// suspended; an enclosing sub-workflow is marked suspended but is not a
// resume target.
func (s *Snapshot) TransitionNode(kind NodeKind, path, stepID, workflow string, to StepStatus) (*StepState, error) {
	if s.Steps == nil {
		s.Steps = make(map[string]*StepState)
	}
	st, ok := s.Steps[path]
	var from StepStatus
	if ok {
		from = st.Status
	}
	if err := ValidateStepTransition(from, to); err != nil {
		return nil, fmt.Errorf("step %s: %w", path, err)
	}
	if !ok {
		st = &StepState{Kind: kind, StepID: stepID, Path: path, Workflow: workflow}
		s.Steps[path] = st
		s.Order = append(s.Order, path)
	}
	st.Status = to

	now := time.Now().UTC()
	switch to {
	case StepRunning:
		if st.StartedAt.IsZero() {
			st.StartedAt = now
		}
		st.EndedAt = time.Time{}
		s.Cursor = path
	case StepSuccess, StepFailed:
		st.EndedAt = now
	}

	if to == StepSuspended && st.Kind == NodeStep {
		if !slices.Contains(s.Suspended, path) {
			s.Suspended = append(s.Suspended, path)
		}
	} else {
		s.Suspended = slices.DeleteFunc(s.Suspended, func(p string) bool { return p == path })
	}
	return st, nil
}

// SetStatus moves the run to a new status.
func (s *Snapshot) SetStatus(to Status) error {
	if err := ValidateRunTransition(s.Status, to); err != nil {
		return fmt.Errorf("run %s: %w", s.RunID, err)
	}
	s.Status = to
	return nil
}

// IsTerminal reports whether the run reached a final status.
func (s *Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Outputs collects the outputs of all successful steps keyed by step path.
// Sub-workflow and branch nodes are left out.
func (s *Snapshot) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for path, st := range s.Steps {
		if st.Kind != NodeStep && st.Kind != "" {
			continue
		}
		if st.Status == StepSuccess && st.Output != nil {
			out[path] = st.Output
		}
	}
	return out
}

// FindSuspended resolves a step reference to a suspended step path. The
// reference may be a full path or a bare step ID; an empty reference selects
// the only suspended step when there is exactly one.
func (s *Snapshot) FindSuspended(ref string) (string, error) {
	if ref == "" {
		if len(s.Suspended) == 1 {
			return s.Suspended[0], nil
		}
		return "", fmt.Errorf("step is required: %d steps are suspended", len(s.Suspended))
	}
	if slices.Contains(s.Suspended, ref) {
		return ref, nil
	}
	var matches []string
	for _, p := range s.Suspended {
		if st, ok := s.Steps[p]; ok && st.StepID == ref {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("step %q is not suspended", ref)
	default:
		return "", fmt.Errorf("step %q is ambiguous: %v", ref, matches)
	}
}

// Clone returns a deep copy. JSON-shaped values (maps, slices) are copied;
// other values are shared.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = CloneMap(s.Input)
	c.Result = CloneMap(s.Result)
	c.Steps = make(map[string]*StepState, len(s.Steps))
	for k, v := range s.Steps {
		st := *v
		st.Output = CloneMap(v.Output)
		st.SuspendPayload = CloneMap(v.SuspendPayload)
		st.ResumePayload = CloneMap(v.ResumePayload)
		c.Steps[k] = &st
	}
	c.Order = slices.Clone(s.Order)
	c.Suspended = slices.Clone(s.Suspended)
	c.Branches = make(map[string]string, len(s.Branches))
	for k, v := range s.Branches {
		c.Branches[k] = v
	}
	c.Network = make([]NetworkStep, len(s.Network))
	for i, n := range s.Network {
		n.Input = CloneMap(n.Input)
		n.Output = CloneMap(n.Output)
		c.Network[i] = n
	}
	if len(c.Network) == 0 {
		c.Network = nil
	}
	return &c
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
