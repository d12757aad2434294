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

package engine

import (
	"context"
	"fmt"

	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/run"
)

// WorkflowDelegate runs a registered workflow as a network delegate. The
// nested run's records are relayed into the calling run.
type WorkflowDelegate struct {
	engine      *Engine
	workflowID  string
	name        string
	description string
	mapInput    func(*network.Call) map[string]any
}

var _ network.Delegate = (*WorkflowDelegate)(nil)

// WorkflowDelegate creates a delegate for workflowID. name defaults to the
// workflow ID.
func (e *Engine) WorkflowDelegate(workflowID, name, description string) *WorkflowDelegate {
	if name == "" {
		name = workflowID
	}
	return &WorkflowDelegate{engine: e, workflowID: workflowID, name: name, description: description}
}

// MapInput sets how a call becomes the workflow input. By default the
// routed input is passed unchanged.
func (d *WorkflowDelegate) MapInput(fn func(*network.Call) map[string]any) *WorkflowDelegate {
	d.mapInput = fn
	return d
}

func (d *WorkflowDelegate) Name() string { return d.name }
func (d *WorkflowDelegate) Kind() string { return network.KindWorkflow }

func (d *WorkflowDelegate) Description() string {
	if d.description != "" {
		return d.description
	}
	if wf, ok := d.engine.Workflow(d.workflowID); ok {
		return wf.Description()
	}
	return ""
}

// Invoke starts the workflow with the routed input and waits for it. A
// nested run that suspends fails the delegation; it stays resumable on its
// own run ID.
func (d *WorkflowDelegate) Invoke(ctx context.Context, call *network.Call) (map[string]any, error) {
	input := call.Input
	if d.mapInput != nil {
		input = d.mapInput(call)
	}
	h, err := d.engine.Start(ctx, d.workflowID, input)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	ev := call.Emitter()
	for rec := range h.Records() {
		ev.Relay(d.name, rec)
	}

	snap, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	switch snap.Status {
	case run.StatusSuccess:
		return snap.Result, nil
	case run.StatusSuspended:
		return nil, fmt.Errorf("workflow %s suspended in run %s", d.workflowID, snap.RunID)
	default:
		return nil, fmt.Errorf("workflow %s ended %s in run %s", d.workflowID, snap.Status, snap.RunID)
	}
}
