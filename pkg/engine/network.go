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
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// StartNetwork starts a network run on message. input is handed to the
// router alongside the message; a "message" key stands in for an empty
// message.
func (e *Engine) StartNetwork(ctx context.Context, name, message string, input map[string]any) (*RunHandle, error) {
	n, ok := e.networks.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	if message == "" {
		message, _ = input["message"].(string)
	}
	if message == "" {
		return nil, &ValidationError{Scope: "input", Target: name, Fields: []workflow.FieldError{
			{Field: "message", Message: "is required"},
		}}
	}

	runInput := run.CloneMap(input)
	if runInput == nil {
		runInput = map[string]any{}
	}
	runInput["message"] = message

	snap := run.New(uuid.NewString(), name, run.RunNetwork, runInput)
	return e.create(ctx, snap, func(ctx context.Context, ex *execution) error {
		return ex.runNetwork(ctx, n, message, run.CloneMap(input))
	})
}

// runNetwork asks the router for delegations until it is done or the
// iteration bound is hit. A failed delegation fails the run.
func (ex *execution) runNetwork(ctx context.Context, n *network.Network, message string, input map[string]any) error {
	infos := n.Describe()
	var last map[string]any

	for i := 0; ; i++ {
		if i >= n.MaxIterations() {
			slog.Warn("Network hit its iteration bound", "run_id", ex.snap.RunID, "network", n.Name(),
				"max_iterations", n.MaxIterations())
			break
		}
		req := &network.RouteRequest{
			Network:   n.Name(),
			Message:   message,
			Input:     input,
			Delegates: infos,
			History:   slices.Clone(ex.snap.Network),
		}
		decision, err := n.Router().Route(ctx, req)
		if err != nil {
			return fmt.Errorf("network %s: %w", n.Name(), err)
		}
		if decision.Done {
			slog.Debug("Network done", "run_id", ex.snap.RunID, "network", n.Name(), "reason", decision.Reason)
			break
		}
		d, err := n.Delegate(decision.Delegate)
		if err != nil {
			return fmt.Errorf("network %s: %w", n.Name(), err)
		}
		out, err := ex.delegate(ctx, n, d, decision, message, req.History)
		if err != nil {
			return err
		}
		last = out
	}

	ex.snap.Result = last
	return nil
}

func (ex *execution) delegate(ctx context.Context, n *network.Network, d network.Delegate, decision network.Decision, message string, history []run.NetworkStep) (map[string]any, error) {
	idx := len(ex.snap.Network)
	path := fmt.Sprintf("%s/%d", d.Name(), idx)
	ex.snap.Network = append(ex.snap.Network, run.NetworkStep{
		Index:        idx,
		DelegateName: d.Name(),
		DelegateKind: d.Kind(),
		Status:       run.StepRunning,
		Input:        run.CloneMap(decision.Input),
		Reason:       decision.Reason,
		StartedAt:    time.Now().UTC(),
	})
	ex.publishNetwork(idx, path)

	start := time.Now()
	ctx, span := ex.engine.cfg.Tracer.StartDelegate(ctx, d.Name())
	sc := ex.stepContext(ctx, n.Name(), nil, path, 1, nil)
	sc.stepID = d.Name()

	out, err := invoke(ctx, d, &network.Call{
		RunID:   ex.snap.RunID,
		Message: message,
		Input:   run.CloneMap(decision.Input),
		History: history,
		Events:  sc,
	})
	sc.close()

	ns := &ex.snap.Network[idx]
	ns.EndedAt = time.Now().UTC()
	if err != nil {
		ns.Status = run.StepFailed
		ns.Error = err.Error()
		err = &StepExecutionError{StepID: d.Name(), Path: path, Attempts: 1, Err: err}
	} else {
		ns.Status = run.StepSuccess
		ns.Output = out
	}
	observability.End(span, string(ns.Status), err)
	ex.engine.cfg.Metrics.StepFinished(ctx, n.Name(), d.Name(), string(ns.Status), time.Since(start))
	ex.publishNetwork(idx, path)
	ex.checkpoint(ctx)
	return out, err
}

func invoke(ctx context.Context, d network.Delegate, call *network.Call) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in delegate %s: %v", d.Name(), r)
		}
	}()
	return d.Invoke(ctx, call)
}

func (ex *execution) publishNetwork(idx int, path string) {
	ns := ex.snap.Network[idx]
	ns.Input = run.CloneMap(ns.Input)
	ns.Output = run.CloneMap(ns.Output)
	ex.publish(run.Record{
		Kind:     run.KindNetwork,
		StepID:   ns.DelegateName,
		Path:     path,
		Workflow: ex.snap.WorkflowID,
		Status:   string(ns.Status),
		Output:   ns.Output,
		Error:    ns.Error,
		Network:  &ns,
	})
}
