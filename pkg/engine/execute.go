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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// execution is one segment of a run: from start or resume to the next stop.
// All snapshot mutations happen on the segment's goroutine.
type execution struct {
	engine *Engine
	snap   *run.Snapshot
	stream *stream

	// resumePath is the suspended step re-entered with resumeData.
	resumePath string
	resumeData map[string]any
}

func (ex *execution) run(ctx context.Context, body runBody) error {
	start := time.Now()
	kind, name := string(ex.snap.Kind), ex.snap.WorkflowID
	metrics := ex.engine.cfg.Metrics

	ctx, span := ex.engine.cfg.Tracer.StartRun(ctx, ex.snap.RunID, kind, name)
	metrics.RunStarted(ctx, kind, name)

	ex.publish(run.Record{Kind: run.KindRun, Workflow: name, Status: string(ex.snap.Status)})
	err := ex.finish(ctx, body(ctx, ex))

	status := string(ex.snap.Status)
	metrics.RunFinished(ctx, kind, name, status, time.Since(start))
	observability.End(span, status, err)
	slog.Info("Run stopped", "run_id", ex.snap.RunID, "workflow", name, "status", status,
		"duration", time.Since(start).Round(time.Millisecond))
	return err
}

// finish records how the segment ended and persists the final snapshot. It
// returns the run error for failed runs only.
func (ex *execution) finish(ctx context.Context, err error) error {
	rec := run.Record{Kind: run.KindRun, Workflow: ex.snap.WorkflowID}

	var (
		to   run.Status
		susp *workflow.SuspendError
		bail *workflow.BailError
	)
	switch {
	case err == nil:
		to = run.StatusSuccess
	case errors.As(err, &susp):
		to = run.StatusSuspended
		if st, ok := ex.snap.Step(ex.snap.Cursor); ok {
			rec.StepID = st.StepID
			rec.Path = st.Path
		}
		rec.SuspendPayload = susp.Payload
	case errors.As(err, &bail):
		to = run.StatusRejected
		ex.snap.Result = bail.Output
	default:
		to = run.StatusFailed
		ex.snap.Error = err.Error()
		rec.Error = err.Error()
	}
	if serr := ex.snap.SetStatus(to); serr != nil {
		slog.Error("Invalid run transition", "run_id", ex.snap.RunID, "error", serr)
	}
	rec.Status = string(ex.snap.Status)
	rec.Output = ex.snap.Result
	ex.publish(rec)

	if serr := ex.save(ctx); serr != nil {
		slog.Error("Failed to persist run", "run_id", ex.snap.RunID, "error", serr)
	}
	if to == run.StatusFailed {
		return err
	}
	return nil
}

// save persists the snapshot together with the records produced so far.
func (ex *execution) save(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	ex.snap.Seq = ex.stream.lastSeq()
	if err := ex.stream.flush(ctx); err != nil {
		slog.Warn("Failed to persist run records", "run_id", ex.snap.RunID, "error", err)
	}
	return ex.engine.store.Save(ctx, ex.snap)
}

func (ex *execution) checkpoint(ctx context.Context) {
	if err := ex.save(ctx); err != nil {
		slog.Error("Failed to checkpoint run", "run_id", ex.snap.RunID, "error", err)
	}
}

func (ex *execution) publish(rec run.Record) {
	if rec.Origin == "" {
		rec.Origin = run.OriginEngine
	}
	ex.stream.publish(rec)
}

// transition moves a node and streams the change as a step record.
func (ex *execution) transition(kind run.NodeKind, path, id, owner string, to run.StepStatus, mutate func(*run.StepState)) (*run.StepState, error) {
	st, err := ex.snap.TransitionNode(kind, path, id, owner, to)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(st)
	}
	rec := run.Record{
		Kind:     run.KindStep,
		Node:     kind,
		StepID:   st.StepID,
		Path:     path,
		Workflow: st.Workflow,
		Status:   string(to),
	}
	switch to {
	case run.StepSuccess:
		rec.Output = st.Output
	case run.StepSuspended:
		rec.SuspendPayload = st.SuspendPayload
	case run.StepFailed:
		rec.Error = st.Error
	}
	ex.publish(rec)
	return st, nil
}

func (ex *execution) runWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	out, err := ex.runNodes(ctx, wf, "", ex.snap.Input)
	if err != nil {
		return err
	}
	if err := wf.Output().Validate(out); err != nil {
		return newValidationError("output", wf.ID(), err)
	}
	ex.snap.Result = out
	return nil
}

// runNodes executes a workflow's nodes in order, feeding each node the
// previous node's output.
func (ex *execution) runNodes(ctx context.Context, wf *workflow.Workflow, parent string, input map[string]any) (map[string]any, error) {
	current := input
	for _, node := range wf.Nodes() {
		var (
			out map[string]any
			err error
		)
		switch node.Kind {
		case workflow.NodeStep:
			out, err = ex.runStep(ctx, wf.ID(), node.Step, joinPath(parent, node.ID), current)
		case workflow.NodeWorkflow:
			out, err = ex.runSub(ctx, wf.ID(), node.Workflow, joinPath(parent, node.ID), current)
		case workflow.NodeBranch:
			out, err = ex.runBranch(ctx, wf.ID(), node, parent, current)
		default:
			err = fmt.Errorf("unknown node kind %s", node.Kind)
		}
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}

func joinPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "/" + id
}

func (ex *execution) runSub(ctx context.Context, owner string, sub *workflow.Workflow, path string, input map[string]any) (map[string]any, error) {
	st, exists := ex.snap.Step(path)
	switch {
	case exists && st.Status == run.StepSuccess:
		return st.Output, nil
	case !exists || st.Status == run.StepSuspended:
		if _, err := ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepRunning, nil); err != nil {
			return nil, err
		}
	}

	out, err := ex.runNodes(ctx, sub, path, input)

	var (
		susp *workflow.SuspendError
		bail *workflow.BailError
	)
	switch {
	case err == nil:
		if verr := sub.Output().Validate(out); verr != nil {
			err = newValidationError("output", sub.ID(), verr)
			ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepFailed, func(s *run.StepState) { s.Error = err.Error() })
			return nil, err
		}
		ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepSuccess, func(s *run.StepState) { s.Output = out })
		return out, nil
	case errors.As(err, &susp):
		ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepSuspended, nil)
	case errors.As(err, &bail):
		ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepSuccess, func(s *run.StepState) { s.Output = bail.Output })
	default:
		ex.transition(run.NodeWorkflow, path, sub.ID(), owner, run.StepFailed, func(s *run.StepState) { s.Error = err.Error() })
	}
	return nil, err
}

// runBranch routes to the first matching case. The choice is stored in the
// snapshot so a resumed run follows the same case without re-evaluating.
func (ex *execution) runBranch(ctx context.Context, owner string, node workflow.GraphNode, parent string, input map[string]any) (map[string]any, error) {
	path := joinPath(parent, node.ID)

	chosen, decided := ex.snap.Branches[path]
	if !decided {
		if _, err := ex.transition(run.NodeBranch, path, node.ID, owner, run.StepRunning, nil); err != nil {
			return nil, err
		}
		idx, err := ex.evaluate(node.Cases, input)
		if err == nil && idx < 0 {
			err = &UnroutedBranchError{Path: path, Cases: len(node.Cases)}
		}
		if err != nil {
			ex.transition(run.NodeBranch, path, node.ID, owner, run.StepFailed, func(s *run.StepState) { s.Error = err.Error() })
			return nil, err
		}
		chosen = node.Cases[idx].Workflow.ID()
		ex.snap.Branches[path] = chosen
		ex.transition(run.NodeBranch, path, node.ID, owner, run.StepSuccess, func(s *run.StepState) {
			s.Output = map[string]any{"branch": chosen}
		})
		slog.Debug("Branch routed", "run_id", ex.snap.RunID, "branch", path, "workflow", chosen)
	}

	for _, c := range node.Cases {
		if c.Workflow.ID() == chosen {
			return ex.runSub(ctx, owner, c.Workflow, joinPath(parent, chosen), input)
		}
	}
	return nil, fmt.Errorf("branch %s: chosen workflow %q is not a case", path, chosen)
}

func (ex *execution) evaluate(cases []workflow.Case, input map[string]any) (idx int, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx, err = -1, fmt.Errorf("panic in branch predicate: %v", r)
		}
	}()
	data := workflow.PredicateData{
		Input: run.CloneMap(input),
		Init:  run.CloneMap(ex.snap.Input),
		Steps: ex.outputsByID(),
	}
	for i, c := range cases {
		if c.When(data) {
			return i, nil
		}
	}
	return -1, nil
}

// outputsByID returns copies of completed step outputs keyed by step ID.
func (ex *execution) outputsByID() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, st := range ex.snap.Steps {
		if st.Kind == run.NodeStep && st.Status == run.StepSuccess {
			out[st.StepID] = run.CloneMap(st.Output)
		}
	}
	return out
}

func (ex *execution) runStep(ctx context.Context, owner string, step *workflow.Step, path string, input map[string]any) (map[string]any, error) {
	var resumeData map[string]any

	if st, exists := ex.snap.Step(path); exists {
		switch {
		case st.Status == run.StepSuccess:
			return st.Output, nil
		case st.Status == run.StepSuspended && path == ex.resumePath:
			resumeData = ex.resumeData
			if _, err := ex.transition(run.NodeStep, path, step.ID(), owner, run.StepRunning, nil); err != nil {
				return nil, err
			}
		case st.Status == run.StepSuspended:
			return nil, &workflow.SuspendError{Payload: st.SuspendPayload}
		default:
			return nil, fmt.Errorf("step %s is %s and cannot be re-entered", path, st.Status)
		}
	} else {
		if _, err := ex.transition(run.NodeStep, path, step.ID(), owner, run.StepWaiting, nil); err != nil {
			return nil, err
		}
		if _, err := ex.transition(run.NodeStep, path, step.ID(), owner, run.StepRunning, nil); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	out, attempts, err := ex.attempts(ctx, owner, step, path, input, resumeData)

	st, _ := ex.snap.Step(path)
	st.Attempts = attempts

	var (
		status run.StepStatus
		susp   *workflow.SuspendError
		bail   *workflow.BailError
	)
	switch {
	case err == nil:
		if verr := step.Output().Validate(out); verr != nil {
			err = &StepExecutionError{StepID: step.ID(), Path: path, Attempts: attempts, Err: newValidationError("output", step.ID(), verr)}
			status = run.StepFailed
			break
		}
		status = run.StepSuccess
	case errors.As(err, &susp) && step.CanSuspend():
		status = run.StepSuspended
	case errors.As(err, &bail):
		status = run.StepSuccess
		out = bail.Output
	default:
		if susp != nil {
			err = fmt.Errorf("step %s declares no resume contract and cannot suspend", step.ID())
		}
		err = &StepExecutionError{StepID: step.ID(), Path: path, Attempts: attempts, Err: err}
		status = run.StepFailed
	}

	ex.transition(run.NodeStep, path, step.ID(), owner, status, func(s *run.StepState) {
		switch status {
		case run.StepSuccess:
			s.Output = out
		case run.StepSuspended:
			s.SuspendPayload = susp.Payload
		case run.StepFailed:
			s.Error = err.Error()
		}
	})
	ex.engine.cfg.Metrics.StepFinished(ctx, owner, step.ID(), string(status), time.Since(start))
	ex.checkpoint(ctx)

	if status == run.StepSuccess && bail == nil {
		return out, nil
	}
	return nil, err
}

// attempts runs a step under its retry policy. Suspensions and bails end the
// loop immediately.
func (ex *execution) attempts(ctx context.Context, owner string, step *workflow.Step, path string, input, resumeData map[string]any) (map[string]any, int, error) {
	cfg := ex.engine.cfg
	retries, backoff, timeout := step.Retries(), step.Backoff(), step.Timeout()
	if retries == 0 {
		retries = cfg.MaxRetries
		backoff = cfg.RetryBackoff
	}
	if timeout == 0 {
		timeout = cfg.StepTimeout
	}

	var (
		out     map[string]any
		err     error
		attempt int
	)
	if err := step.Input().Validate(input); err != nil {
		return nil, 1, newValidationError("input", step.ID(), err)
	}
	for attempt = 1; ; attempt++ {
		out, err = ex.attempt(ctx, owner, step, path, attempt, input, resumeData, timeout)
		if err == nil || errors.Is(err, workflow.ErrSuspended) || errors.Is(err, workflow.ErrBailed) {
			break
		}
		if attempt > retries || ctx.Err() != nil {
			break
		}
		slog.Warn("Step attempt failed, retrying", "run_id", ex.snap.RunID, "step", path,
			"attempt", attempt, "error", err)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
	}
	return out, attempt, err
}

// attempt runs the step callback once. The callback runs on its own
// goroutine so a timeout can abandon it; its context is cancelled and later
// emits are dropped.
func (ex *execution) attempt(ctx context.Context, owner string, step *workflow.Step, path string, attempt int, input, resumeData map[string]any, timeout time.Duration) (map[string]any, error) {
	ctx, span := ex.engine.cfg.Tracer.StartStep(ctx, step.ID(), path)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sc := ex.stepContext(ctx, owner, step, path, attempt, resumeData)
	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := step.Execute(sc, run.CloneMap(input))
		done <- result{out, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
		if errors.Is(r.err, context.DeadlineExceeded) {
			r.err = fmt.Errorf("step timed out after %s: %w", timeout, r.err)
		}
	}
	sc.close()
	observability.End(span, "", r.err)
	return r.out, r.err
}
