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

// Package engine executes workflows and networks. Each run executes on its
// own goroutine, streams ordered records to its handles, and persists a
// snapshot at every step boundary so a suspended run can be resumed from the
// store alone, possibly by another process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/registry"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// DefaultRecordBuffer is the number of records batched before a flush.
const DefaultRecordBuffer = 64

// Config configures an Engine.
type Config struct {
	// Store persists runs. Defaults to an in-memory store.
	Store store.Store

	// StepTimeout bounds steps without their own timeout. Zero means none.
	StepTimeout time.Duration
	// MaxRetries applies to steps without their own retry policy.
	MaxRetries   int
	RetryBackoff time.Duration

	// RecordBuffer is how many records are batched before being persisted.
	RecordBuffer int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Engine runs registered workflows and networks.
type Engine struct {
	cfg   Config
	store store.Store

	workflows *registry.BaseRegistry[*workflow.Workflow]
	networks  *registry.BaseRegistry[*network.Network]

	mu     sync.Mutex
	active map[string]*stream
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.RecordBuffer <= 0 {
		cfg.RecordBuffer = DefaultRecordBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		store:     cfg.Store,
		workflows: registry.NewBaseRegistry[*workflow.Workflow]("workflow"),
		networks:  registry.NewBaseRegistry[*network.Network]("network"),
		active:    make(map[string]*stream),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Store returns the run store.
func (e *Engine) Store() store.Store { return e.store }

// RegisterWorkflow makes a committed workflow runnable.
func (e *Engine) RegisterWorkflow(wf *workflow.Workflow) error {
	if wf == nil {
		return errors.New("workflow is nil")
	}
	if !wf.Committed() {
		return fmt.Errorf("workflow %q must be committed before registration", wf.ID())
	}
	return e.workflows.Register(wf.ID(), wf)
}

// RegisterNetwork makes a network runnable.
func (e *Engine) RegisterNetwork(n *network.Network) error {
	if n == nil {
		return errors.New("network is nil")
	}
	return e.networks.Register(n.Name(), n)
}

func (e *Engine) Workflow(id string) (*workflow.Workflow, bool) { return e.workflows.Get(id) }
func (e *Engine) Workflows() []*workflow.Workflow             { return e.workflows.List() }
func (e *Engine) Network(name string) (*network.Network, bool) { return e.networks.Get(name) }
func (e *Engine) Networks() []*network.Network                { return e.networks.List() }

// Start validates input, persists a new run and starts executing it.
// Invalid input returns a *ValidationError and creates nothing.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]any) (*RunHandle, error) {
	wf, ok := e.workflows.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err := wf.Input().Validate(input); err != nil {
		return nil, newValidationError("input", workflowID, err)
	}
	if input == nil {
		input = map[string]any{}
	}

	snap := run.New(uuid.NewString(), workflowID, run.RunWorkflow, run.CloneMap(input))
	return e.create(ctx, snap, func(ctx context.Context, ex *execution) error {
		return ex.runWorkflow(ctx, wf)
	})
}

// Execute starts a run and waits for it to stop.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any) (*run.Snapshot, error) {
	h, err := e.Start(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Wait(ctx)
}

// Resume re-enters a suspended run at stepRef (a step ID or path; empty
// when exactly one step is suspended) with data. Any failure is returned as
// a *ResumeValidationError and leaves the stored run untouched.
func (e *Engine) Resume(ctx context.Context, runID, stepRef string, data map[string]any) (*RunHandle, error) {
	reject := func(reason string, err error) *ResumeValidationError {
		return &ResumeValidationError{RunID: runID, StepID: stepRef, Reason: reason, Err: err}
	}

	if err := e.claim(runID); err != nil {
		return nil, reject(err.Error(), err)
	}
	claimed := true
	defer func() {
		if claimed {
			e.release(runID, nil)
		}
	}()

	snap, err := e.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, reject("run not found", err)
		}
		return nil, reject("failed to load run", err)
	}
	if snap.Status != run.StatusSuspended {
		return nil, reject(fmt.Sprintf("run is %s, not suspended", snap.Status), nil)
	}
	if snap.Kind != run.RunWorkflow {
		return nil, reject(fmt.Sprintf("%s runs cannot be resumed", snap.Kind), nil)
	}
	path, err := snap.FindSuspended(stepRef)
	if err != nil {
		return nil, reject(err.Error(), store.ErrSuspensionNotFound)
	}
	wf, ok := e.workflows.Get(snap.WorkflowID)
	if !ok {
		return nil, reject("workflow is not registered", fmt.Errorf("%w: %s", ErrWorkflowNotFound, snap.WorkflowID))
	}
	st := snap.Steps[path]
	step, ok := wf.Step(st.StepID)
	if !ok {
		return nil, reject(fmt.Sprintf("step %q no longer exists in workflow", st.StepID), nil)
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := step.Resume().Validate(data); err != nil {
		rerr := reject("resume data is invalid", nil)
		rerr.Validation = newValidationError("resume", step.ID(), err)
		return nil, rerr
	}
	if _, err := e.store.Suspension(ctx, runID, path); err != nil {
		return nil, reject("no stored suspension for step", err)
	}

	if err := snap.SetStatus(run.StatusRunning); err != nil {
		return nil, reject(err.Error(), nil)
	}
	st.ResumePayload = run.CloneMap(data)
	if err := e.store.Save(ctx, snap); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, reject("run was resumed concurrently", err)
		}
		return nil, reject("failed to save run", err)
	}

	slog.Info("Resuming run", "run_id", runID, "workflow", snap.WorkflowID, "step", path)
	claimed = false
	h := e.launch(ctx, snap, func(ctx context.Context, ex *execution) error {
		return ex.runWorkflow(ctx, wf)
	}, path, data)
	return h, nil
}

// create persists a fresh snapshot and launches it.
func (e *Engine) create(ctx context.Context, snap *run.Snapshot, body runBody) (*RunHandle, error) {
	if err := e.claim(snap.RunID); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, snap); err != nil {
		e.release(snap.RunID, nil)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	slog.Info("Starting run", "run_id", snap.RunID, "kind", snap.Kind, "workflow", snap.WorkflowID)
	return e.launch(ctx, snap, body, "", nil), nil
}

type runBody func(ctx context.Context, ex *execution) error

// launch executes body on a goroutine detached from the caller's context.
// The caller must hold the run's claim; it is released when the run stops.
func (e *Engine) launch(ctx context.Context, snap *run.Snapshot, body runBody, resumePath string, resumeData map[string]any) *RunHandle {
	str := newStream(snap.RunID, snap.Seq, e.store, e.cfg.RecordBuffer, e.cfg.Metrics)
	sub := str.subscribe(snap.Seq, nil)

	e.mu.Lock()
	e.active[snap.RunID] = str
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.ctx, cancel)

	ex := &execution{
		engine:     e,
		snap:       snap,
		stream:     str,
		resumePath: resumePath,
		resumeData: resumeData,
	}
	if ex.snap.Branches == nil {
		ex.snap.Branches = make(map[string]string)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stop()
		defer cancel()

		err := ex.run(runCtx, body)
		result := ex.snap.Clone()
		e.release(snap.RunID, str)
		str.close(result, err)
	}()

	return &RunHandle{RunID: snap.RunID, WorkflowID: snap.WorkflowID, sub: sub, stream: str, store: e.store}
}

func (e *Engine) claim(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, busy := e.active[runID]; busy {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	e.active[runID] = nil
	return nil
}

func (e *Engine) release(runID string, str *stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.active[runID]; ok && cur == str {
		delete(e.active, runID)
	}
}

// Get returns the stored snapshot of a run.
func (e *Engine) Get(ctx context.Context, runID string) (*run.Snapshot, error) {
	return e.store.Get(ctx, runID)
}

// List returns stored runs, newest first.
func (e *Engine) List(ctx context.Context, filter store.Filter) ([]*run.Snapshot, error) {
	return e.store.List(ctx, filter)
}

// Records returns persisted records after seq. Records of a running segment
// that are not yet flushed are included.
func (e *Engine) Records(ctx context.Context, runID string, after int64) ([]run.Record, error) {
	if _, err := e.store.Get(ctx, runID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	str := e.active[runID]
	e.mu.Unlock()
	if str != nil {
		if err := str.flush(ctx); err != nil {
			slog.Warn("Failed to flush run records", "run_id", runID, "error", err)
		}
	}
	return e.store.Records(ctx, runID, after)
}

// Watch replays the records of a run after seq and, if the run is executing
// in this process, follows it live until the segment ends.
func (e *Engine) Watch(ctx context.Context, runID string, after int64) (*RunHandle, error) {
	snap, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	backlog, err := e.store.Records(ctx, runID, after)
	if err != nil {
		return nil, err
	}
	last := after
	if n := len(backlog); n > 0 {
		last = backlog[n-1].Seq
	}

	e.mu.Lock()
	str := e.active[runID]
	e.mu.Unlock()

	h := &RunHandle{RunID: runID, WorkflowID: snap.WorkflowID, store: e.store}
	if str == nil {
		h.sub = newSubscriber(backlog)
		h.sub.finish()
		return h, nil
	}
	h.stream = str
	h.sub = str.subscribe(last, backlog)
	return h, nil
}

// Delete removes a stored run. Runs executing in this process are refused.
func (e *Engine) Delete(ctx context.Context, runID string) error {
	e.mu.Lock()
	_, busy := e.active[runID]
	e.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	return e.store.Delete(ctx, runID)
}

// Shutdown cancels executing runs and waits for them to stop or for ctx to
// expire. Runs interrupted mid-step end failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
