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

package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Func is the untyped execution callback of a step.
type Func func(sc StepContext, input map[string]any) (map[string]any, error)

// StepConfig defines a step.
type StepConfig struct {
	// ID is unique within a workflow and all its nested sub-workflows.
	ID string

	Description string

	// Resume is the contract resume data must satisfy. Steps without one
	// cannot suspend.
	Resume *Schema
}

// StepOption tunes step execution.
type StepOption func(*Step)

// WithRetries re-runs a failed step up to n more times, waiting backoff
// between attempts. Suspensions and bails are never retried.
func WithRetries(n int, backoff time.Duration) StepOption {
	return func(s *Step) {
		s.retries = max(n, 0)
		s.backoff = backoff
	}
}

// WithTimeout bounds a single attempt.
func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.timeout = d }
}

// Step is an immutable unit of work with input, output and optional resume
// contracts.
type Step struct {
	id          string
	description string
	input       *Schema
	output      *Schema
	resume      *Schema
	fn          Func

	retries int
	backoff time.Duration
	timeout time.Duration
}

// NewStep creates a step from a typed function. Contracts are generated from
// In and Out; map[string]any accepts any object.
//
//	pay := workflow.NewStep(workflow.StepConfig{ID: "process-payment"},
//	    func(sc workflow.StepContext, in PaymentInput) (PaymentOutput, error) {
//	        sc.Progress(run.ProgressInProgress, "Processing payment...", "payment")
//	        return PaymentOutput{PaymentID: "PAY-1"}, nil
//	    })
func NewStep[In, Out any](cfg StepConfig, fn func(StepContext, In) (Out, error), opts ...StepOption) *Step {
	return NewRawStep(cfg, SchemaOf[In](), SchemaOf[Out](), func(sc StepContext, input map[string]any) (map[string]any, error) {
		in, err := Decode[In](input)
		if err != nil {
			return nil, err
		}
		out, err := fn(sc, in)
		if err != nil {
			return nil, err
		}
		return Encode(out)
	}, opts...)
}

// NewRawStep creates a step over untyped payloads. Nil contracts accept
// anything.
func NewRawStep(cfg StepConfig, input, output *Schema, fn Func, opts ...StepOption) *Step {
	s := &Step{
		id:          cfg.ID,
		description: cfg.Description,
		input:       input,
		output:      output,
		resume:      cfg.Resume,
		fn:          fn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Step) ID() string          { return s.id }
func (s *Step) Description() string { return s.description }
func (s *Step) Input() *Schema      { return s.input }
func (s *Step) Output() *Schema     { return s.output }
func (s *Step) Resume() *Schema     { return s.resume }
func (s *Step) Retries() int        { return s.retries }

func (s *Step) Backoff() time.Duration { return s.backoff }
func (s *Step) Timeout() time.Duration { return s.timeout }

// CanSuspend reports whether the step declares a resume contract.
func (s *Step) CanSuspend() bool { return s.resume != nil }

// Execute runs the callback. Panics are returned as errors.
func (s *Step) Execute(sc StepContext, input map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %s: %v", s.id, r)
		}
	}()
	return s.fn(sc, input)
}

func (s *Step) nodeID() string {
	if s == nil {
		return "<nil>"
	}
	return s.id
}

func (s *Step) validate() error {
	var errs []error
	if s.id == "" {
		errs = append(errs, errors.New("step id is required"))
	}
	if s.fn == nil {
		errs = append(errs, fmt.Errorf("step %q: function is required", s.id))
	}
	return errors.Join(errs...)
}
