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
	"context"
	"errors"
	"iter"

	"github.com/kadirpekel/flowline/pkg/run"
)

var (
	// ErrSuspended is matched by the error a step returns after calling
	// StepContext.Suspend.
	ErrSuspended = errors.New("step suspended")

	// ErrBailed is matched by the error a step returns after calling
	// StepContext.Bail.
	ErrBailed = errors.New("run bailed")
)

// Progress is a human-readable status message scoped to a step and stage.
type Progress = run.Progress

// StepContext is what a running step sees of its run. It is a
// context.Context cancelled on engine shutdown or step timeout.
type StepContext interface {
	context.Context

	RunID() string
	WorkflowID() string
	StepID() string
	// Path is the step's scoped path within the run, e.g. "sub/step".
	Path() string
	// Attempt is 1 on the first execution and increments on retries.
	Attempt() int

	// RunInput returns the input the run was started with.
	RunInput() map[string]any
	// StepOutput returns the output of a completed step by ID or path.
	StepOutput(ref string) (map[string]any, bool)

	// Emit publishes a custom event on the run stream.
	Emit(eventType string, data map[string]any)
	// Progress publishes a progress event.
	Progress(status run.ProgressStatus, message, stage string)
	// Pipe relays a nested text stream as chunk records tagged with source
	// and returns the concatenated text.
	Pipe(source string, chunks iter.Seq2[string, error]) (string, error)
	// Relay forwards a record produced by a nested stream.
	Relay(source string, rec run.Record)

	// Suspend returns the error the step must return to pause the run. Only
	// steps with a resume contract may suspend.
	Suspend(payload map[string]any) error
	// ResumeData is the validated resume payload when the step is being
	// re-entered after a suspension, nil otherwise.
	ResumeData() map[string]any
	// Bail returns the error the step must return to finish successfully
	// with output and end the run as rejected.
	Bail(output map[string]any) error
}

// SuspendError carries the payload of a suspension.
type SuspendError struct {
	Payload map[string]any
}

func (e *SuspendError) Error() string { return ErrSuspended.Error() }

func (e *SuspendError) Is(target error) bool { return target == ErrSuspended }

// BailError carries the output of a bailed step.
type BailError struct {
	Output map[string]any
}

func (e *BailError) Error() string { return ErrBailed.Error() }

func (e *BailError) Is(target error) bool { return target == ErrBailed }
