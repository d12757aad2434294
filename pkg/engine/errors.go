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
	"errors"
	"fmt"

	"github.com/kadirpekel/flowline/pkg/workflow"
)

var (
	// ErrWorkflowNotFound is returned for an unregistered workflow ID.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNetworkNotFound is returned for an unregistered network name.
	ErrNetworkNotFound = errors.New("network not found")

	// ErrRunActive is returned when a run is executing in this process.
	ErrRunActive = errors.New("run is active")

	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

// ValidationError reports payloads that violate a contract. Scope is one of
// input, output or resume; Target names the workflow or step.
type ValidationError struct {
	Scope  string                `json:"scope"`
	Target string                `json:"target"`
	Fields []workflow.FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s for %s: %s", e.Scope, e.Target, workflow.FieldErrors(e.Fields).Error())
}

func newValidationError(scope, target string, err error) *ValidationError {
	var fields workflow.FieldErrors
	if errors.As(err, &fields) {
		return &ValidationError{Scope: scope, Target: target, Fields: fields}
	}
	return &ValidationError{Scope: scope, Target: target, Fields: []workflow.FieldError{{Message: err.Error()}}}
}

// StepExecutionError is a step that failed after all attempts.
type StepExecutionError struct {
	StepID   string
	Path     string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ResumeValidationError is a rejected resume. The run is left untouched.
type ResumeValidationError struct {
	RunID  string
	StepID string
	Reason string
	// Validation is set when the resume data violated the step's contract.
	Validation *ValidationError
	Err        error
}

func (e *ResumeValidationError) Error() string {
	msg := fmt.Sprintf("cannot resume run %s", e.RunID)
	if e.StepID != "" {
		msg += " at step " + e.StepID
	}
	msg += ": " + e.Reason
	if e.Validation != nil {
		msg += ": " + e.Validation.Error()
	}
	return msg
}

func (e *ResumeValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Validation != nil {
		return e.Validation
	}
	return nil
}

// UnroutedBranchError is a branch where no case matched.
type UnroutedBranchError struct {
	Path  string
	Cases int
}

func (e *UnroutedBranchError) Error() string {
	return fmt.Sprintf("branch %s: none of %d cases matched", e.Path, e.Cases)
}
