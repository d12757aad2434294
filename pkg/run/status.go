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

package run

import (
	"fmt"
	"slices"
)

// StepStatus is the lifecycle state of a single step (or nested workflow node)
// within a run.
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSuspended StepStatus = "suspended"
)

// stepTransitions lists the statuses reachable from each status. The empty
// status is a step the run has not touched yet.
var stepTransitions = map[StepStatus][]StepStatus{
	"":            {StepWaiting, StepRunning},
	StepWaiting:   {StepRunning},
	StepRunning:   {StepSuccess, StepFailed, StepSuspended},
	StepSuspended: {StepRunning},
}

// IsTerminal reports whether no further transition is possible.
func (s StepStatus) IsTerminal() bool {
	return s == StepSuccess || s == StepFailed
}

// ValidateStepTransition checks a step status change against the step
// lifecycle. Same-status updates are rejected; the engine never emits them.
func ValidateStepTransition(from, to StepStatus) error {
	next, ok := stepTransitions[from]
	if !ok {
		return fmt.Errorf("invalid step transition %q -> %q: %q is terminal", from, to, from)
	}
	if !slices.Contains(next, to) {
		return fmt.Errorf("invalid step transition %q -> %q: allowed %v", from, to, next)
	}
	return nil
}

// Status is the lifecycle state of a whole run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	// StatusRejected is the terminal state of a run a step bailed out of,
	// e.g. a denied approval.
	StatusRejected Status = "rejected"
)

var runTransitions = map[Status][]Status{
	StatusRunning:   {StatusSuspended, StatusSuccess, StatusFailed, StatusRejected},
	StatusSuspended: {StatusRunning},
}

// IsTerminal reports whether the run can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRejected
}

// ParseStatus validates a status string coming from a query or config.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusSuspended, StatusSuccess, StatusFailed, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// ValidateRunTransition checks a run status change.
func ValidateRunTransition(from, to Status) error {
	next, ok := runTransitions[from]
	if !ok {
		return fmt.Errorf("invalid run transition %q -> %q: %q is terminal", from, to, from)
	}
	if !slices.Contains(next, to) {
		return fmt.Errorf("invalid run transition %q -> %q: allowed %v", from, to, next)
	}
	return nil
}
