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

// Package store persists run snapshots, suspensions and stream records.
//
// A run is rehydrated on resume purely from its store entry, so any process
// sharing the store can resume a run another process suspended. Writers are
// arbitrated with an optimistic version: Save succeeds only if the stored
// version still matches the one the snapshot was read at.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/flowline/pkg/run"
)

var (
	// ErrRunNotFound is returned when no run exists for an ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned by Create for a duplicate run ID.
	ErrRunExists = errors.New("run already exists")

	// ErrConflict is returned by Save when the run was modified since it was
	// loaded.
	ErrConflict = errors.New("run was modified concurrently")

	// ErrSuspensionNotFound is returned when a step is not suspended.
	ErrSuspensionNotFound = errors.New("suspension not found")
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	WorkflowID    string
	Status        run.Status
	UpdatedBefore time.Time
	Limit         int
}

func (f Filter) match(s *run.Snapshot) bool {
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Suspension is the persisted resume point of one suspended step.
type Suspension struct {
	RunID       string         `json:"runId"`
	StepPath    string         `json:"stepPath"`
	StepID      string         `json:"stepId"`
	Payload     map[string]any `json:"payload,omitempty"`
	SuspendedAt time.Time      `json:"suspendedAt"`
}

// Store is the run persistence contract.
type Store interface {
	// Create persists a new run at version 1.
	Create(ctx context.Context, snap *run.Snapshot) error
	// Save writes snap if the stored version equals snap.Version, then
	// increments snap.Version. It also syncs the suspensions of the run.
	Save(ctx context.Context, snap *run.Snapshot) error
	// Get returns a copy of the stored snapshot.
	Get(ctx context.Context, runID string) (*run.Snapshot, error)
	// List returns runs, newest first.
	List(ctx context.Context, filter Filter) ([]*run.Snapshot, error)
	// Delete removes a run with its suspensions and records.
	Delete(ctx context.Context, runID string) error

	// AppendRecords persists stream records. Records already stored under
	// the same run and sequence are skipped.
	AppendRecords(ctx context.Context, records []run.Record) error
	// Records returns the stored records of a run with Seq > after.
	Records(ctx context.Context, runID string, after int64) ([]run.Record, error)

	// Suspension returns the resume point of a suspended step path.
	Suspension(ctx context.Context, runID, stepPath string) (*Suspension, error)

	Close() error
}

func suspensionsOf(snap *run.Snapshot) []Suspension {
	out := make([]Suspension, 0, len(snap.Suspended))
	for _, path := range snap.Suspended {
		s := Suspension{RunID: snap.RunID, StepPath: path, SuspendedAt: snap.UpdatedAt}
		if st, ok := snap.Steps[path]; ok {
			s.StepID = st.StepID
			s.Payload = run.CloneMap(st.SuspendPayload)
		}
		out = append(out, s)
	}
	return out
}
