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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/flowline/pkg/run"
)

// MemoryStore keeps runs in process memory. Snapshots are deep-copied on the
// way in and out, so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*run.Snapshot
	suspensions map[string]map[string]Suspension
	records     map[string][]run.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*run.Snapshot),
		suspensions: make(map[string]map[string]Suspension),
		records:     make(map[string][]run.Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, snap *run.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[snap.RunID]; ok {
		return fmt.Errorf("%s: %w", snap.RunID, ErrRunExists)
	}
	snap.Version = 1
	m.runs[snap.RunID] = snap.Clone()
	m.syncSuspensions(snap)
	return nil
}

func (m *MemoryStore) Save(_ context.Context, snap *run.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[snap.RunID]
	if !ok {
		return fmt.Errorf("%s: %w", snap.RunID, ErrRunNotFound)
	}
	if stored.Version != snap.Version {
		return fmt.Errorf("%s: %w: stored version %d, have %d", snap.RunID, ErrConflict, stored.Version, snap.Version)
	}
	snap.Version++
	snap.UpdatedAt = time.Now().UTC()
	m.runs[snap.RunID] = snap.Clone()
	m.syncSuspensions(snap)
	return nil
}

func (m *MemoryStore) syncSuspensions(snap *run.Snapshot) {
	if len(snap.Suspended) == 0 {
		delete(m.suspensions, snap.RunID)
		return
	}
	byPath := make(map[string]Suspension, len(snap.Suspended))
	for _, s := range suspensionsOf(snap) {
		byPath[s.StepPath] = s
	}
	m.suspensions[snap.RunID] = byPath
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*run.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*run.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Snapshot
	for _, snap := range m.runs {
		if filter.match(snap) {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	delete(m.runs, runID)
	delete(m.suspensions, runID)
	delete(m.records, runID)
	return nil
}

func (m *MemoryStore) AppendRecords(_ context.Context, records []run.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		existing := m.records[rec.RunID]
		if n := len(existing); n > 0 && existing[n-1].Seq >= rec.Seq {
			continue
		}
		m.records[rec.RunID] = append(existing, rec)
	}
	return nil
}

func (m *MemoryStore) Records(_ context.Context, runID string, after int64) ([]run.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[runID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Seq > after })
	return append([]run.Record(nil), recs[i:]...), nil
}

func (m *MemoryStore) Suspension(_ context.Context, runID, stepPath string) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.suspensions[runID][stepPath]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", runID, stepPath, ErrSuspensionNotFound)
	}
	s.Payload = run.CloneMap(s.Payload)
	return &s, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
