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

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps window counters.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the count and end of the current window. A missing or
	// expired counter reads as zero with a window starting now.
	Get(ctx context.Context, identifier string, w Window, now time.Time) (int64, time.Time, error)

	// Increment adds amount to the current window, starting a new window
	// when the previous one expired.
	Increment(ctx context.Context, identifier string, w Window, amount int64, now time.Time) (int64, time.Time, error)

	// Delete drops every counter of identifier.
	Delete(ctx context.Context, identifier string) error

	// DeleteExpired drops counters whose window ended before before.
	DeleteExpired(ctx context.Context, before time.Time) error
}

type counterKey struct {
	identifier string
	window     Window
}

type counter struct {
	amount    int64
	windowEnd time.Time
}

// MemoryStore keeps counters in process memory. Counters are lost on
// restart, which only ever loosens a quota.
type MemoryStore struct {
	mu   sync.Mutex
	data map[counterKey]*counter
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[counterKey]*counter)}
}

func (s *MemoryStore) Get(_ context.Context, identifier string, w Window, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[counterKey{identifier, w}]
	if !ok || !c.windowEnd.After(now) {
		return 0, now.Add(w.Duration()), nil
	}
	return c.amount, c.windowEnd, nil
}

func (s *MemoryStore) Increment(_ context.Context, identifier string, w Window, amount int64, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{identifier, w}
	c, ok := s.data[key]
	if !ok || !c.windowEnd.After(now) {
		c = &counter{windowEnd: now.Add(w.Duration())}
		s.data[key] = c
	}
	c.amount += amount
	return c.amount, c.windowEnd, nil
}

func (s *MemoryStore) Delete(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if key.identifier == identifier {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.data {
		if c.windowEnd.Before(before) {
			delete(s.data, key)
		}
	}
	return nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
