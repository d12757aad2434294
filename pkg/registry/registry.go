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

// Package registry provides a concurrency-safe, insertion-ordered name registry
// used for steps, workflows, networks and delegates.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrEmptyName is returned when registering an item without a name.
	ErrEmptyName = errors.New("name cannot be empty")

	// ErrDuplicate is returned when a name is already taken.
	ErrDuplicate = errors.New("already registered")

	// ErrNotFound is returned when a name is not registered.
	ErrNotFound = errors.New("not registered")
)

type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	MustGet(name string) (T, error)
	Names() []string
	List() []T
	Remove(name string) error
	Count() int
	Clear()
}

// BaseRegistry keeps items keyed by name and remembers registration order,
// so listings are stable across calls.
type BaseRegistry[T any] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]T
	order []string
}

// NewBaseRegistry creates an empty registry. kind is used in error messages
// (e.g. "step", "workflow").
func NewBaseRegistry[T any](kind string) *BaseRegistry[T] {
	if kind == "" {
		kind = "item"
	}
	return &BaseRegistry[T]{
		kind:  kind,
		items: make(map[string]T),
	}
}

func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("%s: %w", r.kind, ErrEmptyName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("%s %q %w", r.kind, name, ErrDuplicate)
	}

	r.items[name] = item
	r.order = append(r.order, name)
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// MustGet is Get with a descriptive error instead of a boolean.
func (r *BaseRegistry[T]) MustGet(name string) (T, error) {
	item, ok := r.Get(name)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q %w", r.kind, name, ErrNotFound)
	}
	return item, nil
}

// Names returns registered names in registration order.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// List returns registered items in registration order.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.items[name])
	}
	return items
}

func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("%s %q %w", r.kind, name, ErrNotFound)
	}

	delete(r.items, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]T)
	r.order = nil
}

var _ Registry[int] = (*BaseRegistry[int])(nil)
