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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/flowline/pkg/config"
)

// pruneInterval is how often Take drops expired counters.
const pruneInterval = 10 * time.Minute

// Limiter admits requests while every rule has room.
type Limiter struct {
	rules []Rule
	store Store
	now   func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

func New(rules []Rule, store Store) (*Limiter, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	for _, r := range rules {
		if r.Window.Duration() == 0 {
			return nil, fmt.Errorf("invalid window %q", r.Window)
		}
		if r.Limit < 1 {
			return nil, fmt.Errorf("limit for %s window must be at least 1", r.Window)
		}
	}
	return &Limiter{rules: rules, store: store, now: time.Now}, nil
}

// FromConfig builds a memory-backed limiter from the rate_limit section.
// It returns nil when rate limiting is disabled.
func FromConfig(cfg *config.RateLimitConfig) (*Limiter, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	rules := make([]Rule, 0, len(cfg.Limits))
	for _, l := range cfg.Limits {
		w, err := ParseWindow(l.Window)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Window: w, Limit: l.Limit})
	}
	l, err := New(rules, NewMemoryStore())
	if err != nil {
		return nil, err
	}
	slog.Info("Rate limiting enabled", "rules", len(rules))
	return l, nil
}

// Take admits one request for identifier if every rule has room, and
// counts it. Rejected requests are not counted.
func (l *Limiter) Take(ctx context.Context, identifier string) (*Result, error) {
	if identifier == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybePrune(ctx, now)

	result, err := l.check(ctx, identifier, now)
	if err != nil || !result.Allowed {
		return result, err
	}

	for i, r := range l.rules {
		current, end, err := l.store.Increment(ctx, identifier, r.Window, 1, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record %s usage: %w", r.Window, err)
		}
		result.Usages[i] = usageOf(r, current, end)
	}
	return result, nil
}

// Usage reports the current usage of identifier without counting.
func (l *Limiter) Usage(ctx context.Context, identifier string) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result, err := l.check(ctx, identifier, l.now())
	if err != nil {
		return nil, err
	}
	return result.Usages, nil
}

// Reset clears the counters of identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Delete(ctx, identifier)
}

func (l *Limiter) check(ctx context.Context, identifier string, now time.Time) (*Result, error) {
	result := &Result{Allowed: true, Usages: make([]Usage, len(l.rules))}
	for i, r := range l.rules {
		current, end, err := l.store.Get(ctx, identifier, r.Window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s usage: %w", r.Window, err)
		}
		result.Usages[i] = usageOf(r, current, end)

		if current >= r.Limit {
			if result.Allowed {
				result.Reason = fmt.Sprintf("rate limit exceeded: %d runs per %s", r.Limit, r.Window)
			}
			result.Allowed = false
			if wait := end.Sub(now); result.RetryAfter == 0 || wait < result.RetryAfter {
				result.RetryAfter = wait
			}
		}
	}
	return result, nil
}

func (l *Limiter) maybePrune(ctx context.Context, now time.Time) {
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.lastPrune = now
	if err := l.store.DeleteExpired(ctx, now); err != nil {
		slog.Warn("Failed to prune rate limit counters", "error", err)
	}
}

func usageOf(r Rule, current int64, end time.Time) Usage {
	return Usage{
		Window:    r.Window,
		Current:   current,
		Limit:     r.Limit,
		Remaining: max(r.Limit-current, 0),
		WindowEnd: end,
	}
}
