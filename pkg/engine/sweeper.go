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
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

// RetentionPolicy controls which stored runs the sweeper deletes. A zero TTL
// keeps runs of that kind forever.
type RetentionPolicy struct {
	Interval     time.Duration
	CompletedTTL time.Duration
	SuspendedTTL time.Duration
}

// Sweep deletes terminal runs older than CompletedTTL and suspended runs
// older than SuspendedTTL. Runs executing in this process are skipped.
func (e *Engine) Sweep(ctx context.Context, policy RetentionPolicy) (int, error) {
	now := time.Now()
	deleted := 0

	sweep := func(status run.Status, ttl time.Duration) error {
		if ttl <= 0 {
			return nil
		}
		runs, err := e.store.List(ctx, store.Filter{Status: status, UpdatedBefore: now.Add(-ttl)})
		if err != nil {
			return err
		}
		for _, snap := range runs {
			err := e.Delete(ctx, snap.RunID)
			switch {
			case err == nil:
				deleted++
			case errors.Is(err, ErrRunActive), errors.Is(err, store.ErrRunNotFound):
			default:
				return err
			}
		}
		return nil
	}

	for _, status := range []run.Status{run.StatusSuccess, run.StatusFailed, run.StatusRejected} {
		if err := sweep(status, policy.CompletedTTL); err != nil {
			return deleted, err
		}
	}
	if err := sweep(run.StatusSuspended, policy.SuspendedTTL); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// RunSweeper sweeps on every tick until ctx is done. policy is read on each
// tick so reloaded settings apply without a restart.
func (e *Engine) RunSweeper(ctx context.Context, policy func() RetentionPolicy) {
	interval := policy().Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := policy()
			n, err := e.Sweep(ctx, p)
			if err != nil {
				slog.Warn("Retention sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Retention sweep deleted runs", "count", n)
			}
			if p.Interval > 0 && p.Interval != interval {
				interval = p.Interval
				ticker.Reset(interval)
			}
		}
	}
}
