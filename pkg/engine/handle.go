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

	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

// RunHandle follows one run segment: from start or resume until the run
// stops at a terminal status or a suspension.
//
// Records must be drained or the handle closed; an abandoned handle keeps its
// mailbox goroutine alive until Close.
type RunHandle struct {
	RunID      string
	WorkflowID string

	sub    *subscriber
	stream *stream
	store  store.Store
}

// Records delivers the run's records in sequence order. The channel is
// closed after the record that ends the segment.
func (h *RunHandle) Records() <-chan run.Record {
	return h.sub.out
}

// Done is closed when the segment ends.
func (h *RunHandle) Done() <-chan struct{} {
	if h.stream == nil {
		return closedChan
	}
	return h.stream.done
}

// Wait blocks until the segment ends and returns the run snapshot. For a
// failed run the error is the cause, e.g. a *StepExecutionError. Suspended
// and rejected runs are not errors.
func (h *RunHandle) Wait(ctx context.Context) (*run.Snapshot, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if h.stream != nil && h.stream.result != nil {
		return h.stream.result.Clone(), h.stream.err
	}
	return h.store.Get(ctx, h.RunID)
}

// Close stops record delivery. The run itself keeps going.
func (h *RunHandle) Close() {
	h.sub.stop()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
