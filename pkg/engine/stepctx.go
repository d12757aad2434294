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
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// stepContext is the emitter handed to a running step or delegate. It holds
// copies of the run data it exposes, so an abandoned callback never touches
// the live snapshot.
type stepContext struct {
	context.Context

	stream   *stream
	runID    string
	owner    string
	stepID   string
	path     string
	attempt  int
	canPause bool

	runInput   map[string]any
	byPath     map[string]map[string]any
	byID       map[string]map[string]any
	resumeData map[string]any

	mu     sync.Mutex
	closed bool
}

var (
	_ workflow.StepContext = (*stepContext)(nil)
	_ network.Emitter      = (*stepContext)(nil)
)

func (ex *execution) stepContext(ctx context.Context, owner string, step *workflow.Step, path string, attempt int, resumeData map[string]any) *stepContext {
	sc := &stepContext{
		Context:    ctx,
		stream:     ex.stream,
		runID:      ex.snap.RunID,
		owner:      owner,
		path:       path,
		attempt:    attempt,
		runInput:   run.CloneMap(ex.snap.Input),
		byPath:     make(map[string]map[string]any),
		byID:       ex.outputsByID(),
		resumeData: run.CloneMap(resumeData),
	}
	if step != nil {
		sc.stepID = step.ID()
		sc.canPause = step.CanSuspend()
	} else {
		sc.stepID = path
	}
	for p, out := range ex.snap.Outputs() {
		sc.byPath[p] = run.CloneMap(out)
	}
	return sc
}

func (sc *stepContext) RunID() string      { return sc.runID }
func (sc *stepContext) WorkflowID() string { return sc.owner }
func (sc *stepContext) StepID() string     { return sc.stepID }
func (sc *stepContext) Path() string       { return sc.path }
func (sc *stepContext) Attempt() int       { return sc.attempt }

func (sc *stepContext) RunInput() map[string]any { return run.CloneMap(sc.runInput) }

func (sc *stepContext) StepOutput(ref string) (map[string]any, bool) {
	if out, ok := sc.byPath[ref]; ok {
		return run.CloneMap(out), true
	}
	out, ok := sc.byID[ref]
	return run.CloneMap(out), ok
}

func (sc *stepContext) ResumeData() map[string]any { return run.CloneMap(sc.resumeData) }

func (sc *stepContext) Emit(eventType string, data map[string]any) {
	sc.publish(run.Record{
		Kind:   run.KindEvent,
		Origin: run.OriginStep,
		Event:  &run.Event{Type: eventType, Data: run.CloneMap(data)},
	})
}

func (sc *stepContext) Progress(status run.ProgressStatus, message, stage string) {
	sc.Emit(run.EventTypeProgress, run.Progress{Status: status, Message: message, Stage: stage}.Data())
}

func (sc *stepContext) Pipe(source string, chunks iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range chunks {
		if err != nil {
			return b.String(), err
		}
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		sc.publish(run.Record{Kind: run.KindChunk, Origin: run.OriginRelay, Source: source, Text: chunk})
	}
	return b.String(), nil
}

// Relay republishes a record of a nested stream under this step. The nested
// path is kept below the step's path.
func (sc *stepContext) Relay(source string, rec run.Record) {
	if rec.Source != "" {
		source = source + "/" + rec.Source
	}
	rec.Origin = run.OriginRelay
	rec.Source = source
	rec.Path = joinPath(sc.path, rec.Path)
	rec.Seq = 0
	rec.Time = rec.Time.UTC()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.stream.publish(rec)
}

func (sc *stepContext) Suspend(payload map[string]any) error {
	if !sc.canPause {
		return fmt.Errorf("step %s declares no resume contract and cannot suspend", sc.stepID)
	}
	return &workflow.SuspendError{Payload: run.CloneMap(payload)}
}

func (sc *stepContext) Bail(output map[string]any) error {
	return &workflow.BailError{Output: run.CloneMap(output)}
}

func (sc *stepContext) publish(rec run.Record) {
	rec.StepID = sc.stepID
	rec.Path = sc.path
	rec.Workflow = sc.owner

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.stream.publish(rec)
}

// close drops everything emitted afterwards.
func (sc *stepContext) close() {
	sc.mu.Lock()
	sc.closed = true
	sc.mu.Unlock()
}
