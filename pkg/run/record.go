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

import "time"

// Kind identifies the shape of a stream record.
type Kind string

const (
	// KindRun carries run lifecycle changes (started, resumed, stopped).
	KindRun Kind = "run"
	// KindStep carries a step status transition.
	KindStep Kind = "step"
	// KindEvent carries a custom event emitted by a step.
	KindEvent Kind = "event"
	// KindNetwork carries a network delegation update.
	KindNetwork Kind = "network"
	// KindChunk carries a text chunk relayed from a nested stream.
	KindChunk Kind = "chunk"
)

// Origin tells a consumer who produced a record.
type Origin string

const (
	OriginEngine Origin = "engine"
	OriginStep   Origin = "step"
	OriginRelay  Origin = "relay"
)

// EventTypeProgress is the event type used for Progress events.
const EventTypeProgress = "progress"

// ProgressStatus is the state carried by a progress event.
type ProgressStatus string

const (
	ProgressInProgress ProgressStatus = "in-progress"
	ProgressDone       ProgressStatus = "done"
)

// Progress is a human-readable, step-scoped status message.
type Progress struct {
	Status  ProgressStatus `json:"status"`
	Message string         `json:"message"`
	Stage   string         `json:"stage,omitempty"`
}

// Data renders the progress as event data.
func (p Progress) Data() map[string]any {
	d := map[string]any{
		"status":  string(p.Status),
		"message": p.Message,
	}
	if p.Stage != "" {
		d["stage"] = p.Stage
	}
	return d
}

// Event is a typed custom event emitted by a running step.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Record is one entry in a run's ordered output stream.
type Record struct {
	Seq    int64     `json:"seq"`
	RunID  string    `json:"runId"`
	Kind   Kind      `json:"kind"`
	Time   time.Time `json:"time"`
	Origin Origin    `json:"origin,omitempty"`
	// Source names the delegate or nested run a relayed record came from.
	Source string `json:"source,omitempty"`

	// Node tells what kind of graph node a step record is about.
	Node     NodeKind `json:"node,omitempty"`
	StepID   string   `json:"stepId,omitempty"`
	Path     string   `json:"path,omitempty"`
	Workflow string   `json:"workflow,omitempty"`
	Status   string   `json:"status,omitempty"`

	Output         map[string]any `json:"output,omitempty"`
	SuspendPayload map[string]any `json:"suspendPayload,omitempty"`
	Error          string         `json:"error,omitempty"`

	Event   *Event       `json:"event,omitempty"`
	Network *NetworkStep `json:"network,omitempty"`
	Text    string       `json:"text,omitempty"`
}

// Final reports whether the record ends a stream segment: the run stopped
// either at a terminal status or at a suspension. Relayed run records belong
// to a nested run and never end the outer stream.
func (r Record) Final() bool {
	if r.Kind != KindRun || r.Origin == OriginRelay {
		return false
	}
	st := Status(r.Status)
	return st == StatusSuspended || st.IsTerminal()
}

// Progress decodes a progress event record.
func (r Record) Progress() (Progress, bool) {
	if r.Kind != KindEvent || r.Event == nil || r.Event.Type != EventTypeProgress {
		return Progress{}, false
	}
	p := Progress{}
	if v, ok := r.Event.Data["status"].(string); ok {
		p.Status = ProgressStatus(v)
	}
	if v, ok := r.Event.Data["message"].(string); ok {
		p.Message = v
	}
	if v, ok := r.Event.Data["stage"].(string); ok {
		p.Stage = v
	}
	return p, true
}
