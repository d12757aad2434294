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

package client

import (
	"github.com/kadirpekel/flowline/pkg/run"
)

// LatestByStage keeps the latest progress event per stage. A done event is
// never replaced by a later in-progress one. Events without a stage are
// ignored.
func LatestByStage(records []run.Record) map[string]run.Progress {
	out := make(map[string]run.Progress)
	for _, rec := range records {
		p, ok := rec.Progress()
		if !ok || p.Stage == "" {
			continue
		}
		if prev, ok := out[p.Stage]; ok && prev.Status == run.ProgressDone && p.Status != run.ProgressDone {
			continue
		}
		out[p.Stage] = p
	}
	return out
}

// StepView is the folded state of one step.
type StepView struct {
	Status         string         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	SuspendPayload map[string]any `json:"suspendPayload,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// View is a run folded from its records: overall status plus per-step
// state keyed by step path.
type View struct {
	RunID      string               `json:"runId"`
	WorkflowID string               `json:"workflowId,omitempty"`
	Status     string               `json:"status"`
	Steps      map[string]*StepView `json:"steps"`
	// Order lists step paths as they first appeared.
	Order  []string       `json:"-"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	// Text concatenates relayed text chunks.
	Text string `json:"text,omitempty"`
}

func NewView() *View {
	return &View{Steps: make(map[string]*StepView)}
}

// Reduce folds records into a new view.
func Reduce(records []run.Record) *View {
	v := NewView()
	for _, rec := range records {
		v.Apply(rec)
	}
	return v
}

// Apply folds one record into the view.
func (v *View) Apply(rec run.Record) {
	if v.RunID == "" {
		v.RunID = rec.RunID
	}
	switch rec.Kind {
	case run.KindRun:
		if rec.Origin == run.OriginRelay {
			return
		}
		if v.WorkflowID == "" {
			v.WorkflowID = rec.Workflow
		}
		v.Status = rec.Status
		if rec.Output != nil {
			v.Output = rec.Output
		}
		v.Error = rec.Error
	case run.KindStep:
		key := rec.Path
		if key == "" {
			key = rec.StepID
		}
		st, ok := v.Steps[key]
		if !ok {
			st = &StepView{}
			v.Steps[key] = st
			v.Order = append(v.Order, key)
		}
		st.Status = rec.Status
		if rec.Output != nil {
			st.Output = rec.Output
		}
		if rec.SuspendPayload != nil {
			st.SuspendPayload = rec.SuspendPayload
		}
		st.Error = rec.Error
	case run.KindChunk:
		v.Text += rec.Text
	}
}
