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

package network

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/kadirpekel/flowline/pkg/run"
)

// Agent produces a streamed text answer to a prompt.
type Agent interface {
	Name() string
	Description() string
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// ScriptedAgent answers with a fixed template, streamed word by word.
// Reply may reference the prompt with %s.
type ScriptedAgent struct {
	AgentName        string
	AgentDescription string
	Reply            string
}

func (a *ScriptedAgent) Name() string        { return a.AgentName }
func (a *ScriptedAgent) Description() string { return a.AgentDescription }

func (a *ScriptedAgent) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	text := a.Reply
	if strings.Contains(text, "%s") {
		text = fmt.Sprintf(text, prompt)
	}
	return func(yield func(string, error) bool) {
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if w == "" {
				continue
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

// AgentDelegate exposes an Agent to a network. The streamed answer is piped
// to the run as chunk records and returned as {"text": ...}.
type AgentDelegate struct {
	Agent Agent
}

func NewAgentDelegate(a Agent) *AgentDelegate {
	return &AgentDelegate{Agent: a}
}

func (d *AgentDelegate) Name() string        { return d.Agent.Name() }
func (d *AgentDelegate) Description() string { return d.Agent.Description() }
func (d *AgentDelegate) Kind() string        { return KindAgent }

func (d *AgentDelegate) Invoke(ctx context.Context, call *Call) (map[string]any, error) {
	ev := call.Emitter()
	name := d.Agent.Name()

	ev.Progress(run.ProgressInProgress, name+" is working", name)
	text, err := ev.Pipe(name, d.Agent.Stream(ctx, call.Prompt()))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	ev.Progress(run.ProgressDone, name+" finished", name)
	return map[string]any{"text": text}, nil
}
