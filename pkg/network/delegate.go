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

// Package network routes a task across a set of delegates: agents, workflows
// and remote A2A agents. A Router decides which delegate runs next; the engine
// records every delegation on the run stream.
package network

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/kadirpekel/flowline/pkg/run"
)

// Delegate kinds reported in listings and network records.
const (
	KindAgent    = "agent"
	KindWorkflow = "workflow"
	KindRemote   = "remote"
	KindFunc     = "function"
)

// Emitter publishes on the stream of the run a delegate works for.
type Emitter interface {
	Emit(eventType string, data map[string]any)
	Progress(status run.ProgressStatus, message, stage string)
	Pipe(source string, chunks iter.Seq2[string, error]) (string, error)
	Relay(source string, rec run.Record)
}

// Call is one delegation.
type Call struct {
	RunID string
	// Message is the task the network was started with.
	Message string
	// Input is what the router handed to this delegate.
	Input map[string]any
	// History lists the delegations made before this one.
	History []run.NetworkStep
	Events  Emitter
}

// Emitter returns the call's emitter, or one that discards everything.
func (c *Call) Emitter() Emitter {
	if c == nil || c.Events == nil {
		return discard{}
	}
	return c.Events
}

// Prompt is the text a delegate should act on: the routed input's message if
// any, else the network task.
func (c *Call) Prompt() string {
	if c == nil {
		return ""
	}
	if s, ok := c.Input["message"].(string); ok && s != "" {
		return s
	}
	return c.Message
}

// Delegate is the uniform interface over everything a network can invoke.
type Delegate interface {
	Name() string
	Description() string
	Kind() string
	Invoke(ctx context.Context, call *Call) (map[string]any, error)
}

// FuncDelegate adapts a function.
type FuncDelegate struct {
	DelegateName        string
	DelegateDescription string
	Fn                  func(ctx context.Context, call *Call) (map[string]any, error)
}

func (f *FuncDelegate) Name() string        { return f.DelegateName }
func (f *FuncDelegate) Description() string { return f.DelegateDescription }
func (f *FuncDelegate) Kind() string        { return KindFunc }

func (f *FuncDelegate) Invoke(ctx context.Context, call *Call) (map[string]any, error) {
	if f.Fn == nil {
		return nil, errors.New("delegate function is nil")
	}
	return f.Fn(ctx, call)
}

type discard struct{}

func (discard) Emit(string, map[string]any)                 {}
func (discard) Progress(run.ProgressStatus, string, string) {}
func (discard) Relay(string, run.Record)                    {}

func (discard) Pipe(_ string, chunks iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range chunks {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}
