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

// Package demo is the catalog of example workflows and networks served by
// flowline: order fulfillment, human approval, branching, agent text
// streaming, and three delegation networks.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

// Options tunes the catalog.
type Options struct {
	// Delay simulates work between progress events. Zero runs instantly.
	Delay time.Duration
	// OpenAI switches agents from scripted replies to a chat model.
	OpenAI *network.OpenAIConfig
	// Router replaces the rule routers of the report and routing networks.
	Router network.Router
	// Remote delegates join the report network. The default pipeline
	// router ignores them; an LLM router may pick them.
	Remote []network.Delegate
	// MaxIterations bounds delegations per network run.
	MaxIterations int
}

// Workflows builds and commits the demo workflows.
func Workflows(opts Options) ([]*workflow.Workflow, error) {
	weather, err := newAgent(opts, "weather-agent", "Analyzes weather conditions", weatherReply)
	if err != nil {
		return nil, err
	}
	builders := []func() (*workflow.Workflow, error){
		func() (*workflow.Workflow, error) { return OrderFulfillment(opts) },
		func() (*workflow.Workflow, error) { return Approval(opts) },
		func() (*workflow.Workflow, error) { return Branching(opts) },
		func() (*workflow.Workflow, error) { return AgentTextStream(weather) },
	}
	out := make([]*workflow.Workflow, 0, len(builders))
	for _, build := range builders {
		wf, err := build()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// Register adds the demo workflows and networks to e.
func Register(e *engine.Engine, opts Options) error {
	wfs, err := Workflows(opts)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := e.RegisterWorkflow(wf); err != nil {
			return err
		}
	}

	nets, err := Networks(e, opts)
	if err != nil {
		return err
	}
	for _, n := range nets {
		if err := e.RegisterNetwork(n); err != nil {
			return err
		}
	}
	return nil
}

func newAgent(opts Options, name, description, reply string) (network.Agent, error) {
	if opts.OpenAI != nil && opts.OpenAI.APIKey != "" {
		a, err := network.NewOpenAIAgent(name, description, description+". Answer concisely.", *opts.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		return a, nil
	}
	return &network.ScriptedAgent{AgentName: name, AgentDescription: description, Reply: reply}, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
