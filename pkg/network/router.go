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
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/kadirpekel/flowline/pkg/run"
)

// RouteRequest is the state a router decides on.
type RouteRequest struct {
	Network   string
	Message   string
	Input     map[string]any
	Delegates []DelegateInfo
	History   []run.NetworkStep
}

// LastOutput returns the output of the most recent successful delegation.
func (r *RouteRequest) LastOutput() map[string]any {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Status == run.StepSuccess {
			return r.History[i].Output
		}
	}
	return nil
}

// Decision is a router's answer: either a delegate to run next, or done.
type Decision struct {
	Delegate string         `json:"delegate,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Done     bool           `json:"done,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Router picks the next delegation.
type Router interface {
	Route(ctx context.Context, req *RouteRequest) (Decision, error)
}

// Rule routes messages containing any keyword to a delegate.
type Rule struct {
	Keywords []string
	Delegate string
}

// RuleRouter routes without a model. With a Pipeline it runs the listed
// delegates in order, each receiving the previous output merged over the
// network input. Otherwise the first matching Rule (or Fallback) picks a
// single delegate.
type RuleRouter struct {
	Rules    []Rule
	Pipeline []string
	Fallback string
}

func (r *RuleRouter) Route(_ context.Context, req *RouteRequest) (Decision, error) {
	input := nextInput(req)

	if len(r.Pipeline) > 0 {
		i := len(req.History)
		if i >= len(r.Pipeline) {
			return Decision{Done: true, Reason: "pipeline complete"}, nil
		}
		return Decision{Delegate: r.Pipeline[i], Input: input, Reason: fmt.Sprintf("pipeline step %d", i+1)}, nil
	}

	if len(req.History) > 0 {
		return Decision{Done: true, Reason: "task delegated"}, nil
	}
	msg := strings.ToLower(req.Message)
	for _, rule := range r.Rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
				return Decision{Delegate: rule.Delegate, Input: input, Reason: fmt.Sprintf("matched %q", kw)}, nil
			}
		}
	}
	if r.Fallback != "" {
		return Decision{Delegate: r.Fallback, Input: input, Reason: "fallback"}, nil
	}
	return Decision{}, fmt.Errorf("no rule matches message and no fallback is set")
}

func nextInput(req *RouteRequest) map[string]any {
	input := map[string]any{"message": req.Message}
	maps.Copy(input, req.Input)
	maps.Copy(input, req.LastOutput())
	return input
}

// routingPrompt renders the instructions model-backed routers send.
func routingPrompt(req *RouteRequest) string {
	var b strings.Builder
	b.WriteString("You coordinate a network of delegates. Decide which delegate should act next, ")
	b.WriteString("or whether the task is complete.\n\nDelegates:\n")
	for _, d := range req.Delegates {
		fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.Kind, d.Description)
	}
	fmt.Fprintf(&b, "\nTask: %s\n", req.Message)
	if len(req.Input) > 0 {
		data, _ := json.Marshal(req.Input)
		fmt.Fprintf(&b, "Task input: %s\n", data)
	}
	if len(req.History) > 0 {
		b.WriteString("\nCompleted delegations:\n")
		for _, h := range req.History {
			out, _ := json.Marshal(h.Output)
			fmt.Fprintf(&b, "%d. %s [%s] output=%s", h.Index+1, h.DelegateName, h.Status, out)
			if h.Error != "" {
				fmt.Fprintf(&b, " error=%s", h.Error)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRespond with a JSON object only: ")
	b.WriteString(`{"delegate": "<name or empty>", "input": {...}, "done": <bool>, "reason": "<short reason>"}`)
	return b.String()
}

// parseDecision decodes and checks a model's routing answer.
func parseDecision(text string, req *RouteRequest) (Decision, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var d Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &d); err != nil {
		return Decision{}, fmt.Errorf("invalid routing decision %q: %w", text, err)
	}
	if d.Done {
		return d, nil
	}
	for _, info := range req.Delegates {
		if info.Name == d.Delegate {
			if d.Input == nil {
				d.Input = nextInput(req)
			}
			return d, nil
		}
	}
	return Decision{}, fmt.Errorf("routing decision names unknown delegate %q", d.Delegate)
}
