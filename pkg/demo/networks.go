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

package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/run"
)

const (
	reportGenerationReply = "Report on %s. Summary: the topic shows steady growth. " +
		"Findings: adoption is rising and costs are falling. Recommendation: continue investment."
	reportReviewReply = "Review complete. The report is well structured, the findings are supported, " +
		"and the recommendation follows from the data. Approved for distribution."
	ghibliReply = "Studio Ghibli was founded in 1985 by Hayao Miyazaki, Isao Takahata and Toshio Suzuki. " +
		"My Neighbor Totoro and Spirited Away remain its best known films."
)

// Networks builds the demo networks. The order processing and routing
// networks delegate to workflows registered on e.
func Networks(e *engine.Engine, opts Options) ([]*network.Network, error) {
	report, err := ReportNetwork(opts)
	if err != nil {
		return nil, err
	}
	orders, err := OrderProcessingNetwork(e, opts)
	if err != nil {
		return nil, err
	}
	routing, err := RoutingNetwork(e, opts)
	if err != nil {
		return nil, err
	}
	return []*network.Network{report, orders, routing}, nil
}

// ReportNetwork writes a report, then has it reviewed.
func ReportNetwork(opts Options) (*network.Network, error) {
	gen, err := newAgent(opts, "report-generation", "Generates a report on a topic", reportGenerationReply)
	if err != nil {
		return nil, err
	}
	review, err := newAgent(opts, "report-review", "Reviews a generated report", reportReviewReply)
	if err != nil {
		return nil, err
	}

	router := opts.Router
	if router == nil {
		router = &network.RuleRouter{Pipeline: []string{gen.Name(), review.Name()}}
	}
	delegates := []network.Delegate{network.NewAgentDelegate(gen), network.NewAgentDelegate(review)}
	return network.New(network.Config{
		Name:          "report-network",
		Description:   "Generates a report and then reviews it",
		Delegates:     append(delegates, opts.Remote...),
		Router:        router,
		MaxIterations: opts.MaxIterations,
	})
}

// OrderProcessingNetwork checks inventory, then fulfills the order.
func OrderProcessingNetwork(e *engine.Engine, opts Options) (*network.Network, error) {
	inventory := &network.FuncDelegate{
		DelegateName:        "inventory-check",
		DelegateDescription: "Checks stock for a product",
		Fn: func(ctx context.Context, call *network.Call) (map[string]any, error) {
			return checkInventory(ctx, call, opts)
		},
	}
	fulfillment := e.WorkflowDelegate("order-fulfillment-workflow", "", "")

	return network.New(network.Config{
		Name:          "order-processing-network",
		Description:   "Checks inventory and then fulfills the order",
		Delegates:     []network.Delegate{inventory, fulfillment},
		Router:        &network.RuleRouter{Pipeline: []string{inventory.Name(), fulfillment.Name()}},
		MaxIterations: opts.MaxIterations,
	})
}

// RoutingNetwork sends each message to the one delegate that can answer it:
// the weather agent, the Ghibli agent, or the activities planner workflow.
func RoutingNetwork(e *engine.Engine, opts Options) (*network.Network, error) {
	weather, err := newAgent(opts, "weather-agent", "Provides weather information for specific locations", weatherReply)
	if err != nil {
		return nil, err
	}
	ghibli, err := newAgent(opts, "ghibli-agent", "Answers questions about Studio Ghibli films and characters", ghibliReply)
	if err != nil {
		return nil, err
	}
	activities := e.WorkflowDelegate("agent-text-stream-workflow", "activities-planner",
		"Helps plan activities in various cities").MapInput(activitiesInput)

	router := opts.Router
	if router == nil {
		router = &network.RuleRouter{
			Rules: []network.Rule{
				{Keywords: []string{"activities", "things to do", "plan"}, Delegate: activities.Name()},
				{Keywords: []string{"ghibli", "totoro", "miyazaki", "spirited away"}, Delegate: ghibli.Name()},
				{Keywords: []string{"weather", "forecast", "temperature"}, Delegate: weather.Name()},
			},
			Fallback: weather.Name(),
		}
	}
	return network.New(network.Config{
		Name:        "routing-network",
		Description: "Routes a question to the weather agent, the Ghibli agent or the activities planner",
		Delegates: []network.Delegate{
			network.NewAgentDelegate(weather), network.NewAgentDelegate(ghibli), activities,
		},
		Router:        router,
		MaxIterations: opts.MaxIterations,
	})
}

// activitiesInput feeds the planner a location, taken from the routed input
// or from the words after the last " in " of the message.
func activitiesInput(call *network.Call) map[string]any {
	if loc, ok := call.Input["location"].(string); ok && loc != "" {
		return map[string]any{"location": loc}
	}
	return map[string]any{"location": locationOf(call.Prompt())}
}

func locationOf(msg string) string {
	loc := msg
	if i := strings.LastIndex(strings.ToLower(msg), " in "); i >= 0 {
		loc = msg[i+len(" in "):]
	}
	loc = strings.Trim(strings.TrimSpace(loc), "?!.,")
	if loc == "" {
		return msg
	}
	return loc
}

func checkInventory(ctx context.Context, call *network.Call, opts Options) (map[string]any, error) {
	ev := call.Emitter()
	product, _ := call.Input["productId"].(string)
	if product == "" {
		product = call.Prompt()
	}
	quantity := 1
	if q, ok := call.Input["quantity"].(float64); ok && q > 0 {
		quantity = int(q)
	}

	ev.Progress(run.ProgressInProgress, fmt.Sprintf("Checking inventory for product %s...", product), "inventory")
	if err := sleep(ctx, opts.Delay); err != nil {
		return nil, err
	}
	ev.Progress(run.ProgressInProgress, "Verifying stock levels...", "inventory")
	if err := sleep(ctx, opts.Delay); err != nil {
		return nil, err
	}
	ev.Progress(run.ProgressDone, "Inventory check completed", "inventory")

	return map[string]any{
		"inStock":           true,
		"availableQuantity": quantity + 10,
		"productName":       "Product " + product,
	}, nil
}
