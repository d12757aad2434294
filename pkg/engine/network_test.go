package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

func TestNetwork_ReportPipeline(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	h, err := e.StartNetwork(ctx, "report-network", "quarterly sales", nil)
	require.NoError(t, err)
	records := drain(t, h)
	snap, err := h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, run.RunNetwork, snap.Kind)
	assert.Equal(t, run.StatusSuccess, snap.Status)
	require.Len(t, snap.Network, 2)
	assert.Equal(t, "report-generation", snap.Network[0].DelegateName)
	assert.Equal(t, "report-review", snap.Network[1].DelegateName)
	assert.Contains(t, snap.Network[0].Output["text"], "quarterly sales")
	assert.Contains(t, snap.Result["text"], "Approved for distribution")

	var stages []string
	for _, r := range records {
		if p, ok := r.Progress(); ok && p.Status == run.ProgressDone {
			stages = append(stages, p.Stage)
		}
	}
	assert.Equal(t, []string{"report-generation", "report-review"}, stages)

	var statuses []string
	for _, r := range records {
		if r.Kind == run.KindNetwork {
			statuses = append(statuses, r.StepID+":"+r.Status)
		}
	}
	assert.Equal(t, []string{
		"report-generation:running", "report-generation:success",
		"report-review:running", "report-review:success",
	}, statuses)
}

func TestNetwork_OrderProcessingRelaysWorkflow(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	input := orderInput()
	delete(input, "productName")
	input["productId"] = "42"

	h, err := e.StartNetwork(ctx, "order-processing-network", "process order ORD-1", input)
	require.NoError(t, err)
	records := drain(t, h)
	snap, err := h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.Contains(t, snap.Result["trackingNumber"], "TRK-")
	require.Len(t, snap.Network, 2)
	assert.Equal(t, network.KindFunc, snap.Network[0].DelegateKind)
	assert.Equal(t, network.KindWorkflow, snap.Network[1].DelegateKind)
	assert.Equal(t, "Product 42", snap.Network[1].Input["productName"])

	finals := 0
	relayed := 0
	for _, r := range records {
		if r.Final() {
			finals++
		}
		if r.Origin == run.OriginRelay && r.Source == "order-fulfillment-workflow" {
			relayed++
			assert.True(t, strings.HasPrefix(r.Path, "order-fulfillment-workflow/1"), r.Path)
		}
	}
	assert.Equal(t, 1, finals)
	assert.Greater(t, relayed, 0)
	assert.True(t, records[len(records)-1].Final())

	nested, err := e.List(ctx, store.Filter{WorkflowID: "order-fulfillment-workflow"})
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, run.StatusSuccess, nested[0].Status)
}

func TestNetwork_RoutingPicksOneDelegate(t *testing.T) {
	tests := []struct {
		message  string
		delegate string
		kind     string
	}{
		{"What's the weather like today?", "weather-agent", network.KindAgent},
		{"Who directed My Neighbor Totoro?", "ghibli-agent", network.KindAgent},
		{"Plan some activities in Lisbon?", "activities-planner", network.KindWorkflow},
		{"Tell me something", "weather-agent", network.KindAgent},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			e := newDemoEngine(t)
			ctx := testContext(t)

			h, err := e.StartNetwork(ctx, "routing-network", tt.message, nil)
			require.NoError(t, err)
			drain(t, h)
			snap, err := h.Wait(ctx)
			require.NoError(t, err)

			assert.Equal(t, run.StatusSuccess, snap.Status)
			require.Len(t, snap.Network, 1)
			assert.Equal(t, tt.delegate, snap.Network[0].DelegateName)
			assert.Equal(t, tt.kind, snap.Network[0].DelegateKind)
		})
	}
}

func TestNetwork_RoutingPlannerTakesCityFromMessage(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	h, err := e.StartNetwork(ctx, "routing-network", "What activities can I do in Kyoto?", nil)
	require.NoError(t, err)
	drain(t, h)
	snap, err := h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "Kyoto", snap.Result["location"])
	assert.Contains(t, snap.Result, "comfortScore")

	nested, err := e.List(ctx, store.Filter{WorkflowID: "agent-text-stream-workflow"})
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, "Kyoto", nested[0].Input["location"])
}

func TestNetwork_FailingDelegateFailsRun(t *testing.T) {
	bad := &network.FuncDelegate{
		DelegateName: "bad",
		Fn: func(context.Context, *network.Call) (map[string]any, error) {
			return nil, errors.New("unavailable")
		},
	}
	n, err := network.New(network.Config{
		Name:      "fragile",
		Delegates: []network.Delegate{bad},
		Router:    &network.RuleRouter{Fallback: "bad"},
	})
	require.NoError(t, err)
	e := newEngine(t, engine.Config{})
	require.NoError(t, e.RegisterNetwork(n))
	ctx := testContext(t)

	h, err := e.StartNetwork(ctx, "fragile", "anything", nil)
	require.NoError(t, err)
	defer h.Close()
	snap, err := h.Wait(ctx)

	var serr *engine.StepExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "bad", serr.StepID)
	assert.Equal(t, run.StatusFailed, snap.Status)
	require.Len(t, snap.Network, 1)
	assert.Equal(t, "unavailable", snap.Network[0].Error)
}

func TestNetwork_IterationBound(t *testing.T) {
	calls := 0
	again := &network.FuncDelegate{
		DelegateName: "again",
		Fn: func(context.Context, *network.Call) (map[string]any, error) {
			calls++
			return map[string]any{"calls": calls}, nil
		},
	}
	n, err := network.New(network.Config{
		Name:          "loop",
		Delegates:     []network.Delegate{again},
		Router:        alwaysRouter("again"),
		MaxIterations: 3,
	})
	require.NoError(t, err)
	e := newEngine(t, engine.Config{})
	require.NoError(t, e.RegisterNetwork(n))

	h, err := e.StartNetwork(testContext(t), "loop", "go", nil)
	require.NoError(t, err)
	defer h.Close()
	snap, err := h.Wait(testContext(t))
	require.NoError(t, err)
	assert.Len(t, snap.Network, 3)
	assert.EqualValues(t, 3, snap.Result["calls"])
}

func TestStartNetwork_Errors(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	_, err := e.StartNetwork(ctx, "missing", "hi", nil)
	assert.ErrorIs(t, err, engine.ErrNetworkNotFound)

	_, err = e.StartNetwork(ctx, "report-network", "", nil)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message", verr.Fields[0].Field)

	h, err := e.StartNetwork(ctx, "report-network", "", map[string]any{"message": "from input"})
	require.NoError(t, err)
	defer h.Close()
	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from input", snap.Input["message"])
}

func TestResume_RefusesNetworkRuns(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	h, err := e.StartNetwork(ctx, "report-network", "topic", nil)
	require.NoError(t, err)
	defer h.Close()
	snap, err := h.Wait(ctx)
	require.NoError(t, err)

	_, err = e.Resume(ctx, snap.RunID, "", nil)
	var rerr *engine.ResumeValidationError
	assert.ErrorAs(t, err, &rerr)
}

type alwaysRouter string

func (r alwaysRouter) Route(context.Context, *network.RouteRequest) (network.Decision, error) {
	return network.Decision{Delegate: string(r)}, nil
}
