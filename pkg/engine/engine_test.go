package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/demo"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/store"
)

func newDemoEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{RecordBuffer: 4})
	require.NoError(t, demo.Register(e, demo.Options{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// drain collects every record of the handle's segment.
func drain(t *testing.T, h *engine.RunHandle) []run.Record {
	t.Helper()
	var out []run.Record
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-h.Records():
			if !ok {
				return out
			}
			out = append(out, rec)
		case <-timeout:
			t.Fatal("timed out waiting for records")
		}
	}
}

// stepStatuses lists the statuses streamed for a step path.
func stepStatuses(records []run.Record, path string) []run.StepStatus {
	var out []run.StepStatus
	for _, r := range records {
		if r.Kind == run.KindStep && r.Path == path && r.Origin != run.OriginRelay {
			out = append(out, run.StepStatus(r.Status))
		}
	}
	return out
}

func indexOf(records []run.Record, match func(run.Record) bool) int {
	for i, r := range records {
		if match(r) {
			return i
		}
	}
	return -1
}

func orderInput() map[string]any {
	return map[string]any{
		"orderId":       "ORD-1",
		"amount":        99.5,
		"paymentMethod": "card",
		"productName":   "Widget",
	}
}

func TestOrderFulfillment_PaymentBeforeShipping(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	h, err := e.Start(ctx, "order-fulfillment-workflow", orderInput())
	require.NoError(t, err)
	records := drain(t, h)

	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.Contains(t, snap.Result["trackingNumber"], "TRK-")
	assert.NotEmpty(t, snap.Result["estimatedDelivery"])

	paid := indexOf(records, func(r run.Record) bool {
		return r.Path == "process-payment" && r.Status == string(run.StepSuccess)
	})
	shipping := indexOf(records, func(r run.Record) bool {
		return r.Path == "prepare-shipping" && r.Status == string(run.StepRunning)
	})
	require.NotEqual(t, -1, paid)
	require.NotEqual(t, -1, shipping)
	assert.Less(t, paid, shipping)

	assert.Equal(t, []run.StepStatus{run.StepWaiting, run.StepRunning, run.StepSuccess},
		stepStatuses(records, "process-payment"))

	var stages []string
	for _, r := range records {
		if p, ok := r.Progress(); ok {
			stages = append(stages, p.Stage)
		}
	}
	assert.Equal(t, []string{"payment", "payment", "payment", "shipping", "shipping", "shipping"}, stages)

	last := records[len(records)-1]
	assert.True(t, last.Final())
	assert.Equal(t, string(run.StatusSuccess), last.Status)

	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].Seq+1, records[i].Seq)
	}
}

func TestStart_Errors(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	_, err := e.Start(ctx, "missing", nil)
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)

	_, err = e.Start(ctx, "order-fulfillment-workflow", map[string]any{"orderId": "ORD-1", "amount": "lots"})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "input", verr.Scope)
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "amount")
	assert.Contains(t, fields, "paymentMethod")

	runs, err := e.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func suspendApproval(t *testing.T, e *engine.Engine) *run.Snapshot {
	t.Helper()
	ctx := testContext(t)

	h, err := e.Start(ctx, "approval-workflow", map[string]any{"request": "new laptop"})
	require.NoError(t, err)
	records := drain(t, h)

	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, run.StatusSuspended, snap.Status)
	assert.Equal(t, []string{"request-approval"}, snap.Suspended)

	last := records[len(records)-1]
	assert.True(t, last.Final())
	assert.Equal(t, "request-approval", last.StepID)
	assert.NotEmpty(t, last.SuspendPayload["requestId"])
	assert.Contains(t, last.SuspendPayload["message"], "new laptop")
	return snap
}

func TestApproval_Approve(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)
	first := suspendApproval(t, e)

	h, err := e.Resume(ctx, first.RunID, "request-approval", map[string]any{
		"approved":     true,
		"approverName": "Alice",
	})
	require.NoError(t, err)
	records := drain(t, h)

	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.Contains(t, snap.Result["message"], "Alice")
	assert.Empty(t, snap.Suspended)

	assert.Equal(t, []run.StepStatus{run.StepRunning, run.StepSuccess}, stepStatuses(records, "request-approval"))
	assert.Greater(t, records[0].Seq, first.Seq)

	all, err := e.Records(ctx, first.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, []run.StepStatus{
		run.StepWaiting, run.StepRunning, run.StepSuspended, run.StepRunning, run.StepSuccess,
	}, stepStatuses(all, "request-approval"))
}

func TestApproval_RejectBails(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)
	first := suspendApproval(t, e)

	h, err := e.Resume(ctx, first.RunID, "", map[string]any{"approved": false})
	require.NoError(t, err)
	defer h.Close()

	snap, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRejected, snap.Status)
	assert.Equal(t, false, snap.Result["approved"])
	assert.Equal(t, run.StepSuccess, snap.Steps["request-approval"].Status)
	_, ran := snap.Steps["finalize-request"]
	assert.False(t, ran)
}

func TestResume_InvalidLeavesRunUntouched(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)
	first := suspendApproval(t, e)

	before, err := e.Get(ctx, first.RunID)
	require.NoError(t, err)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)

	tests := []struct {
		name       string
		runID      string
		step       string
		data       map[string]any
		validation bool
	}{
		{"wrong type", first.RunID, "request-approval", map[string]any{"approved": "yes"}, true},
		{"missing field", first.RunID, "request-approval", map[string]any{"approverName": "Bob"}, true},
		{"unknown step", first.RunID, "finalize-request", map[string]any{"approved": true}, false},
		{"unknown run", "nope", "", map[string]any{"approved": true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Resume(ctx, tt.runID, tt.step, tt.data)
			var rerr *engine.ResumeValidationError
			require.ErrorAs(t, err, &rerr)
			if tt.validation {
				require.NotNil(t, rerr.Validation)
				assert.NotEmpty(t, rerr.Validation.Fields)
			}
		})
	}

	after, err := e.Get(ctx, first.RunID)
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.JSONEq(t, string(beforeJSON), string(afterJSON))
}

func TestResume_ConcurrentOnlyOneWins(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)
	first := suspendApproval(t, e)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*engine.RunHandle
		failed  int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.Resume(ctx, first.RunID, "request-approval", map[string]any{"approved": true})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var rerr *engine.ResumeValidationError
				assert.ErrorAs(t, err, &rerr)
				failed++
				return
			}
			handles = append(handles, h)
		}()
	}
	wg.Wait()

	require.Len(t, handles, 1)
	assert.Equal(t, callers-1, failed)
	snap, err := handles[0].Wait(ctx)
	require.NoError(t, err)
	handles[0].Close()
	assert.Equal(t, run.StatusSuccess, snap.Status)
}

func TestResume_NotSuspended(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	snap, err := e.Execute(ctx, "order-fulfillment-workflow", orderInput())
	require.NoError(t, err)

	_, err = e.Resume(ctx, snap.RunID, "", nil)
	var rerr *engine.ResumeValidationError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Reason, "not suspended")
}

func TestBranching_ExactlyOneCaseRuns(t *testing.T) {
	tests := []struct {
		orderType string
		ran       string
		skipped   string
		method    string
	}{
		{"express", "express-shipping-workflow", "standard-shipping-workflow", "Express Overnight"},
		{"standard", "standard-shipping-workflow", "express-shipping-workflow", "Standard Ground"},
	}
	for _, tt := range tests {
		t.Run(tt.orderType, func(t *testing.T) {
			e := newDemoEngine(t)
			ctx := testContext(t)

			snap, err := e.Execute(ctx, "branching-workflow", map[string]any{
				"orderId":   "ORD-7",
				"orderType": tt.orderType,
				"amount":    12,
			})
			require.NoError(t, err)
			assert.Equal(t, run.StatusSuccess, snap.Status)
			assert.Equal(t, tt.method, snap.Result["shippingMethod"])
			assert.Equal(t, tt.ran, snap.Branches["branch-2"])

			kind := tt.orderType
			st, ok := snap.Steps[tt.ran+"/"+kind+"-process"]
			require.True(t, ok)
			assert.Equal(t, run.StepSuccess, st.Status)
			for path := range snap.Steps {
				assert.NotContains(t, path, tt.skipped)
			}
			assert.Equal(t, run.NodeBranch, snap.Steps["branch-2"].Kind)
			assert.Equal(t, run.NodeWorkflow, snap.Steps[tt.ran].Kind)
		})
	}
}

func TestBranching_InvalidOrderType(t *testing.T) {
	e := newDemoEngine(t)
	_, err := e.Start(testContext(t), "branching-workflow", map[string]any{
		"orderId": "ORD-7", "orderType": "drone", "amount": 12,
	})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "orderType", verr.Fields[0].Field)
}

func TestAgentTextStream_PipesChunks(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	h, err := e.Start(ctx, "agent-text-stream-workflow", map[string]any{"location": "Lisbon"})
	require.NoError(t, err)
	records := drain(t, h)
	snap, err := h.Wait(ctx)
	require.NoError(t, err)

	var text string
	chunks := 0
	for _, r := range records {
		if r.Kind == run.KindChunk {
			assert.Equal(t, "weather-agent", r.Source)
			assert.Equal(t, "analyze-weather", r.Path)
			text += r.Text
			chunks++
		}
	}
	assert.Greater(t, chunks, 1)
	assert.Equal(t, snap.Steps["analyze-weather"].Output["analysis"], text)
	assert.EqualValues(t, 95, snap.Result["comfortScore"])
	assert.Contains(t, snap.Result["summary"], "Lisbon")
}

func TestWatch_ReplaysFinishedRun(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	snap, err := e.Execute(ctx, "order-fulfillment-workflow", orderInput())
	require.NoError(t, err)

	h, err := e.Watch(ctx, snap.RunID, 0)
	require.NoError(t, err)
	records := drain(t, h)
	require.NotEmpty(t, records)
	assert.Equal(t, int64(1), records[0].Seq)
	assert.Equal(t, snap.Seq, records[len(records)-1].Seq)

	h, err = e.Watch(ctx, snap.RunID, snap.Seq-2)
	require.NoError(t, err)
	assert.Len(t, drain(t, h), 2)

	_, err = e.Watch(ctx, "nope", 0)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestSweep_DeletesExpiredRuns(t *testing.T) {
	e := newDemoEngine(t)
	ctx := testContext(t)

	done, err := e.Execute(ctx, "order-fulfillment-workflow", orderInput())
	require.NoError(t, err)
	suspended := suspendApproval(t, e)

	n, err := e.Sweep(ctx, engine.RetentionPolicy{CompletedTTL: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = e.Sweep(ctx, engine.RetentionPolicy{CompletedTTL: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Get(ctx, done.RunID)
	assert.True(t, errors.Is(err, store.ErrRunNotFound))
	_, err = e.Get(ctx, suspended.RunID)
	assert.NoError(t, err)
}
