package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

type value struct {
	N int `json:"n"`
}

func newEngine(t *testing.T, cfg engine.Config, wfs ...*workflow.Workflow) *engine.Engine {
	t.Helper()
	e := engine.New(cfg)
	for _, wf := range wfs {
		require.NoError(t, wf.Commit())
		require.NoError(t, e.RegisterWorkflow(wf))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func committed(t *testing.T, wf *workflow.Workflow) *workflow.Workflow {
	t.Helper()
	require.NoError(t, wf.Commit())
	return wf
}

func raw(id string, fn workflow.Func, opts ...workflow.StepOption) *workflow.Step {
	return workflow.NewRawStep(workflow.StepConfig{ID: id}, nil, nil, fn, opts...)
}

func TestEvents_KeepEmitOrder(t *testing.T) {
	emit := raw("emit", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		for _, name := range []string{"A", "B", "C"} {
			sc.Emit("custom", map[string]any{"name": name})
		}
		return in, nil
	})
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "events"}).Then(emit))
	ctx := testContext(t)

	h, err := e.Start(ctx, "events", map[string]any{})
	require.NoError(t, err)
	records := drain(t, h)

	var names []any
	for _, r := range records {
		if r.Kind == run.KindEvent {
			assert.Equal(t, run.OriginStep, r.Origin)
			assert.Equal(t, "emit", r.StepID)
			names = append(names, r.Event.Data["name"])
		}
	}
	assert.Equal(t, []any{"A", "B", "C"}, names)
}

func TestStep_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := raw("flaky", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		n := calls.Add(1)
		assert.Equal(t, int(n), sc.Attempt())
		if n < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}, workflow.WithRetries(2, time.Millisecond))
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "retry"}).Then(flaky))

	snap, err := e.Execute(testContext(t), "retry", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.Equal(t, 3, snap.Steps["flaky"].Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStep_FailsAfterRetries(t *testing.T) {
	boom := raw("boom", func(workflow.StepContext, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	after := raw("after", func(_ workflow.StepContext, in map[string]any) (map[string]any, error) {
		t.Error("step after a failure must not run")
		return in, nil
	})
	e := newEngine(t, engine.Config{MaxRetries: 1}, workflow.New(workflow.Config{ID: "fail"}).Then(boom).Then(after))

	snap, err := e.Execute(testContext(t), "fail", nil)
	var serr *engine.StepExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "boom", serr.StepID)
	assert.Equal(t, 2, serr.Attempts)
	assert.Equal(t, run.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "boom")
	assert.Equal(t, run.StepFailed, snap.Steps["boom"].Status)
	_, ran := snap.Steps["after"]
	assert.False(t, ran)
}

func TestStep_Timeout(t *testing.T) {
	slow := raw("slow", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-sc.Done():
			time.Sleep(50 * time.Millisecond)
		}
		sc.Emit("late", nil)
		return in, nil
	}, workflow.WithTimeout(20*time.Millisecond))
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "slow"}).Then(slow))
	ctx := testContext(t)

	h, err := e.Start(ctx, "slow", nil)
	require.NoError(t, err)
	records := drain(t, h)
	snap, err := h.Wait(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, run.StatusFailed, snap.Status)
	for _, r := range records {
		assert.NotEqual(t, run.KindEvent, r.Kind)
	}
}

func TestStep_PanicFailsRun(t *testing.T) {
	bad := raw("bad", func(workflow.StepContext, map[string]any) (map[string]any, error) {
		panic("kaboom")
	})
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "panic"}).Then(bad))

	snap, err := e.Execute(testContext(t), "panic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, run.StatusFailed, snap.Status)
}

func TestStep_SuspendWithoutContractFails(t *testing.T) {
	pause := raw("pause", func(sc workflow.StepContext, _ map[string]any) (map[string]any, error) {
		return nil, sc.Suspend(map[string]any{"why": "no"})
	})
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "nopause"}).Then(pause))

	snap, err := e.Execute(testContext(t), "nopause", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot suspend")
	assert.Equal(t, run.StatusFailed, snap.Status)
	assert.Empty(t, snap.Suspended)
}

func TestStep_TypedContracts(t *testing.T) {
	double := workflow.NewStep(workflow.StepConfig{ID: "double"},
		func(_ workflow.StepContext, in value) (value, error) { return value{N: in.N * 2}, nil })
	inc := workflow.NewStep(workflow.StepConfig{ID: "inc"},
		func(sc workflow.StepContext, in value) (value, error) {
			prev, ok := sc.StepOutput("double")
			assert.True(t, ok)
			assert.EqualValues(t, in.N, prev["n"])
			return value{N: in.N + 1}, nil
		})
	wf := workflow.New(workflow.Config{
		ID:     "math",
		Input:  workflow.SchemaOf[value](),
		Output: workflow.SchemaOf[value](),
	}).Then(double).Then(inc)
	e := newEngine(t, engine.Config{}, wf)

	snap, err := e.Execute(testContext(t), "math", map[string]any{"n": 20})
	require.NoError(t, err)
	assert.EqualValues(t, 41, snap.Result["n"])
}

func TestBranch_UnroutedFailsRun(t *testing.T) {
	sub := committed(t, workflow.New(workflow.Config{ID: "never"}).Then(raw("noop", func(_ workflow.StepContext, in map[string]any) (map[string]any, error) {
		return in, nil
	})))
	wf := workflow.New(workflow.Config{ID: "unrouted"}).Branch(
		workflow.When(func(workflow.PredicateData) bool { return false }, sub),
	)
	e := newEngine(t, engine.Config{}, wf)

	snap, err := e.Execute(testContext(t), "unrouted", nil)
	var uerr *engine.UnroutedBranchError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "branch-1", uerr.Path)
	assert.Equal(t, run.StatusFailed, snap.Status)
	assert.Equal(t, run.StepFailed, snap.Steps["branch-1"].Status)
	assert.Empty(t, snap.Branches)
}

func TestBranch_OtherwiseAndNestedSuspend(t *testing.T) {
	gate := workflow.NewStep(workflow.StepConfig{
		ID:     "gate",
		Resume: workflow.SchemaOf[value](),
	}, func(sc workflow.StepContext, in map[string]any) (value, error) {
		if data := sc.ResumeData(); data != nil {
			return workflow.Decode[value](data)
		}
		return value{}, sc.Suspend(map[string]any{"need": "n"})
	})
	fallback := committed(t, workflow.New(workflow.Config{ID: "fallback"}).Then(gate))
	skipped := committed(t, workflow.New(workflow.Config{ID: "skipped"}).
		Then(raw("skip", func(_ workflow.StepContext, in map[string]any) (map[string]any, error) { return in, nil })))
	wf := workflow.New(workflow.Config{ID: "otherwise"}).Branch(
		workflow.When(func(d workflow.PredicateData) bool { return d.Input["skip"] == true }, skipped),
		workflow.Otherwise(fallback),
	)
	e := newEngine(t, engine.Config{}, wf)
	ctx := testContext(t)

	snap, err := e.Execute(ctx, "otherwise", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, run.StatusSuspended, snap.Status)
	assert.Equal(t, []string{"fallback/gate"}, snap.Suspended)
	assert.Equal(t, run.StepSuspended, snap.Steps["fallback"].Status)

	h, err := e.Resume(ctx, snap.RunID, "gate", map[string]any{"n": 7})
	require.NoError(t, err)
	defer h.Close()
	snap, err = h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, snap.Status)
	assert.EqualValues(t, 7, snap.Result["n"])
	assert.Equal(t, "fallback", snap.Branches["branch-1"])
	assert.Equal(t, run.StepSuccess, snap.Steps["fallback"].Status)
}

func TestDelete_RefusesActiveRun(t *testing.T) {
	release := make(chan struct{})
	block := raw("block", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		sc.Emit("started", nil)
		select {
		case <-release:
		case <-sc.Done():
		}
		return in, nil
	})
	e := newEngine(t, engine.Config{}, workflow.New(workflow.Config{ID: "block"}).Then(block))
	ctx := testContext(t)

	h, err := e.Start(ctx, "block", nil)
	require.NoError(t, err)
	for rec := range h.Records() {
		if rec.Kind == run.KindEvent {
			break
		}
	}

	assert.ErrorIs(t, e.Delete(ctx, h.RunID), engine.ErrRunActive)

	live, err := e.Records(ctx, h.RunID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, live)

	close(release)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
	h.Close()
	require.NoError(t, e.Delete(ctx, h.RunID))
}

func TestWatch_FollowsLiveRun(t *testing.T) {
	release := make(chan struct{})
	block := raw("block", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		sc.Emit("first", nil)
		<-release
		sc.Emit("second", nil)
		return in, nil
	})
	e := newEngine(t, engine.Config{RecordBuffer: 1}, workflow.New(workflow.Config{ID: "live"}).Then(block))
	ctx := testContext(t)

	h, err := e.Start(ctx, "live", nil)
	require.NoError(t, err)
	for rec := range h.Records() {
		if rec.Kind == run.KindEvent {
			break
		}
	}

	w, err := e.Watch(ctx, h.RunID, 0)
	require.NoError(t, err)
	close(release)
	records := drain(t, w)

	for i, r := range records {
		assert.Equal(t, int64(i+1), r.Seq)
	}
	assert.True(t, records[len(records)-1].Final())
	h.Close()
}

func TestShutdown_StopsRunsAndRefusesNew(t *testing.T) {
	block := raw("block", func(sc workflow.StepContext, in map[string]any) (map[string]any, error) {
		<-sc.Done()
		return nil, sc.Err()
	})
	e := engine.New(engine.Config{})
	wf := workflow.New(workflow.Config{ID: "block"}).Then(block)
	require.NoError(t, wf.Commit())
	require.NoError(t, e.RegisterWorkflow(wf))
	ctx := testContext(t)

	h, err := e.Start(ctx, "block", nil)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, e.Shutdown(ctx))
	snap, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, run.StatusFailed, snap.Status)

	_, err = e.Start(ctx, "block", nil)
	assert.ErrorIs(t, err, engine.ErrEngineClosed)
}
