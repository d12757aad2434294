package run

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Transition(t *testing.T) {
	s := New("r1", "approval-workflow", RunWorkflow, map[string]any{"amount": 10})

	st, err := s.Transition("request-approval", "request-approval", "approval-workflow", StepRunning)
	require.NoError(t, err)
	assert.False(t, st.StartedAt.IsZero())
	assert.Equal(t, "request-approval", s.Cursor)

	_, err = s.Transition("request-approval", "", "", StepSuspended)
	require.NoError(t, err)
	assert.Equal(t, []string{"request-approval"}, s.Suspended)

	_, err = s.Transition("request-approval", "", "", StepSuccess)
	assert.Error(t, err, "suspended steps must be re-entered first")

	_, err = s.Transition("request-approval", "", "", StepRunning)
	require.NoError(t, err)
	assert.Empty(t, s.Suspended)

	_, err = s.Transition("request-approval", "", "", StepSuccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"request-approval"}, s.Order)
}

func TestSnapshot_TransitionNodeOnlyListsSteps(t *testing.T) {
	s := New("r1", "parent", RunWorkflow, nil)

	_, err := s.TransitionNode(NodeWorkflow, "child", "child", "parent", StepRunning)
	require.NoError(t, err)
	_, err = s.Transition("child/approve", "approve", "child", StepRunning)
	require.NoError(t, err)
	_, err = s.Transition("child/approve", "", "", StepSuspended)
	require.NoError(t, err)
	_, err = s.TransitionNode(NodeWorkflow, "child", "", "", StepSuspended)
	require.NoError(t, err)

	assert.Equal(t, []string{"child/approve"}, s.Suspended)
	path, err := s.FindSuspended("")
	require.NoError(t, err)
	assert.Equal(t, "child/approve", path)
	assert.Equal(t, NodeWorkflow, s.Steps["child"].Kind)
}

func TestSnapshot_FindSuspended(t *testing.T) {
	s := New("r1", "wf", RunWorkflow, nil)
	_, err := s.FindSuspended("")
	assert.Error(t, err)

	for _, p := range []string{"sub/approve", "other/approve"} {
		_, err := s.Transition(p, "approve", "sub", StepRunning)
		require.NoError(t, err)
		_, err = s.Transition(p, "approve", "sub", StepSuspended)
		require.NoError(t, err)
	}

	path, err := s.FindSuspended("sub/approve")
	require.NoError(t, err)
	assert.Equal(t, "sub/approve", path)

	_, err = s.FindSuspended("approve")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.FindSuspended("missing")
	assert.ErrorContains(t, err, "not suspended")
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := New("r1", "wf", RunWorkflow, map[string]any{
		"items": []any{map[string]any{"sku": "a"}},
	})
	st, err := s.Transition("a", "a", "wf", StepRunning)
	require.NoError(t, err)
	st.Output = map[string]any{"n": 1}
	s.Branches["b"] = "express"

	c := s.Clone()
	c.Input["items"].([]any)[0].(map[string]any)["sku"] = "b"
	c.Steps["a"].Output["n"] = 2
	c.Branches["b"] = "standard"

	assert.Equal(t, "a", s.Input["items"].([]any)[0].(map[string]any)["sku"])
	assert.Equal(t, 1, s.Steps["a"].Output["n"])
	assert.Equal(t, "express", s.Branches["b"])
}

func TestSnapshot_JSONRoundTripKeepsShape(t *testing.T) {
	s := New("r1", "wf", RunWorkflow, nil)
	_, err := s.Transition("a", "a", "wf", StepRunning)
	require.NoError(t, err)

	b, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	step := raw["steps"].(map[string]any)["a"].(map[string]any)
	assert.Equal(t, "running", step["status"])
	assert.NotContains(t, step, "endedAt")
}

func TestSnapshot_Outputs(t *testing.T) {
	s := New("r1", "wf", RunWorkflow, nil)
	for _, p := range []string{"a", "b"} {
		_, err := s.Transition(p, p, "wf", StepRunning)
		require.NoError(t, err)
	}
	_, err := s.Transition("a", "", "", StepSuccess)
	require.NoError(t, err)
	s.Steps["a"].Output = map[string]any{"ok": true}

	out := s.Outputs()
	assert.Len(t, out, 1)
	assert.Equal(t, true, out["a"]["ok"])
}

func TestRecord_FinalAndProgress(t *testing.T) {
	assert.True(t, Record{Kind: KindRun, Status: string(StatusSuspended)}.Final())
	assert.True(t, Record{Kind: KindRun, Status: string(StatusRejected)}.Final())
	assert.False(t, Record{Kind: KindRun, Status: string(StatusRunning)}.Final())
	assert.False(t, Record{Kind: KindStep, Status: string(StatusSuccess)}.Final())
	assert.False(t, Record{Kind: KindRun, Origin: OriginRelay, Status: string(StatusSuccess)}.Final())

	p := Progress{Status: ProgressDone, Message: "Payment processed successfully", Stage: "payment"}
	r := Record{Kind: KindEvent, Event: &Event{Type: EventTypeProgress, Data: p.Data()}}
	got, ok := r.Progress()
	require.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = Record{Kind: KindEvent, Event: &Event{Type: "custom"}}.Progress()
	assert.False(t, ok)
}
