package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/network"
)

func TestWorkflows_AllCommitted(t *testing.T) {
	wfs, err := Workflows(Options{})
	require.NoError(t, err)

	ids := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		assert.True(t, wf.Committed(), wf.ID())
		ids = append(ids, wf.ID())
	}
	assert.ElementsMatch(t, []string{
		"order-fulfillment-workflow",
		"approval-workflow",
		"branching-workflow",
		"agent-text-stream-workflow",
	}, ids)
}

func TestComfortScore(t *testing.T) {
	tests := []struct {
		name     string
		analysis string
		want     int
	}{
		{"neutral", "Nothing remarkable.", 50},
		{"scripted reply", weatherReply, 95},
		{"stormy", "Heavy rain and a storm with cold winds.", 15},
		{"clamped high", "Sunny, warm and pleasant.", 95},
		{"clamped low", "Rain, hot and humid, then freezing.", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComfortScore(tt.analysis))
		})
	}
}

func TestComfortVerdict(t *testing.T) {
	assert.Equal(t, "Great conditions for outdoor activities!", comfortVerdict(70))
	assert.Equal(t, "Decent weather, but consider the conditions.", comfortVerdict(40))
	assert.Equal(t, "Not ideal weather conditions today.", comfortVerdict(39))
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Express", titleCase("express"))
	assert.Equal(t, "", titleCase(""))
}

func TestReportNetwork_RemoteDelegates(t *testing.T) {
	remote := &network.FuncDelegate{
		DelegateName:        "remote-analyst",
		DelegateDescription: "Answers over A2A",
		Fn: func(context.Context, *network.Call) (map[string]any, error) {
			return map[string]any{"text": "ok"}, nil
		},
	}
	n, err := ReportNetwork(Options{Remote: []network.Delegate{remote}, MaxIterations: 4})
	require.NoError(t, err)

	names := make([]string, 0, 3)
	for _, d := range n.Describe() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"report-generation", "report-review", "remote-analyst"}, names)
	assert.Equal(t, 4, n.MaxIterations())
}

func TestLocationOf(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"What can I do in Paris?", "Paris"},
		{"Things to do in New York City.", "New York City"},
		{"Tokyo", "Tokyo"},
		{"plan a day in ", "plan a day in "},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, locationOf(tt.msg), tt.msg)
	}
}

func TestActivitiesInput_PrefersRoutedLocation(t *testing.T) {
	call := &network.Call{Message: "activities in Rome", Input: map[string]any{"location": "Oslo"}}
	assert.Equal(t, map[string]any{"location": "Oslo"}, activitiesInput(call))

	call = &network.Call{Message: "activities in Rome"}
	assert.Equal(t, map[string]any{"location": "Rome"}, activitiesInput(call))
}
