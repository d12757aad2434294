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
	"fmt"
	"strings"

	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/workflow"
)

const weatherReply = "Sunny and warm with a light breeze. " +
	"Skies stay clear through the afternoon and temperatures are comfortable. " +
	"A pleasant day for hiking, cycling or a picnic."

type LocationInput struct {
	Location string `json:"location" jsonschema:"description=The location to analyze"`
}

type WeatherAnalysis struct {
	Analysis string `json:"analysis"`
	Location string `json:"location"`
}

type ComfortReport struct {
	ComfortScore int    `json:"comfortScore"`
	Summary      string `json:"summary"`
	Location     string `json:"location"`
}

// AgentTextStream pipes an agent's reply into the run stream chunk by chunk,
// then scores the analysis.
func AgentTextStream(agent network.Agent) (*workflow.Workflow, error) {
	analyze := workflow.NewStep(workflow.StepConfig{
		ID:          "analyze-weather",
		Description: "Stream a weather analysis from the agent",
	}, func(sc workflow.StepContext, in LocationInput) (WeatherAnalysis, error) {
		prompt := fmt.Sprintf("Analyze the weather conditions in %s and provide detailed insights about "+
			"temperature, conditions, and recommendations for outdoor activities.", in.Location)
		text, err := sc.Pipe(agent.Name(), agent.Stream(sc, prompt))
		if err != nil {
			return WeatherAnalysis{}, err
		}
		return WeatherAnalysis{Analysis: text, Location: in.Location}, nil
	})

	score := workflow.NewStep(workflow.StepConfig{
		ID:          "calculate-comfort",
		Description: "Score outdoor comfort from the analysis",
	}, func(sc workflow.StepContext, in WeatherAnalysis) (ComfortReport, error) {
		n := ComfortScore(in.Analysis)
		return ComfortReport{
			ComfortScore: n,
			Summary: fmt.Sprintf("Based on the weather analysis for %s, the comfort score is %d/100. %s",
				in.Location, n, comfortVerdict(n)),
			Location: in.Location,
		}, nil
	})

	wf := workflow.New(workflow.Config{
		ID:          "agent-text-stream-workflow",
		Description: "Streams an agent's weather analysis and computes a comfort score",
		Input:       workflow.SchemaOf[LocationInput](),
		Output:      workflow.SchemaOf[ComfortReport](),
	}).Then(analyze).Then(score)
	return wf, wf.Commit()
}

var comfortTerms = []struct {
	words []string
	delta int
}{
	{[]string{"sunny", "clear"}, 20},
	{[]string{"warm", "comfortable"}, 15},
	{[]string{"cool", "pleasant"}, 10},
	{[]string{"rain", "storm"}, -20},
	{[]string{"hot", "humid"}, -15},
	{[]string{"cold", "freezing"}, -15},
}

// ComfortScore rates text from 0 to 100 starting at 50.
func ComfortScore(analysis string) int {
	text := strings.ToLower(analysis)
	score := 50
	for _, t := range comfortTerms {
		for _, w := range t.words {
			if strings.Contains(text, w) {
				score += t.delta
				break
			}
		}
	}
	return min(max(score, 0), 100)
}

func comfortVerdict(score int) string {
	switch {
	case score >= 70:
		return "Great conditions for outdoor activities!"
	case score >= 40:
		return "Decent weather, but consider the conditions."
	default:
		return "Not ideal weather conditions today."
	}
}
