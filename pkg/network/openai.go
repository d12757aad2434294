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
	"errors"
	"fmt"
	"io"
	"iter"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when OpenAIConfig leaves Model empty.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at an OpenAI-compatible API, e.g. a local gateway.
	BaseURL string
	Model   string
}

func newOpenAIClient(cfg OpenAIConfig) (*openai.Client, string, error) {
	if cfg.APIKey == "" {
		return nil, "", fmt.Errorf("OpenAI API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return openai.NewClientWithConfig(clientCfg), model, nil
}

// OpenAIRouter asks a chat model for the next delegation.
type OpenAIRouter struct {
	client *openai.Client
	model  string
}

func NewOpenAIRouter(cfg OpenAIConfig) (*OpenAIRouter, error) {
	client, model, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAIRouter{client: client, model: model}, nil
}

func (r *OpenAIRouter) Route(ctx context.Context, req *RouteRequest) (Decision, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: routingPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("openai routing failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, errors.New("openai returned no choices")
	}
	return parseDecision(resp.Choices[0].Message.Content, req)
}

// OpenAIAgent streams answers from a chat model.
type OpenAIAgent struct {
	name        string
	description string
	system      string
	client      *openai.Client
	model       string
}

// NewOpenAIAgent creates an agent. system is an optional system prompt.
func NewOpenAIAgent(name, description, system string, cfg OpenAIConfig) (*OpenAIAgent, error) {
	client, model, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAIAgent{name: name, description: description, system: system, client: client, model: model}, nil
}

func (a *OpenAIAgent) Name() string        { return a.name }
func (a *OpenAIAgent) Description() string { return a.description }

func (a *OpenAIAgent) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var msgs []openai.ChatCompletionMessage
		if a.system != "" {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.system})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

		stream, err := a.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    a.model,
			Messages: msgs,
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("openai stream failed: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("openai stream failed: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}
