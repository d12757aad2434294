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
	"iter"
	"os"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"

	"github.com/kadirpekel/flowline/pkg/run"
)

// RemoteConfig configures a delegate served by a remote A2A agent.
type RemoteConfig struct {
	Name        string
	Description string
	// AgentCardSource is a URL serving the agent card, or a path to a card file.
	AgentCardSource string
	// AgentCard skips resolution when set.
	AgentCard *a2a.AgentCard
}

// RemoteDelegate sends the prompt to an A2A agent and pipes back the
// streamed text.
type RemoteDelegate struct {
	cfg RemoteConfig

	mu   sync.Mutex
	card *a2a.AgentCard
}

func NewRemoteDelegate(cfg RemoteConfig) (*RemoteDelegate, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("remote delegate name is required")
	}
	if cfg.AgentCard == nil && cfg.AgentCardSource == "" {
		return nil, fmt.Errorf("remote delegate %q: agent card or agent card source is required", cfg.Name)
	}
	return &RemoteDelegate{cfg: cfg, card: cfg.AgentCard}, nil
}

func (d *RemoteDelegate) Name() string { return d.cfg.Name }
func (d *RemoteDelegate) Kind() string { return KindRemote }

func (d *RemoteDelegate) Description() string {
	if d.cfg.Description != "" {
		return d.cfg.Description
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card != nil {
		return d.card.Description
	}
	return ""
}

func (d *RemoteDelegate) Invoke(ctx context.Context, call *Call) (map[string]any, error) {
	card, err := d.resolveAgentCard(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent card resolution failed: %w", err)
	}

	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("client creation failed: %w", err)
	}
	defer func() { _ = client.Destroy() }()

	ev := call.Emitter()
	ev.Progress(run.ProgressInProgress, "waiting for "+d.cfg.Name, d.cfg.Name)

	req := &a2a.MessageSendParams{
		Message: a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: call.Prompt()}),
	}
	text, err := ev.Pipe(d.cfg.Name, remoteText(client.SendStreamingMessage(ctx, req)))
	if err != nil {
		return nil, fmt.Errorf("remote agent %s: %w", d.cfg.Name, err)
	}
	ev.Progress(run.ProgressDone, d.cfg.Name+" finished", d.cfg.Name)
	return map[string]any{"text": text}, nil
}

// remoteText flattens A2A stream events to their text parts.
func remoteText(events iter.Seq2[a2a.Event, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		streamed := false
		for event, err := range events {
			if err != nil {
				yield("", err)
				return
			}
			var parts []a2a.Part
			switch e := event.(type) {
			case *a2a.TaskStatusUpdateEvent:
				if e.Status.Message != nil {
					parts = e.Status.Message.Parts
				}
				if e.Status.State == a2a.TaskStateFailed {
					yield("", fmt.Errorf("remote task failed: %s", textOf(parts)))
					return
				}
			case *a2a.TaskArtifactUpdateEvent:
				if e.Artifact != nil {
					parts = e.Artifact.Parts
				}
			case *a2a.Message:
				parts = e.Parts
			case *a2a.Task:
				// Agents that do not stream answer with the finished task only.
				if !streamed && e.Status.State == a2a.TaskStateCompleted {
					for _, artifact := range e.Artifacts {
						parts = append(parts, artifact.Parts...)
					}
				}
			}
			if text := textOf(parts); text != "" {
				streamed = true
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

func textOf(parts []a2a.Part) string {
	var b strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			b.WriteString(p.Text)
		case *a2a.TextPart:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (d *RemoteDelegate) resolveAgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card != nil {
		return d.card, nil
	}

	source := d.cfg.AgentCardSource
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		card, err := agentcard.DefaultResolver.Resolve(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch agent card from %s: %w", source, err)
		}
		d.card = card
		return card, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent card from %q: %w", source, err)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent card: %w", err)
	}
	d.card = &card
	return d.card, nil
}
