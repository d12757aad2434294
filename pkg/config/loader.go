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

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/flowline/pkg/config/provider"
)

// Loader turns the documents of a Provider into validated Configs. While
// watching, each changed document that validates replaces the current config
// and is handed to the OnChange callback.
type Loader struct {
	source   provider.Provider
	onChange func(*Config)

	mu      sync.Mutex
	digest  [sha256.Size]byte
	current *Config
}

type LoaderOption func(*Loader)

// WithOnChange registers fn to receive every config applied by Watch.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{source: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the document and makes it the current config.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg, _, err := l.apply(ctx, true)
	return cfg, err
}

// Current returns the last config applied by Load or Watch.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// apply fetches and parses the document. Unless force is set, a document
// identical to the one in effect is not parsed again and changed is false.
func (l *Loader) apply(ctx context.Context, force bool) (cfg *Config, changed bool, err error) {
	data, err := l.source.Load(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}
	sum := sha256.Sum256(data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !force && l.current != nil && sum == l.digest {
		return l.current, false, nil
	}
	if cfg, err = Parse(data); err != nil {
		return nil, false, err
	}
	l.digest, l.current = sum, cfg
	return cfg, true, nil
}

// Watch applies the config on every provider change until ctx is done.
// A document that fails to load or validate is logged and the config in
// effect is kept.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.source.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	log := slog.With("provider", l.source.Type())
	if changes == nil {
		log.Info("Config provider cannot be watched, hot reload disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	log.Info("Watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			l.reload(ctx, log)
		}
	}
}

func (l *Loader) reload(ctx context.Context, log *slog.Logger) {
	cfg, changed, err := l.apply(ctx, false)
	switch {
	case err != nil:
		log.Error("Config reload rejected, keeping current config", "error", err)
	case !changed:
		log.Debug("Config document unchanged")
	default:
		log.Info("Config reloaded")
		if l.onChange != nil {
			l.onChange(cfg)
		}
	}
}

func (l *Loader) Close() error {
	return l.source.Close()
}

// Parse decodes a YAML or JSON document into a validated Config. ${VAR}
// references are expanded before decoding and unset sections get defaults.
func Parse(data []byte) (*Config, error) {
	doc, err := unmarshalDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg := &Config{}
	if err := decodeInto(cfg, expandEnvVars(doc)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// unmarshalDocument reads YAML. JSON that YAML rejects, such as tab
// indentation, is retried with encoding/json.
func unmarshalDocument(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	yamlErr := yaml.Unmarshal(data, &doc)
	if yamlErr == nil {
		if doc == nil {
			doc = map[string]any{}
		}
		return doc, nil
	}
	var fromJSON map[string]any
	if json.Unmarshal(data, &fromJSON) == nil && fromJSON != nil {
		return fromJSON, nil
	}
	return nil, yamlErr
}

// decodeInto maps the document onto cfg by yaml tags. Unknown keys are
// errors so that typos do not pass silently.
func decodeInto(cfg *Config, doc map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(doc)
}

// LoadConfig opens the provider described by opts and loads from it. The
// returned Loader owns the provider and must be closed.
func LoadConfig(ctx context.Context, opts provider.ProviderConfig, loaderOpts ...LoaderOption) (*Config, *Loader, error) {
	p, err := provider.New(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}
	l := NewLoader(p, loaderOpts...)
	cfg, err := l.Load(ctx)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return cfg, l, nil
}

// LoadConfigFile loads from a local file.
func LoadConfigFile(ctx context.Context, path string, loaderOpts ...LoaderOption) (*Config, *Loader, error) {
	return LoadConfig(ctx, provider.ProviderConfig{Type: provider.TypeFile, Path: path}, loaderOpts...)
}
