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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/kadirpekel/flowline/pkg/auth"
	"github.com/kadirpekel/flowline/pkg/config"
	"github.com/kadirpekel/flowline/pkg/config/provider"
	"github.com/kadirpekel/flowline/pkg/demo"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/mcpserver"
	"github.com/kadirpekel/flowline/pkg/network"
	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/ratelimit"
	"github.com/kadirpekel/flowline/pkg/server"
	"github.com/kadirpekel/flowline/pkg/store"
)

// loadConfig loads the configuration named by the global flags, or the
// defaults when no config is given. The loader is nil in the latter case.
func loadConfig(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	envDir := "."
	if cli.Config != "" && cli.ConfigProvider == string(provider.TypeFile) {
		envDir = filepath.Dir(cli.Config)
	}
	if err := config.LoadEnvFiles(envDir); err != nil {
		slog.Warn("Failed to load env files", "error", err)
	}

	if cli.Config == "" {
		slog.Info("No config given, using defaults")
		return config.Default(), nil, nil
	}

	typ, err := provider.ParseType(cli.ConfigProvider)
	if err != nil {
		return nil, nil, err
	}
	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	}, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "provider", typ, "path", cli.Config)
	return cfg, loader, nil
}

// app is the engine with everything the config wires around it.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	pool    *config.DBPool
	metrics *observability.Metrics
	tracer  *observability.Tracer
	auth    *auth.Validator
	limiter *ratelimit.Limiter

	retention atomic.Pointer[engine.RetentionPolicy]
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, pool: config.NewDBPool()}
	a.setRetention(cfg.Retention)
	if err := a.init(ctx); err != nil {
		_ = a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	st, err := openStore(ctx, a.cfg, a.pool)
	if err != nil {
		return err
	}

	if a.metrics, err = observability.NewMetrics(a.cfg.Observability.Metrics); err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	if a.tracer, err = observability.NewTracer(ctx, &a.cfg.Observability.Tracing); err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	a.engine = engine.New(engine.Config{
		Store:        st,
		StepTimeout:  a.cfg.Engine.StepTimeout,
		MaxRetries:   a.cfg.Engine.MaxRetries,
		RetryBackoff: a.cfg.Engine.RetryBackoff,
		RecordBuffer: a.cfg.Engine.RecordBuffer,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
	})

	opts, err := demoOptions(ctx, a.cfg)
	if err != nil {
		return err
	}
	if err := demo.Register(a.engine, opts); err != nil {
		return fmt.Errorf("failed to register catalog: %w", err)
	}

	if a.auth, err = auth.FromConfig(ctx, &a.cfg.Auth); err != nil {
		return fmt.Errorf("failed to create auth validator: %w", err)
	}
	if a.limiter, err = ratelimit.FromConfig(&a.cfg.RateLimit); err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, pool *config.DBPool) (store.Store, error) {
	dbCfg := cfg.StorageDatabase()
	if dbCfg == nil {
		slog.Info("Run storage", "backend", config.StorageMemory)
		return store.NewMemoryStore(), nil
	}
	db, err := pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("storage database %q: %w", cfg.Storage.Database, err)
	}
	st, err := store.NewSQLStore(db, dbCfg.Dialect())
	if err != nil {
		return nil, fmt.Errorf("failed to create run store: %w", err)
	}
	slog.Info("Run storage", "backend", config.StorageSQL, "driver", dbCfg.Driver, "database", cfg.Storage.Database)
	return st, nil
}

func demoOptions(ctx context.Context, cfg *config.Config) (demo.Options, error) {
	opts := demo.Options{
		Delay:         cfg.Demo.Delay,
		MaxIterations: cfg.Network.MaxIterations,
	}

	oa := network.OpenAIConfig{
		APIKey:  cfg.Network.OpenAI.APIKey,
		BaseURL: cfg.Network.OpenAI.BaseURL,
		Model:   cfg.Network.OpenAI.Model,
	}
	if oa.APIKey != "" {
		opts.OpenAI = &oa
	}

	switch cfg.Network.Router {
	case config.RouterOpenAI:
		r, err := network.NewOpenAIRouter(oa)
		if err != nil {
			return opts, fmt.Errorf("failed to create openai router: %w", err)
		}
		opts.Router = r
	case config.RouterGemini:
		r, err := network.NewGeminiRouter(ctx, network.GeminiConfig{
			APIKey: cfg.Network.Gemini.APIKey,
			Model:  cfg.Network.Gemini.Model,
		})
		if err != nil {
			return opts, fmt.Errorf("failed to create gemini router: %w", err)
		}
		opts.Router = r
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.RemoteAgents)) {
		ra := cfg.RemoteAgents[name]
		d, err := network.NewRemoteDelegate(network.RemoteConfig{
			Name:            name,
			Description:     ra.Description,
			AgentCardSource: ra.CardURL,
		})
		if err != nil {
			return opts, fmt.Errorf("remote agent %s: %w", name, err)
		}
		opts.Remote = append(opts.Remote, d)
	}
	return opts, nil
}

// server builds the HTTP server with MCP mounted at /mcp.
func (a *app) server() *server.Server {
	var mcpOpts []mcpserver.Option
	var opts []server.Option
	if a.auth != nil {
		mcpOpts = append(mcpOpts, mcpserver.WithResumeRoles(a.cfg.Auth.ResumeRoles...))
		opts = append(opts, server.WithAuth(a.auth, a.cfg.Auth.ExcludedPaths, a.cfg.Auth.ResumeRoles))
	}
	opts = append(opts, server.WithMCP(mcpserver.New(a.engine, version(), mcpOpts...).HTTPHandler()))
	if a.metrics != nil || a.tracer != nil {
		opts = append(opts, server.WithObservability(a.tracer, a.metrics))
	}
	if a.limiter != nil {
		opts = append(opts, server.WithRateLimit(a.limiter))
	}
	return server.New(a.engine, a.cfg.Server, opts...)
}

// setRetention swaps the policy read by the sweeper. A disabled section
// keeps every run.
func (a *app) setRetention(cfg config.RetentionConfig) {
	p := engine.RetentionPolicy{Interval: cfg.Interval}
	if cfg.Enabled {
		p.CompletedTTL = cfg.CompletedTTL
		p.SuspendedTTL = cfg.SuspendedTTL
	}
	a.retention.Store(&p)
}

func (a *app) retentionPolicy() engine.RetentionPolicy {
	return *a.retention.Load()
}

// close stops the engine, then flushes telemetry and closes databases.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if a.auth != nil {
		a.auth.Close()
	}
	errs = append(errs, a.metrics.Shutdown(ctx), a.tracer.Shutdown(ctx), a.pool.Close())
	return errors.Join(errs...)
}
