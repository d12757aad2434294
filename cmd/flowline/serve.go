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
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/flowline/pkg/config"
	"github.com/kadirpekel/flowline/pkg/server"
)

// ServeCmd starts the servers.
type ServeCmd struct {
	Port  int  `help:"Override the HTTP port."`
	Watch bool `help:"Reload the config when it changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var a *app
	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(func(next *config.Config) {
		reloadLogLevel(&next.Logger)
		a.setRetention(next.Retention)
		slog.Info("Applied reloaded settings", "log_level", next.Logger.Level, "retention", next.Retention.Enabled)
	}))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	cleanup, err := initLoggerFromConfig(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	a, err = newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()

	srv := a.server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if addr := cfg.Server.GRPCAddress(); addr != "" {
		g.Go(func() error {
			return server.NewGRPCHealth(addr).Serve(gctx)
		})
	}
	if c.Watch && loader != nil {
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watch: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.engine.RunSweeper(gctx, a.retentionPolicy)
		return nil
	})

	printReady(cfg)
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutting down...")
	return nil
}

func printReady(cfg *config.Config) {
	addr := cfg.Server.Address()
	fmt.Printf("\nflowline server ready\n")
	fmt.Printf("   API:        http://%s/workflows\n", addr)
	fmt.Printf("   MCP:        http://%s/mcp\n", addr)
	fmt.Printf("   Health:     http://%s/health\n", addr)
	if grpcAddr := cfg.Server.GRPCAddress(); grpcAddr != "" {
		fmt.Printf("   gRPC:       %s\n", grpcAddr)
	}
	if db := cfg.StorageDatabase(); db != nil {
		fmt.Printf("   Storage:    %s (%s)\n", db.Driver, db.Database)
	} else {
		fmt.Printf("   Storage:    in-memory (not persisted)\n")
	}
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:    http://%s/metrics\n", addr)
	}
	if cfg.Auth.Enabled {
		fmt.Printf("   Auth:       enabled\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
