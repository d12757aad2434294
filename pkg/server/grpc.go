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

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the engine.
const ServiceName = "flowline.Engine"

const gracefulStopTimeout = 5 * time.Second

// GRPCHealth serves grpc.health.v1.Health and server reflection, so
// orchestrators can check the process over gRPC.
type GRPCHealth struct {
	addr   string
	server *grpc.Server
	health *health.Server
}

func NewGRPCHealth(addr string) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &GRPCHealth{addr: addr, server: srv, health: hs}
}

// Serve listens on the configured address until ctx is cancelled.
func (g *GRPCHealth) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.addr, err)
	}
	return g.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (g *GRPCHealth) ServeListener(ctx context.Context, ln net.Listener) error {
	g.SetServing(true)
	slog.Info("gRPC health server starting", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		g.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			g.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracefulStopTimeout):
			slog.Warn("gRPC graceful stop timeout, forcing shutdown")
			g.server.Stop()
		}
		slog.Info("gRPC health server stopped")
		return nil
	}
}

// SetServing flips the overall and engine service status.
func (g *GRPCHealth) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Stop stops the server immediately.
func (g *GRPCHealth) Stop() {
	g.server.Stop()
}
