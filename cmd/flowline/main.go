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

// Command flowline serves and drives the flowline workflow engine.
//
// Usage:
//
//	flowline serve --config flowline.yaml
//	flowline run order-fulfillment-workflow --input '{"orderId":"ORD-1","amount":99}'
//	flowline resume approval-workflow <run-id> --data '{"approved":true}'
//	flowline mcp
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/flowline"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Start the HTTP, MCP and gRPC health servers."`
	MCP       MCPCmd       `cmd:"" name:"mcp" help:"Serve the engine as MCP tools over stdio."`
	Run       RunCmd       `cmd:"" help:"Start a workflow on a server and follow its records."`
	Resume    ResumeCmd    `cmd:"" help:"Resume a suspended run on a server."`
	Network   NetworkCmd   `cmd:"" help:"Send a message to an agent network on a server."`
	Watch     WatchCmd     `cmd:"" help:"Follow the records of a stored run."`
	Runs      RunsCmd      `cmd:"" help:"Inspect stored runs."`
	Workflows WorkflowsCmd `cmd:"" help:"List workflows registered on a server."`
	Networks  NetworksCmd  `cmd:"" help:"List networks registered on a server."`
	Validate  ValidateCmd  `cmd:"" help:"Validate a configuration file."`
	Schema    SchemaCmd    `cmd:"" help:"Generate the JSON Schema of the configuration file."`

	Config          string   `short:"c" help:"Path to config file, or the key for remote providers."`
	ConfigProvider  string   `name:"config-provider" help:"Config source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of the remote config provider." sep:","`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`

	Server string `short:"s" help:"Server URL for client commands." default:"http://localhost:8080" env:"FLOWLINE_SERVER"`
	Token  string `help:"Bearer token for client commands." env:"FLOWLINE_TOKEN"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(flowline.GetVersion())
	return nil
}

func version() string {
	return flowline.GetVersion().Version
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("flowline"),
		kong.Description("Flowline - durable workflows with suspend and resume"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
