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

// Package config provides configuration types and loading for flowline.
//
// Configuration is read from a YAML (or JSON) document through a
// provider.Provider, environment variables are expanded, and every section
// receives defaults and validation before use.
package config

import (
	"fmt"
	"sort"

	"github.com/kadirpekel/flowline/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP and gRPC listeners"`

	Storage StorageConfig `yaml:"storage,omitempty" json:"storage,omitempty" jsonschema:"title=Storage,description=Run persistence backend"`

	// Databases are named connection settings referenced by storage.database.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty" jsonschema:"title=Databases"`

	Engine EngineConfig `yaml:"engine,omitempty" json:"engine,omitempty" jsonschema:"title=Engine"`

	Retention RetentionConfig `yaml:"retention,omitempty" json:"retention,omitempty" jsonschema:"title=Retention,description=Periodic deletion of old runs"`

	Network NetworkConfig `yaml:"network,omitempty" json:"network,omitempty" jsonschema:"title=Network,description=Delegation routing and model settings"`

	// RemoteAgents are A2A agents the report network may delegate to.
	RemoteAgents map[string]*RemoteAgentConfig `yaml:"remote_agents,omitempty" json:"remote_agents,omitempty" jsonschema:"title=Remote Agents"`

	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Authentication"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" jsonschema:"title=Rate Limit,description=Per-caller quotas on starting and resuming runs"`

	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`

	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger"`

	Demo DemoConfig `yaml:"demo,omitempty" json:"demo,omitempty" jsonschema:"title=Demo Catalog"`
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}
	c.Engine.SetDefaults()
	c.Retention.SetDefaults()
	c.Network.SetDefaults()
	c.Auth.SetDefaults()
	c.Observability.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks the configuration, reporting the first failing section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	for _, name := range sortedKeys(c.Databases) {
		db := c.Databases[name]
		if db == nil {
			return fmt.Errorf("databases.%s: empty definition", name)
		}
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Storage.Backend == StorageSQL {
		if _, ok := c.Databases[c.Storage.Database]; !ok {
			return fmt.Errorf("storage: database %q is not defined in databases", c.Storage.Database)
		}
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	for _, name := range sortedKeys(c.RemoteAgents) {
		ra := c.RemoteAgents[name]
		if ra == nil || ra.CardURL == "" {
			return fmt.Errorf("remote_agents.%s: card_url is required", name)
		}
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if c.Demo.Delay < 0 {
		return fmt.Errorf("demo: delay must be non-negative")
	}
	return nil
}

// Default returns a configuration with every default applied, as used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// StorageDatabase returns the database referenced by the storage section, or
// nil for the memory backend.
func (c *Config) StorageDatabase() *DatabaseConfig {
	if c.Storage.Backend != StorageSQL {
		return nil
	}
	return c.Databases[c.Storage.Database]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
