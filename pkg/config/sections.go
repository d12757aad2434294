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
	"fmt"
	"net"
	"strconv"
	"time"
)

// Default values.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultRecordBuffer    = 16
	DefaultMaxIterations   = 10
	DefaultSweepInterval   = 10 * time.Minute
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultGeminiModel     = "gemini-2.0-flash"
)

// ServerConfig configures the listeners.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=HTTP Port,minimum=1,maximum=65535,default=8080"`

	// GRPCPort serves gRPC health and reflection. Zero disables it.
	GRPCPort int `yaml:"grpc_port,omitempty" json:"grpc_port,omitempty" jsonschema:"title=gRPC Port,minimum=0,maximum=65535"`

	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout applies to non-streaming responses. Streams are unbounded.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	CORS CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty"`
}

// CORSConfig configures cross-origin access for browser clients.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("grpc_port must be between 0 and 65535, got %d", c.GRPCPort)
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		return fmt.Errorf("grpc_port must differ from port")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}

// Address returns host:port for the HTTP listener.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GRPCAddress returns host:grpc_port, or "" when gRPC is disabled.
func (c *ServerConfig) GRPCAddress() string {
	if c.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.GRPCPort))
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
)

// StorageConfig selects where runs are persisted.
type StorageConfig struct {
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,enum=memory,enum=sql,default=memory"`

	// Database names an entry under databases. Required for the sql backend.
	Database string `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database Reference"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageMemory
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case StorageMemory:
		return nil
	case StorageSQL:
		if c.Database == "" {
			return fmt.Errorf("database is required for the sql backend")
		}
		return nil
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, sql)", c.Backend)
	}
}

// EngineConfig tunes step execution.
type EngineConfig struct {
	// StepTimeout bounds steps without their own timeout. Zero means none.
	StepTimeout time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`

	MaxRetries   int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"minimum=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`

	// RecordBuffer is how many records are batched per persistence write.
	RecordBuffer int `yaml:"record_buffer,omitempty" json:"record_buffer,omitempty" jsonschema:"minimum=1,default=16"`
}

func (c *EngineConfig) SetDefaults() {
	if c.RecordBuffer == 0 {
		c.RecordBuffer = DefaultRecordBuffer
	}
}

func (c *EngineConfig) Validate() error {
	if c.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be non-negative")
	}
	if c.RecordBuffer < 1 {
		return fmt.Errorf("record_buffer must be at least 1")
	}
	return nil
}

// RetentionConfig configures the run sweeper.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// CompletedTTL applies to success, failed and rejected runs. Zero keeps them.
	CompletedTTL time.Duration `yaml:"completed_ttl,omitempty" json:"completed_ttl,omitempty"`

	// SuspendedTTL applies to suspended runs. Zero keeps them.
	SuspendedTTL time.Duration `yaml:"suspended_ttl,omitempty" json:"suspended_ttl,omitempty"`
}

func (c *RetentionConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultSweepInterval
	}
}

func (c *RetentionConfig) Validate() error {
	if c.Interval < 0 || c.CompletedTTL < 0 || c.SuspendedTTL < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	if c.Enabled && c.CompletedTTL == 0 && c.SuspendedTTL == 0 {
		return fmt.Errorf("completed_ttl or suspended_ttl is required when enabled")
	}
	return nil
}

// Routers.
const (
	RouterRules  = "rules"
	RouterOpenAI = "openai"
	RouterGemini = "gemini"
)

// NetworkConfig configures delegation networks.
type NetworkConfig struct {
	Router        string `yaml:"router,omitempty" json:"router,omitempty" jsonschema:"title=Router,enum=rules,enum=openai,enum=gemini,default=rules"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"minimum=1,default=10"`

	OpenAI OpenAIConfig `yaml:"openai,omitempty" json:"openai,omitempty"`
	Gemini GeminiConfig `yaml:"gemini,omitempty" json:"gemini,omitempty"`
}

// OpenAIConfig configures OpenAI agents and routing. Agents use the model
// whenever api_key is set.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty" json:"model,omitempty"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

func (c *NetworkConfig) SetDefaults() {
	if c.Router == "" {
		c.Router = RouterRules
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultOpenAIModel
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultGeminiModel
	}
}

func (c *NetworkConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	switch c.Router {
	case RouterRules:
	case RouterOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key is required for the openai router")
		}
	case RouterGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("gemini.api_key is required for the gemini router")
		}
	default:
		return fmt.Errorf("invalid router %q (valid: rules, openai, gemini)", c.Router)
	}
	return nil
}

// RemoteAgentConfig points at an A2A agent.
type RemoteAgentConfig struct {
	// CardURL serves the agent card, or is a path to a card file.
	CardURL     string `yaml:"card_url" json:"card_url"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// AuthConfig configures JWT authentication for the HTTP API.
type AuthConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// JWKSURL serves the signing keys. Either this or Secret is required.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`

	// Secret verifies HS256 tokens.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	Issuer   string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// ResumeRoles restricts resume to callers holding one of the roles.
	// Empty allows any authenticated caller.
	ResumeRoles []string `yaml:"resume_roles,omitempty" json:"resume_roles,omitempty"`

	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	// ExcludedPaths skip authentication.
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty"`
}

func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{"/health", "/metrics"}
	}
}

func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("jwks_url or secret is required when auth is enabled")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must be non-negative")
	}
	return nil
}

// IsExcluded reports whether path skips authentication.
func (c *AuthConfig) IsExcluded(path string) bool {
	for _, p := range c.ExcludedPaths {
		if p == path {
			return true
		}
	}
	return false
}

// LoggerConfig configures logging output.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`

	// File receives logs instead of stderr when set.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// Format is "simple" (level and message) or "verbose" (with time).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
}

// DemoConfig tunes the built-in catalog.
type DemoConfig struct {
	// Delay simulates work between progress events.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// RateLimitConfig caps how many runs one caller may start or resume per
// window. Callers are identified by token subject, or by client address
// when authentication is off.
type RateLimitConfig struct {
	Enabled bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Limits  []RateLimitRule `yaml:"limits,omitempty" json:"limits,omitempty" jsonschema:"title=Limits"`
}

type RateLimitRule struct {
	Window string `yaml:"window" json:"window" jsonschema:"enum=second,enum=minute,enum=hour,enum=day"`
	Limit  int64  `yaml:"limit" json:"limit" jsonschema:"minimum=1"`
}

func (c *RateLimitConfig) Validate() error {
	if c.Enabled && len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit is required when enabled")
	}
	seen := make(map[string]bool, len(c.Limits))
	for i, l := range c.Limits {
		switch l.Window {
		case "second", "minute", "hour", "day":
		default:
			return fmt.Errorf("limits[%d]: invalid window %q (valid: second, minute, hour, day)", i, l.Window)
		}
		if l.Limit < 1 {
			return fmt.Errorf("limits[%d]: limit must be at least 1", i)
		}
		if seen[l.Window] {
			return fmt.Errorf("limits[%d]: duplicate window %q", i, l.Window)
		}
		seen[l.Window] = true
	}
	return nil
}
