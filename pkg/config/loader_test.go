package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/config/provider"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowline.yaml")
	writeFile(t, path, `
server:
  port: 9090
  grpc_port: 9091
storage:
  backend: sql
  database: main
databases:
  main:
    driver: sqlite
    database: ./runs.db
engine:
  step_timeout: 30s
  max_retries: "2"
retention:
  enabled: true
  completed_ttl: 24h
auth:
  enabled: true
  secret: s3cret
  resume_roles: approver,admin
logger:
  level: debug
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9091", cfg.Server.GRPCAddress())
	assert.Equal(t, 30*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, DefaultRecordBuffer, cfg.Engine.RecordBuffer)
	assert.Equal(t, 24*time.Hour, cfg.Retention.CompletedTTL)
	assert.Equal(t, DefaultSweepInterval, cfg.Retention.Interval)
	assert.Equal(t, []string{"approver", "admin"}, cfg.Auth.ResumeRoles)
	assert.Equal(t, "debug", cfg.Logger.Level)

	db := cfg.StorageDatabase()
	require.NotNil(t, db)
	assert.Equal(t, "sqlite3", db.DriverName())
	assert.Equal(t, "./runs.db", db.DSN())
}

func TestParse_JSONAndEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`{"server": {"port": 7000}}`))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, RouterRules, cfg.Network.Router)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid yaml", "server: [unclosed", "failed to parse"},
		{"unknown key", "sever:\n  port: 1", "failed to decode"},
		{"bad duration", "engine:\n  step_timeout: soon", "failed to decode"},
		{"undefined database", "storage:\n  backend: sql\n  database: main", "not defined"},
		{"bad router", "network:\n  router: magic", "invalid router"},
		{"openai without key", "network:\n  router: openai", "api_key is required"},
		{"auth without keys", "auth:\n  enabled: true", "jwks_url or secret"},
		{"remote agent without url", "remote_agents:\n  weather:\n    description: x", "card_url is required"},
		{"bad log level", "logger:\n  level: loud", "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("FLOWLINE_TEST_PORT", "8181")
	t.Setenv("FLOWLINE_TEST_KEY", "sk-test")

	cfg, err := Parse([]byte(`
server:
  port: ${FLOWLINE_TEST_PORT}
  host: ${FLOWLINE_TEST_HOST:-127.0.0.1}
network:
  openai:
    api_key: $FLOWLINE_TEST_KEY
`))
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "sk-test", cfg.Network.OpenAI.APIKey)
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("FLOWLINE_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${FLOWLINE_A}", "alpha"},
		{"$FLOWLINE_A-suffix", "alpha-suffix"},
		{"${FLOWLINE_MISSING:-fallback}", "fallback"},
		{"${FLOWLINE_A:-fallback}", "alpha"},
		{"${FLOWLINE_MISSING}", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvString(tt.in), tt.in)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env.local"), "FLOWLINE_ENV_ONE=local\n")
	writeFile(t, filepath.Join(dir, ".env"), "FLOWLINE_ENV_ONE=shared\nFLOWLINE_ENV_TWO=shared\n")
	t.Cleanup(func() {
		os.Unsetenv("FLOWLINE_ENV_ONE")
		os.Unsetenv("FLOWLINE_ENV_TWO")
	})

	require.NoError(t, LoadEnvFiles(dir, filepath.Join(dir, "missing")))
	assert.Equal(t, "local", os.Getenv("FLOWLINE_ENV_ONE"))
	assert.Equal(t, "shared", os.Getenv("FLOWLINE_ENV_TWO"))
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowline.yaml")
	writeFile(t, path, "logger:\n  level: info\n")

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	loader := NewLoader(p, WithOnChange(func(c *Config) { reloaded <- c }))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loader.Watch(ctx)

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// An invalid document is logged and skipped.
	writeFile(t, path, "logger:\n  level: loud\n")
	time.Sleep(300 * time.Millisecond)
	writeFile(t, path, "logger:\n  level: debug\n")

	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.Logger.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

type staticProvider struct {
	data    []byte
	err     error
	changes chan struct{}
}

func (p *staticProvider) Type() provider.Type { return provider.TypeFile }

func (p *staticProvider) Load(context.Context) ([]byte, error) { return p.data, p.err }

func (p *staticProvider) Watch(context.Context) (<-chan struct{}, error) { return p.changes, nil }

func (p *staticProvider) Close() error { return nil }

func TestLoader_ReloadAppliesOnlyChangedDocuments(t *testing.T) {
	p := &staticProvider{data: []byte("logger:\n  level: info\n")}
	var applied []string
	loader := NewLoader(p, WithOnChange(func(c *Config) { applied = append(applied, c.Logger.Level) }))
	ctx := context.Background()

	cfg, err := loader.Load(ctx)
	require.NoError(t, err)
	assert.Same(t, cfg, loader.Current())

	loader.reload(ctx, slog.Default())
	assert.Empty(t, applied)

	p.data = []byte("logger:\n  level: loud\n")
	loader.reload(ctx, slog.Default())
	assert.Empty(t, applied)
	assert.Equal(t, "info", loader.Current().Logger.Level)

	p.err = errors.New("source offline")
	loader.reload(ctx, slog.Default())
	assert.Equal(t, "info", loader.Current().Logger.Level)

	p.err = nil
	p.data = []byte("logger:\n  level: warn\n")
	loader.reload(ctx, slog.Default())
	assert.Equal(t, []string{"warn"}, applied)
	assert.Equal(t, "warn", loader.Current().Logger.Level)
}

func TestLoader_WatchWithoutChangesBlocksUntilDone(t *testing.T) {
	loader := NewLoader(&staticProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, loader.Watch(ctx), context.Canceled)
}

func TestParse_TabIndentedJSON(t *testing.T) {
	cfg, err := Parse([]byte("{\n\t\"server\": {\"port\": 7100}\n}"))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
}
