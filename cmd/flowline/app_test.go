package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/config"
	"github.com/kadirpekel/flowline/pkg/run"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "runs.db")
	return writeConfig(t, `
storage:
  backend: sql
  database: main
databases:
  main:
    driver: sqlite
    database: `+db+`
retention:
  enabled: true
  completed_ttl: 1h
`)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, loader, err := loadConfig(testContext(t), &CLI{ConfigProvider: "file"})
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, config.StorageMemory, cfg.Storage.Backend)
	assert.Nil(t, cfg.StorageDatabase())
}

func TestLoadConfig_UnknownProvider(t *testing.T) {
	_, _, err := loadConfig(testContext(t), &CLI{Config: "flowline", ConfigProvider: "vault"})
	assert.Error(t, err)
}

func TestApp_RunsSurviveRestart(t *testing.T) {
	ctx := testContext(t)
	path := sqliteConfig(t)
	cli := &CLI{Config: path, ConfigProvider: "file"}

	cfg, loader, err := loadConfig(ctx, cli)
	require.NoError(t, err)
	defer loader.Close()

	first, err := newApp(ctx, cfg)
	require.NoError(t, err)
	assert.Len(t, first.engine.Workflows(), 4)

	snap, err := first.engine.Execute(ctx, "approval-workflow", map[string]any{"request": "laptop"})
	require.NoError(t, err)
	require.Equal(t, run.StatusSuspended, snap.Status)
	require.NoError(t, first.close(ctx))

	second, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer second.close(ctx)

	stored, err := second.engine.Get(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuspended, stored.Status)

	h, err := second.engine.Resume(ctx, snap.RunID, "request-approval", map[string]any{"approved": true, "approverName": "Ada"})
	require.NoError(t, err)
	done, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, done.Status)
}

func TestApp_Retention(t *testing.T) {
	ctx := testContext(t)
	cfg, loader, err := loadConfig(ctx, &CLI{Config: sqliteConfig(t), ConfigProvider: "file"})
	require.NoError(t, err)
	defer loader.Close()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close(ctx)

	p := a.retentionPolicy()
	assert.Equal(t, time.Hour, p.CompletedTTL)
	assert.Zero(t, p.SuspendedTTL)
	assert.Equal(t, config.DefaultSweepInterval, p.Interval)

	a.setRetention(config.RetentionConfig{Enabled: false, Interval: time.Minute, CompletedTTL: time.Hour})
	p = a.retentionPolicy()
	assert.Zero(t, p.CompletedTTL)
	assert.Equal(t, time.Minute, p.Interval)
}

func TestApp_RemoteAgentsJoinReportNetwork(t *testing.T) {
	ctx := testContext(t)
	cfg := config.Default()
	cfg.RemoteAgents = map[string]*config.RemoteAgentConfig{
		"researcher": {CardURL: "http://127.0.0.1:1/.well-known/agent-card.json", Description: "Finds sources"},
	}

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close(ctx)

	n, ok := a.engine.Network("report-network")
	require.True(t, ok)
	var names []string
	for _, d := range n.Describe() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "researcher")
}

func TestValidateCmd(t *testing.T) {
	ctx := testContext(t)

	var stdout, stderr bytes.Buffer
	cmd := &ValidateCmd{Config: sqliteConfig(t), Format: "compact"}
	require.NoError(t, cmd.validate(ctx, &stdout, &stderr))
	assert.Contains(t, stdout.String(), ": valid")

	stdout.Reset()
	cmd.PrintConfig = true
	require.NoError(t, cmd.validate(ctx, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "backend: sql")

	stdout.Reset()
	bad := &ValidateCmd{Config: writeConfig(t, "network:\n  router: telepathy\n"), Format: "json"}
	require.Error(t, bad.validate(ctx, &stdout, &stderr))
	assert.Contains(t, stdout.String(), `"valid": false`)
	assert.Contains(t, stdout.String(), "telepathy")
}

func TestParseObject(t *testing.T) {
	got, err := parseObject(`{"orderId":"ORD-1","amount":5}`)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got["orderId"])

	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"approved":true}`), 0o644))
	got, err = parseObject("@" + path)
	require.NoError(t, err)
	assert.Equal(t, true, got["approved"])

	got, err = parseObject("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseObject(`[1,2]`)
	assert.Error(t, err)
}

func TestRecordPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &recordPrinter{w: &buf}
	records := []run.Record{
		{Seq: 1, Kind: run.KindRun, Workflow: "weather", Status: "running"},
		{Seq: 2, Kind: run.KindEvent, Event: &run.Event{Type: run.EventTypeProgress,
			Data: run.Progress{Status: run.ProgressDone, Message: "Validated", Stage: "validation"}.Data()}},
		{Seq: 3, Kind: run.KindChunk, Text: "Sunny "},
		{Seq: 4, Kind: run.KindChunk, Text: "and warm"},
		{Seq: 5, Kind: run.KindRun, Workflow: "weather", Status: "success", Output: map[string]any{"score": 8}},
	}
	for _, rec := range records {
		require.NoError(t, p.print(rec))
	}

	out := buf.String()
	assert.Contains(t, out, "run weather running")
	assert.Contains(t, out, "validation [done] Validated")
	assert.Contains(t, out, "Sunny and warm\n")
	assert.Contains(t, out, `output: {"score":8}`)
	assert.Equal(t, 1, strings.Count(out, "Sunny"))
}

func TestFinish(t *testing.T) {
	assert.Error(t, finish(nil))
	assert.NoError(t, finish([]run.Record{{Kind: run.KindRun, Status: "suspended"}}))
	assert.Error(t, finish([]run.Record{{Kind: run.KindRun, Status: "failed", Error: "boom"}}))
}
