package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		err  bool
	}{
		{"", TypeFile, false},
		{"file", TypeFile, false},
		{"consul", TypeConsul, false},
		{"etcd", TypeEtcd, false},
		{"zk", TypeZookeeper, false},
		{"zookeeper", TypeZookeeper, false},
		{"s3", "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), ProviderConfig{Type: TypeFile})
	assert.Error(t, err)

	_, err = New(context.Background(), ProviderConfig{Type: "s3", Path: "x"})
	assert.Error(t, err)
}

func TestFileProvider_LoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	p, err := New(context.Background(), ProviderConfig{Path: path})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, TypeFile, p.Type())

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := p.Watch(ctx)
	require.NoError(t, err)

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	select {
	case <-changes:
		t.Fatal("unexpected change signal")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			// A trailing signal may still be buffered.
			_, ok = <-changes
		}
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestFileProvider_MissingFile(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	assert.Error(t, err)
}

// fakeConsul serves a single KV key with blocking-query semantics.
type fakeConsul struct {
	mu      sync.Mutex
	index   uint64
	value   []byte
	changed chan struct{}
}

func newFakeConsul(value string) *fakeConsul {
	return &fakeConsul{index: 1, value: []byte(value), changed: make(chan struct{})}
}

func (f *fakeConsul) put(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index++
	f.value = []byte(value)
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	wait, _ := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)

	f.mu.Lock()
	changed := f.changed
	current := f.index
	f.mu.Unlock()

	if wait > 0 && wait >= current {
		select {
		case <-changed:
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(f.index, 10))
	w.Header().Set("X-Consul-KnownLeader", "true")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode([]map[string]any{{
		"Key":         key,
		"Value":       f.value,
		"ModifyIndex": f.index,
	}})
}

func TestConsulProvider_LoadAndWatch(t *testing.T) {
	fake := newFakeConsul("server:\n  port: 9000\n")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New(context.Background(), ProviderConfig{
		Type:      TypeConsul,
		Path:      "flowline/config",
		Endpoints: []string{strings.TrimPrefix(srv.URL, "http://")},
	})
	require.NoError(t, err)
	defer p.Close()

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), "port: 9000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := p.Watch(ctx)
	require.NoError(t, err)

	fake.put("server:\n  port: 9001\n")
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}

	data, err = p.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), "port: 9001")
}
