package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStep struct {
	ID   string
	Kind string
}

func TestBaseRegistry_Register(t *testing.T) {
	reg := NewBaseRegistry[testStep]("step")

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "valid item", key: "process-payment"},
		{name: "empty name", key: "", wantErr: ErrEmptyName},
		{name: "duplicate", key: "process-payment", wantErr: ErrDuplicate},
		{name: "second item", key: "prepare-shipping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.key, testStep{ID: tt.key})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.Equal(t, 2, reg.Count())
}

func TestBaseRegistry_PreservesOrder(t *testing.T) {
	reg := NewBaseRegistry[int]("workflow")
	for i, name := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(name, i))
	}

	assert.Equal(t, []string{"c", "a", "b"}, reg.Names())
	assert.Equal(t, []int{0, 1, 2}, reg.List())

	require.NoError(t, reg.Remove("a"))
	assert.Equal(t, []string{"c", "b"}, reg.Names())
	assert.Equal(t, []int{0, 2}, reg.List())
}

func TestBaseRegistry_MustGet(t *testing.T) {
	reg := NewBaseRegistry[string]("network")
	require.NoError(t, reg.Register("report-network", "ok"))

	v, err := reg.MustGet("report-network")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = reg.MustGet("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), `network "missing"`)
}

func TestBaseRegistry_RemoveMissing(t *testing.T) {
	reg := NewBaseRegistry[string]("")
	err := reg.Remove("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBaseRegistry_Clear(t *testing.T) {
	reg := NewBaseRegistry[string]("step")
	require.NoError(t, reg.Register("a", "1"))
	require.NoError(t, reg.Register("b", "2"))

	reg.Clear()

	assert.Equal(t, 0, reg.Count())
	assert.Empty(t, reg.Names())
	require.NoError(t, reg.Register("a", "again"))
}

func TestBaseRegistry_Concurrent(t *testing.T) {
	reg := NewBaseRegistry[int]("step")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(string(rune('a'+i%26))+string(rune('A'+i/26)), i)
			_ = reg.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, reg.Count())
	assert.Len(t, reg.Names(), 50)
}
