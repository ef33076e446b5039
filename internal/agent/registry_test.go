package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToolStore struct {
	mu      sync.Mutex
	upserts []ToolMetadata
	calls   map[string]int
}

func newFakeToolStore() *fakeToolStore {
	return &fakeToolStore{calls: make(map[string]int)}
}

func (f *fakeToolStore) Upsert(ctx context.Context, meta ToolMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, meta)
	return nil
}

func (f *fakeToolStore) List(ctx context.Context) ([]ToolMetadata, error) { return nil, nil }

func (f *fakeToolStore) RecordCall(ctx context.Context, name string, latency time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return nil
}

func TestRegistryRegisterNativeAndInvoke(t *testing.T) {
	store := newFakeToolStore()
	r := NewRegistry(store, nil)

	err := r.RegisterNative(context.Background(), ToolMetadata{Name: "echo"}, func(ctx context.Context, params map[string]any) (any, error) {
		return params["text"], nil
	})
	require.NoError(t, err)

	result, err := r.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)

	meta, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, int64(1), meta.CallCount)
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestRegistryDeactivateBlocksInvoke(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterNative(context.Background(), ToolMetadata{Name: "noop"}, func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}))
	require.NoError(t, r.Deactivate(context.Background(), "noop"))

	_, err := r.Invoke(context.Background(), "noop", nil)
	require.Error(t, err)
}

func TestRegistryScriptToolInvoke(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.RegisterScript(context.Background(), ToolMetadata{Name: "double"}, `function(params) { return params.n * 2; }`)
	require.NoError(t, err)

	result, err := r.Invoke(context.Background(), "double", map[string]any{"n": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)
}

func TestRegistryRecordsCallStatsToStore(t *testing.T) {
	store := newFakeToolStore()
	r := NewRegistry(store, nil)
	require.NoError(t, r.RegisterNative(context.Background(), ToolMetadata{Name: "noop"}, func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}))

	_, err := r.Invoke(context.Background(), "noop", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls["noop"] == 1
	}, time.Second, 10*time.Millisecond)
}
