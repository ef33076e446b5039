package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/dop251/goja"
)

// ToolFunc is a native Go tool callable.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Tool is one registered entry: either a native callable or a Goja
// script, sharing the Invoke contract.
type Tool struct {
	Meta ToolMetadata

	native ToolFunc
	script string
}

// Invoke runs the tool. Script tools get a fresh goja.Runtime per call
// rather than a pooled one, so no state leaks between invocations.
func (t *Tool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if t.native != nil {
		return t.native(ctx, params)
	}
	return runScript(ctx, t.script, params)
}

// Store persists tool metadata and rolling call statistics, backed by
// the tools table.
type Store interface {
	Upsert(ctx context.Context, meta ToolMetadata) error
	List(ctx context.Context) ([]ToolMetadata, error)
	RecordCall(ctx context.Context, name string, latency time.Duration) error
}

// Registry is the hot-registered name→tool map that backs the executor.
// Registration is expected to happen at startup and, for script tools,
// at any point afterwards without a restart.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	store Store
	log   *logger.Logger
}

func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		store: store,
		log:   log,
	}
}

// RegisterNative registers a native Go tool. It upserts the tool's
// metadata row so the registry's persisted catalogue stays complete
// even for tools that only ever run as compiled code.
func (r *Registry) RegisterNative(ctx context.Context, meta ToolMetadata, fn ToolFunc) error {
	if meta.Name == "" {
		return cognerr.Validation("tool name must not be empty")
	}
	meta.Kind = KindNative
	meta.Active = true
	t := &Tool{Meta: meta, native: fn}

	r.mu.Lock()
	r.tools[meta.Name] = t
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Upsert(ctx, meta); err != nil {
			return fmt.Errorf("upsert tool metadata: %w", err)
		}
	}
	return nil
}

// RegisterScript registers a tool whose body is a Goja-evaluated
// JavaScript expression, callable on the next invocation without a
// restart.
func (r *Registry) RegisterScript(ctx context.Context, meta ToolMetadata, source string) error {
	if meta.Name == "" {
		return cognerr.Validation("tool name must not be empty")
	}
	if source == "" {
		return cognerr.Validation("script source must not be empty")
	}
	meta.Kind = KindScript
	meta.ScriptSource = source
	meta.Active = true
	t := &Tool{Meta: meta, script: source}

	r.mu.Lock()
	r.tools[meta.Name] = t
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Upsert(ctx, meta); err != nil {
			return fmt.Errorf("upsert tool metadata: %w", err)
		}
	}
	return nil
}

// Deactivate marks a tool inactive without removing it from the
// in-process map, so Invoke can still report a clear error rather than
// "tool not found" for a tool that used to exist.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	r.mu.Lock()
	t, ok := r.tools[name]
	if ok {
		t.Meta.Active = false
	}
	r.mu.Unlock()
	if !ok {
		return cognerr.NotFound("tool %q not registered", name)
	}
	if r.store != nil {
		return r.store.Upsert(ctx, t.Meta)
	}
	return nil
}

// Get returns the tool's metadata snapshot.
func (r *Registry) Get(name string) (ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolMetadata{}, false
	}
	return t.Meta, true
}

// List returns a snapshot of all registered tools' metadata.
func (r *Registry) List() []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMetadata, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Meta)
	}
	return out
}

// Invoke looks up and runs a tool by name, recording call count and
// rolling average latency fire-and-forget so a slow persistence layer
// never adds latency to the caller's tool invocation.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, cognerr.NotFound("tool %q not registered", name)
	}
	if !t.Meta.Active {
		return nil, cognerr.Validation("tool %q is not active", name)
	}

	start := time.Now()
	result, err := t.Invoke(ctx, params)
	latency := time.Since(start)

	r.mu.Lock()
	t.Meta.CallCount++
	if t.Meta.CallCount == 1 {
		t.Meta.AvgLatencyMS = float64(latency.Milliseconds())
	} else {
		n := float64(t.Meta.CallCount)
		t.Meta.AvgLatencyMS = t.Meta.AvgLatencyMS + (float64(latency.Milliseconds())-t.Meta.AvgLatencyMS)/n
	}
	r.mu.Unlock()

	if r.store != nil {
		go func() {
			if recErr := r.store.RecordCall(context.Background(), name, latency); recErr != nil && r.log != nil {
				r.log.WithError(recErr).WithField("tool", name).Warn("record tool call stats failed")
			}
		}()
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// runScript evaluates a Goja script tool body. The body is wrapped in
// an IIFE so a script can be a bare expression, an arrow function, or a
// function declaration and still resolve to a single return value.
func runScript(ctx context.Context, source string, params map[string]any) (any, error) {
	rt := goja.New()
	rt.Set("params", cloneParams(params))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	wrapped := fmt.Sprintf(`(function() {
  const entry = (%s);
  if (typeof entry === "function") { return entry(params); }
  return entry;
})();`, source)

	val, err := rt.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("script tool execution failed: %w", err)
	}
	return val.Export(), nil
}

// cloneParams round-trips params through JSON so script tools cannot
// mutate or retain references into the host's maps.
func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
