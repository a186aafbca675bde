package mcpplugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentforge/engine/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster(4, false)
	sub := b.Subscribe(context.Background())
	defer sub.Close()

	b.Publish(Event{Plugin: "fs", Type: EventReady})

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventReady, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster(0, true)
	sub := b.Subscribe(context.Background())
	defer sub.Close()

	// No receiver draining; with buf=0 and drop=true this must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Plugin: "fs", Type: EventReady})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked despite drop=true")
	}
}

type fakeCaller struct {
	schemas []ToolSchema
	calls   int
	fail    bool
}

func (f *fakeCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	return f.schemas, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	f.calls++
	if f.fail {
		return nil, assertErr
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeCaller) Close() error { return nil }

var assertErr = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "plugin call failed" }

func TestManagerStartRegistersNamespacedTools(t *testing.T) {
	registered := map[tools.Ident]tools.Spec{}
	m := NewManager(ManagerOptions{
		Register: func(spec tools.Spec, handler func(context.Context, tools.Call) tools.Result) error {
			registered[spec.Name] = spec
			return nil
		},
		Unregister: func(name tools.Ident) { delete(registered, name) },
	})
	m.dialers.stdio = func(ctx context.Context, opts StdioOptions) (Caller, error) {
		return &fakeCaller{schemas: []ToolSchema{{Name: "read_file", Description: "reads a file"}}}, nil
	}

	err := m.Start(context.Background(), Config{Name: "fs", Transport: TransportStdio, Command: "fs-plugin"})
	require.NoError(t, err)

	spec, ok := registered["mcp/fs/read_file"]
	require.True(t, ok)
	assert.Equal(t, tools.CategoryMcpTools, spec.Category)

	state, ok := m.State("fs")
	require.True(t, ok)
	assert.Equal(t, StateReady, state)
}

func TestManagerReloadSwapsToolsAtomically(t *testing.T) {
	registered := map[tools.Ident]bool{}
	m := NewManager(ManagerOptions{
		Register: func(spec tools.Spec, handler func(context.Context, tools.Call) tools.Result) error {
			registered[spec.Name] = true
			return nil
		},
		Unregister: func(name tools.Ident) { delete(registered, name) },
		GracePeriod: time.Millisecond,
	})
	m.dialers.stdio = func(ctx context.Context, opts StdioOptions) (Caller, error) {
		return &fakeCaller{schemas: []ToolSchema{{Name: "v1"}}}, nil
	}
	cfg := Config{Name: "fs", Transport: TransportStdio, Command: "fs-plugin"}
	require.NoError(t, m.Start(context.Background(), cfg))
	require.True(t, registered["mcp/fs/v1"])

	m.dialers.stdio = func(ctx context.Context, opts StdioOptions) (Caller, error) {
		return &fakeCaller{schemas: []ToolSchema{{Name: "v2"}}}, nil
	}
	require.NoError(t, m.Reload(context.Background(), cfg))

	assert.False(t, registered["mcp/fs/v1"])
	assert.True(t, registered["mcp/fs/v2"])
}

func TestPluginUnavailableOnCallFailure(t *testing.T) {
	registered := map[tools.Ident]func(context.Context, tools.Call) tools.Result{}
	m := NewManager(ManagerOptions{
		Register: func(spec tools.Spec, handler func(context.Context, tools.Call) tools.Result) error {
			registered[spec.Name] = handler
			return nil
		},
		Unregister:     func(name tools.Ident) {},
		RestartBackoff: []time.Duration{time.Millisecond},
	})
	m.dialers.stdio = func(ctx context.Context, opts StdioOptions) (Caller, error) {
		return &fakeCaller{schemas: []ToolSchema{{Name: "flaky"}}, fail: true}, nil
	}
	require.NoError(t, m.Start(context.Background(), Config{Name: "fs", Transport: TransportStdio}))

	handler := registered["mcp/fs/flaky"]
	require.NotNil(t, handler)
	res := handler(context.Background(), tools.Call{ID: "1", Name: "mcp/fs/flaky"})
	assert.Equal(t, tools.ErrorKindPluginUnavailable, res.ErrorKind)
}
