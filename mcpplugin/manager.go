package mcpplugin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentforge/engine/telemetry"
	"github.com/agentforge/engine/tools"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateStarting   State = "Starting"
	StateReady      State = "Ready"
	StateReloading  State = "Reloading"
	StateStopped    State = "Stopped"
	StateFailed     State = "Failed"
)

// ErrPluginUnavailable is returned (as a tools.ErrorKindPluginUnavailable
// ToolResult, never bubbled as a Go error past Dispatch) when a plugin call
// times out or the plugin is not Ready.
var ErrPluginUnavailable = fmt.Errorf("mcpplugin: plugin unavailable")

// Transport selects how the manager dials a plugin.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config is one plugin's persisted configuration (spec.md §4.5's plugin
// config mapping): plugin-name -> {command, args, env, transport, url,
// timeout, excluded}.
type Config struct {
	Name       string
	Transport  Transport
	Command    string
	Args       []string
	Env        []string
	URL        string
	TimeoutMS  int
	Excluded   bool
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// plugin is one running (or failed/stopped) plugin session.
type plugin struct {
	mu       sync.RWMutex
	cfg      Config
	state    State
	caller   Caller
	tools    []ToolSchema
	failures int
}

func (p *plugin) snapshot() (State, []ToolSchema) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.tools
}

func (p *plugin) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// RegisterFunc adapts discovered plugin tools into the engine's Tool
// Registry under the "mcp/<plugin>/" namespace prefix.
type RegisterFunc func(spec tools.Spec, handler func(ctx context.Context, call tools.Call) tools.Result) error

// UnregisterFunc removes a previously registered tool by its namespaced
// Ident.
type UnregisterFunc func(name tools.Ident)

// ManagerOptions configures the Manager.
type ManagerOptions struct {
	Register       RegisterFunc
	Unregister     UnregisterFunc
	Broadcaster    Broadcaster
	Logger         telemetry.Logger
	GracePeriod    time.Duration
	RestartBackoff []time.Duration
}

// Manager owns one or more plugin sessions, discovers their tools,
// registers them into the Tool Registry, and hot-reloads a plugin when its
// Config changes. It mirrors the Tool Registry's atomic-snapshot discipline:
// readers of a plugin's state never block a concurrent reload.
type Manager struct {
	opts    ManagerOptions
	mu      sync.RWMutex
	plugins map[string]*plugin
	dialers dialers
}

type dialers struct {
	stdio func(ctx context.Context, opts StdioOptions) (Caller, error)
	http  func(ctx context.Context, opts HTTPOptions) (Caller, error)
}

// NewManager constructs a Manager. Register/Unregister are required; a nil
// Broadcaster or Logger falls back to a no-op.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if len(opts.RestartBackoff) == 0 {
		opts.RestartBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	}
	return &Manager{
		opts:    opts,
		plugins: make(map[string]*plugin),
		dialers: dialers{
			stdio: func(ctx context.Context, o StdioOptions) (Caller, error) { return newStdioCaller(ctx, o) },
			http:  func(ctx context.Context, o HTTPOptions) (Caller, error) { return newHTTPCaller(ctx, o) },
		},
	}
}

// Start launches a new plugin, runs tool discovery, and registers its
// tools into the Tool Registry under "mcp/<name>/".
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if cfg.Excluded {
		return nil
	}
	p := &plugin{cfg: cfg, state: StateStarting}
	m.mu.Lock()
	m.plugins[cfg.Name] = p
	m.mu.Unlock()
	m.publish(cfg.Name, EventStarting)

	caller, schemas, err := m.dial(ctx, cfg)
	if err != nil {
		p.setState(StateFailed)
		m.publish(cfg.Name, EventFailed)
		return err
	}
	p.mu.Lock()
	p.caller = caller
	p.tools = schemas
	p.state = StateReady
	p.mu.Unlock()

	if err := m.registerAll(cfg.Name, p); err != nil {
		return err
	}
	m.publish(cfg.Name, EventReady)
	return nil
}

func (m *Manager) dial(ctx context.Context, cfg Config) (Caller, []ToolSchema, error) {
	var caller Caller
	var err error
	switch cfg.Transport {
	case TransportHTTP:
		caller, err = m.dialers.http(ctx, HTTPOptions{Endpoint: cfg.URL, InitTimeout: cfg.timeout()})
	default:
		caller, err = m.dialers.stdio(ctx, StdioOptions{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, InitTimeout: cfg.timeout()})
	}
	if err != nil {
		return nil, nil, err
	}
	schemas, err := caller.ListTools(ctx)
	if err != nil {
		_ = caller.Close()
		return nil, nil, err
	}
	return caller, schemas, nil
}

func (m *Manager) registerAll(name string, p *plugin) error {
	for _, schema := range p.tools {
		ident := tools.Ident(fmt.Sprintf("mcp/%s/%s", name, schema.Name))
		spec := tools.Spec{
			Name:        ident,
			Description: schema.Description,
			InputSchema: schema.InputSchema,
			Category:    tools.CategoryMcpTools,
		}
		handler := m.callHandler(name, schema.Name)
		if err := m.opts.Register(spec, handler); err != nil {
			return fmt.Errorf("mcpplugin: registering %s: %w", ident, err)
		}
	}
	return nil
}

func (m *Manager) callHandler(pluginName, toolName string) func(ctx context.Context, call tools.Call) tools.Result {
	return func(ctx context.Context, call tools.Call) tools.Result {
		m.mu.RLock()
		p := m.plugins[pluginName]
		m.mu.RUnlock()
		if p == nil {
			return unavailableResult(call.ID)
		}
		state, _ := p.snapshot()
		if state != StateReady {
			return unavailableResult(call.ID)
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
		defer cancel()
		p.mu.RLock()
		caller := p.caller
		p.mu.RUnlock()
		content, err := caller.CallTool(callCtx, toolName, call.Arguments)
		if err != nil {
			go m.onFailure(pluginName)
			return unavailableResult(call.ID)
		}
		return tools.Result{CallID: call.ID, Content: content}
	}
}

func unavailableResult(callID string) tools.Result {
	return tools.Result{
		CallID:      callID,
		ErrorKind:   tools.ErrorKindPluginUnavailable,
		ErrorMessage: ErrPluginUnavailable.Error(),
	}
}

// onFailure marks a plugin Failed after an unresponsive call and schedules
// a restart using the backend-retry backoff schedule.
func (m *Manager) onFailure(name string) {
	m.mu.RLock()
	p := m.plugins[name]
	m.mu.RUnlock()
	if p == nil {
		return
	}
	p.setState(StateFailed)
	m.publish(name, EventFailed)
	m.publish(name, EventRestarting)

	delays := m.opts.RestartBackoff
	idx := int(atomic.AddInt64(&restartAttempts, 1)-1) % len(delays)
	time.Sleep(delays[idx])

	ctx := context.Background()
	if err := m.Start(ctx, p.cfg); err != nil {
		m.opts.Logger.Warn(ctx, "mcpplugin: restart failed", "plugin", name, "error", err)
	}
}

var restartAttempts int64

// Reload re-dials a plugin with a new Config, runs discovery in parallel
// with the existing session, atomically swaps the registry entries for the
// new tool set, and terminates the old caller after GracePeriod.
func (m *Manager) Reload(ctx context.Context, cfg Config) error {
	m.mu.RLock()
	old := m.plugins[cfg.Name]
	m.mu.RUnlock()
	if old == nil {
		return m.Start(ctx, cfg)
	}
	old.setState(StateReloading)
	m.publish(cfg.Name, EventReloading)

	caller, schemas, err := m.dial(ctx, cfg)
	if err != nil {
		old.setState(StateFailed)
		m.publish(cfg.Name, EventFailed)
		return err
	}

	oldTools, oldCaller := old.snapshotTools()
	next := &plugin{cfg: cfg, state: StateReady, caller: caller, tools: schemas}
	m.mu.Lock()
	m.plugins[cfg.Name] = next
	m.mu.Unlock()

	for _, s := range oldTools {
		m.opts.Unregister(tools.Ident(fmt.Sprintf("mcp/%s/%s", cfg.Name, s.Name)))
	}
	if err := m.registerAll(cfg.Name, next); err != nil {
		return err
	}
	m.publish(cfg.Name, EventReady)

	go func() {
		time.Sleep(m.opts.GracePeriod)
		_ = oldCaller.Close()
	}()
	return nil
}

func (p *plugin) snapshotTools() ([]ToolSchema, Caller) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tools, p.caller
}

// Stop terminates a plugin's caller and unregisters its tools.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	delete(m.plugins, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	p.setState(StateStopped)
	schemas, caller := p.snapshotTools()
	for _, s := range schemas {
		m.opts.Unregister(tools2Ident(name, s.Name))
	}
	m.publish(name, EventStopped)
	if caller != nil {
		return caller.Close()
	}
	return nil
}

func tools2Ident(pluginName, toolName string) tools.Ident {
	return tools.Ident(fmt.Sprintf("mcp/%s/%s", pluginName, toolName))
}

// State returns a plugin's current lifecycle state.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	p, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	state, _ := p.snapshot()
	return state, true
}

func (m *Manager) publish(name string, t EventType) {
	if m.opts.Broadcaster == nil {
		return
	}
	m.opts.Broadcaster.Publish(Event{Plugin: name, Type: t})
}

// WatchDigest polls digestFn on interval and calls Reload when the digest
// for a plugin name changes, per spec.md §4.5's "polled on a timer" hot
// reload trigger. It runs until ctx is cancelled.
func (m *Manager) WatchDigest(ctx context.Context, interval time.Duration, configs func() []Config, digestFn func(Config) string) {
	last := make(map[string]string)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cfg := range configs() {
				d := digestFn(cfg)
				if last[cfg.Name] == d {
					continue
				}
				last[cfg.Name] = d
				if err := m.Reload(ctx, cfg); err != nil {
					m.opts.Logger.Warn(ctx, "mcpplugin: reload failed", "plugin", cfg.Name, "error", err)
				}
			}
		}
	}
}
