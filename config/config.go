// Package config loads the engine's YAML-declared configuration: permission
// rule sets, MCP plugin manifests, and per-kind agent declaration files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentforge/engine/mcpplugin"
	"github.com/agentforge/engine/permission"
	"github.com/agentforge/engine/tools"
	"github.com/agentforge/engine/usage"
)

// PermissionConfig is the persisted form of an ordered permission rule set.
type PermissionConfig struct {
	Rules []PermissionRule `yaml:"rules"`
}

// PermissionRule is one (category, pattern, decision) entry. Pattern is a
// glob for file categories and a regex for Bash.
type PermissionRule struct {
	Category tools.Category      `yaml:"category"`
	Pattern  string               `yaml:"pattern"`
	Decision permission.Decision `yaml:"decision"`
}

// LoadPermissionConfig reads and parses a permission rule file.
func LoadPermissionConfig(path string) (*PermissionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read permission config: %w", err)
	}
	var cfg PermissionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse permission config: %w", err)
	}
	return &cfg, nil
}

// ToPermissionRules converts the declared rule set into permission.Rule
// values ready for permission.New.
func (c *PermissionConfig) ToPermissionRules() []permission.Rule {
	out := make([]permission.Rule, len(c.Rules))
	for i, r := range c.Rules {
		out[i] = permission.Rule{Category: r.Category, Pattern: r.Pattern, Decision: r.Decision}
	}
	return out
}

// MCPPluginManifest is the persisted plugin-name -> config mapping plus
// global defaults.
type MCPPluginManifest struct {
	AutoConnect       bool                      `yaml:"autoConnect"`
	DefaultTimeoutMS  int                       `yaml:"defaultTimeoutMs"`
	Plugins           map[string]MCPPluginEntry `yaml:"plugins"`
}

// MCPPluginEntry is one plugin's persisted configuration.
type MCPPluginEntry struct {
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	Transport string            `yaml:"transport"`
	URL       string            `yaml:"url"`
	TimeoutMS int               `yaml:"timeoutMs"`
	Excluded  bool              `yaml:"excluded"`
}

// LoadMCPPluginManifest reads and parses an MCP plugin manifest file.
func LoadMCPPluginManifest(path string) (*MCPPluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mcp plugin manifest: %w", err)
	}
	var m MCPPluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse mcp plugin manifest: %w", err)
	}
	return &m, nil
}

// Configs converts the manifest into mcpplugin.Config values, applying the
// manifest's default timeout where a plugin entry leaves TimeoutMS unset.
func (m *MCPPluginManifest) Configs() []mcpplugin.Config {
	out := make([]mcpplugin.Config, 0, len(m.Plugins))
	for name, entry := range m.Plugins {
		timeoutMS := entry.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = m.DefaultTimeoutMS
		}
		transport := mcpplugin.TransportStdio
		if entry.Transport == string(mcpplugin.TransportHTTP) {
			transport = mcpplugin.TransportHTTP
		}
		out = append(out, mcpplugin.Config{
			Name:      name,
			Transport: transport,
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			URL:       entry.URL,
			TimeoutMS: timeoutMS,
			Excluded:  entry.Excluded,
		})
	}
	return out
}

// AgentModel is the declared model binding for an agent declaration file.
type AgentModel struct {
	Deployment  string   `yaml:"deployment"`
	Temperature *float64 `yaml:"temperature"`
}

// AgentSpec is a per-sub-agent-kind declaration file: name, description,
// system prompt, model binding, and the tool-name allowlist a child of this
// kind may see.
type AgentSpec struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Version      string       `yaml:"version"`
	SystemPrompt string       `yaml:"systemPrompt"`
	Model        AgentModel   `yaml:"model"`
	Capabilities []tools.Ident `yaml:"capabilities"`
	DepthLimit   int          `yaml:"depthLimit"`
}

// LoadAgentSpec reads and parses a single agent declaration file.
func LoadAgentSpec(path string) (*AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read agent spec: %w", err)
	}
	var spec AgentSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("config: parse agent spec: %w", err)
	}
	return &spec, nil
}

// WebhookConfig is the persisted form of one outbound webhook endpoint.
type WebhookConfig struct {
	URL            string            `yaml:"url"`
	Secret         string            `yaml:"secret"`
	Headers        map[string]string `yaml:"headers"`
	RetryCount     int               `yaml:"retryCount"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

// ToSenderOptions converts the declared webhook endpoint into
// usage.HTTPSenderOptions, leaving Retries/Timeout zero-valued where unset
// so usage.NewHTTPSender applies its own defaults (3 retries, 30s).
func (w WebhookConfig) ToSenderOptions() usage.HTTPSenderOptions {
	var timeout time.Duration
	if w.TimeoutSeconds > 0 {
		timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	return usage.HTTPSenderOptions{
		URL:     w.URL,
		Secret:  w.Secret,
		Headers: w.Headers,
		Retries: w.RetryCount,
		Timeout: timeout,
	}
}
