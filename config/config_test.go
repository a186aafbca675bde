package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentforge/engine/mcpplugin"
	"github.com/agentforge/engine/permission"
	"github.com/agentforge/engine/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPermissionConfig(t *testing.T) {
	path := writeFile(t, `
rules:
  - category: bash
    pattern: ".*"
    decision: deny
  - category: read
    pattern: "**"
    decision: allow
`)

	cfg, err := LoadPermissionConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)

	rules := cfg.ToPermissionRules()
	assert.Equal(t, []permission.Rule{
		{Category: tools.CategoryBash, Pattern: ".*", Decision: permission.DecisionDeny},
		{Category: tools.CategoryRead, Pattern: "**", Decision: permission.DecisionAllow},
	}, rules)
}

func TestLoadMCPPluginManifest(t *testing.T) {
	path := writeFile(t, `
autoConnect: true
defaultTimeoutMs: 15000
plugins:
  fs:
    command: "mcp-fs"
    args: ["--root", "/tmp"]
    transport: stdio
  search:
    transport: http
    url: "http://localhost:9000/mcp"
    timeoutMs: 5000
`)

	manifest, err := LoadMCPPluginManifest(path)
	require.NoError(t, err)
	assert.True(t, manifest.AutoConnect)

	configs := manifest.Configs()
	byName := make(map[string]mcpplugin.Config, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}

	fs := byName["fs"]
	assert.Equal(t, mcpplugin.TransportStdio, fs.Transport)
	assert.Equal(t, "mcp-fs", fs.Command)
	assert.Equal(t, 15000, fs.TimeoutMS, "unset timeout falls back to the manifest default")

	search := byName["search"]
	assert.Equal(t, mcpplugin.TransportHTTP, search.Transport)
	assert.Equal(t, 5000, search.TimeoutMS)
}

func TestLoadAgentSpec(t *testing.T) {
	path := writeFile(t, `
name: researcher
description: "explores the codebase read-only"
version: "1"
systemPrompt: "You investigate and report back."
model:
  deployment: "gpt-5"
capabilities:
  - read_file
  - grep
depthLimit: 2
`)

	spec, err := LoadAgentSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "researcher", spec.Name)
	assert.Equal(t, []tools.Ident{"read_file", "grep"}, spec.Capabilities)
	assert.Equal(t, 2, spec.DepthLimit)
}

func TestWebhookConfigDefaults(t *testing.T) {
	w := WebhookConfig{URL: "https://example.com/hook"}
	opts := w.ToSenderOptions()
	assert.Equal(t, "https://example.com/hook", opts.URL)
	assert.Zero(t, opts.Retries, "zero-valued retries let NewHTTPSender apply its own default")
}
