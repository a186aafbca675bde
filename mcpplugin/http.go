package mcpplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPOptions configures an HTTP-transport plugin session.
type HTTPOptions struct {
	Endpoint        string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// httpCaller implements Caller over JSON-RPC HTTP, one request per call.
type httpCaller struct {
	endpoint string
	client   *http.Client
	id       uint64
}

// newHTTPCaller dials opts.Endpoint and performs the MCP initialize
// handshake before returning.
func newHTTPCaller(ctx context.Context, opts HTTPOptions) (*httpCaller, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		return nil, fmt.Errorf("mcpplugin: endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &httpCaller{endpoint: endpoint, client: client}

	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "agentforge-engine"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
	if err := c.call(initCtx, "initialize", payload, nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return c, nil
}

func (c *httpCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *httpCaller) CallTool(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": tool, "arguments": payload}
	var result json.RawMessage
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Close is a no-op: the HTTP transport holds no persistent connection
// beyond the pooled *http.Client.
func (c *httpCaller) Close() error { return nil }

func (c *httpCaller) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *httpCaller) call(ctx context.Context, method string, params any, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}
