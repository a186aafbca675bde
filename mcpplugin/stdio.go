package mcpplugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultProtocolVersion is the MCP protocol version advertised during the
// initialize handshake when StdioOptions.ProtocolVersion is unset.
const DefaultProtocolVersion = "2024-11-05"

// StdioOptions configures a stdio-transport plugin subprocess.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// stdioCaller implements Caller over the MCP stdio transport: JSON-RPC
// framed with "Content-Length: N\r\n\r\n" headers, one long-lived
// subprocess per plugin version.
type stdioCaller struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[uint64]chan callResult
	pendingMu  sync.Mutex
	writeMu    sync.Mutex
	nextID     uint64
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	closeErrMu sync.Mutex
}

type callResult struct {
	resp rpcResponse
	err  error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) callerError() error {
	return fmt.Errorf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// newStdioCaller launches the plugin subprocess, performs the MCP
// initialize handshake, and returns a Caller that keeps the stdio session
// alive across tool invocations.
func newStdioCaller(ctx context.Context, opts StdioOptions) (*stdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("mcpplugin: command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	caller := &stdioCaller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go caller.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}
	if err := caller.initialize(ctx, opts); err != nil {
		_ = caller.Close()
		return nil, err
	}
	return caller, nil
}

// Close terminates the subprocess: it closes stdin, kills the process with
// Process.Kill (SIGKILL, no SIGTERM first), then waits for exit.
func (c *stdioCaller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

// ListTools performs the initial list_tools discovery handshake.
func (c *stdioCaller) ListTools(ctx context.Context) ([]ToolSchema, error) {
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tools/call over the stdio transport.
func (c *stdioCaller) CallTool(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": tool, "arguments": json.RawMessage(payload)}
	var result json.RawMessage
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *stdioCaller) initialize(ctx context.Context, opts StdioOptions) error {
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
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	return c.call(initCtx, "initialize", payload, nil)
}

func (c *stdioCaller) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && res.resp.Result != nil {
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *stdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *stdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

func (c *stdioCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *stdioCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *stdioCaller) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *stdioCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *stdioCaller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("mcpplugin: stdio caller closed")
	}
	return c.closeErr
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("mcpplugin: content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
