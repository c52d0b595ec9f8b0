package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds every request/response round trip.
const DefaultCallTimeout = 30 * time.Second

// State is the lifecycle phase of a client connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// TransportFactory builds the transport for a server config.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) Transport

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransportFactory overrides how transports are created.
func WithTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) {
		if f != nil {
			c.newTransport = f
		}
	}
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClientInfo sets the name and version announced during the handshake.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = clientInfo{Name: name, Version: version}
	}
}

// Client is a connection to a single MCP server.
type Client struct {
	config       ServerConfig
	logger       *slog.Logger
	newTransport TransportFactory
	callTimeout  time.Duration
	info         clientInfo

	transport Transport
	state     atomic.Int32
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
	version    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	readDone  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates a client for cfg. Call Connect to bring it up.
func NewClient(cfg ServerConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:       cfg,
		logger:       logger.With("mcp_server", cfg.Name),
		newTransport: NewTransport,
		callTimeout:  DefaultCallTimeout,
		info:         clientInfo{Name: "forge", Version: "dev"},
		pending:      make(map[int64]chan *Response),
		ctx:          ctx,
		cancel:       cancel,
		readDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.config.Name }

// Config returns the server config.
func (c *Client) Config() ServerConfig { return c.config }

// State returns the current lifecycle phase.
func (c *Client) State() State { return State(c.state.Load()) }

// Connect starts the transport, spawns the read loop and performs the
// initialize handshake followed by an initial tools/list. On any failure the
// connection is torn down.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("mcp server %s: client is closed", c.config.Name)
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("mcp server %s: connect called in state %s", c.config.Name, c.State())
	}

	transport := c.newTransport(c.config, c.logger)
	if err := transport.Start(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.cancel()
		return fmt.Errorf("connect %s: %w", c.config.Name, err)
	}
	c.transport = transport

	c.wg.Add(1)
	go c.readLoop()

	c.state.Store(int32(StateInitializing))
	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize %s: %w", c.config.Name, err)
	}
	c.state.Store(int32(StateReady))

	c.logger.Info("mcp server ready",
		"server_name", c.ServerInfo().Name,
		"server_version", c.ServerInfo().Version,
		"tools", len(c.Tools()))
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	resp, err := c.request(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ClientInfo: c.info,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	if err := c.notify(ctx, NotificationInitialized, nil); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return c.reloadTools(ctx)
}

// reloadTools issues tools/list and replaces the cached catalog.
func (c *Client) reloadTools(ctx context.Context) error {
	resp, err := c.request(ctx, MethodListTools, nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("list tools: %w", resp.Error)
	}
	raw, ok := extractTools(resp.Result)
	if !ok {
		return fmt.Errorf("list tools: result has no tools array")
	}
	return c.replaceTools(raw)
}

func (c *Client) replaceTools(raw json.RawMessage) error {
	tools, problems, err := parseTools(raw)
	if err != nil {
		return err
	}
	for _, p := range problems {
		c.logger.Warn("malformed mcp tool entry", "detail", p)
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	v := c.version.Add(1)
	c.logger.Debug("mcp tool catalog loaded", "tools", len(tools), "version", v)
	return nil
}

// Tools returns a copy of the cached catalog.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Version is incremented every time the catalog is (re)loaded.
func (c *Client) Version() uint64 { return c.version.Load() }

// ServerInfo returns what the server reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Alive reports whether the transport is up and the read loop is running.
func (c *Client) Alive() bool {
	if c.transport == nil || !c.transport.Alive() {
		return false
	}
	select {
	case <-c.readDone:
		return false
	default:
		return true
	}
}

// CallTool invokes a tool. A JSON-RPC error reply is returned in the
// result's RPCError; transport problems, timeouts and a dead server are
// returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallToolResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	resp, err := c.request(ctx, MethodCallTool, callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &CallToolResult{IsError: true, RPCError: resp.Error}, nil
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	result.Raw = resp.Result
	return &result, nil
}

// Close tears the connection down. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.cancel()
		if c.transport != nil {
			if err := c.transport.Close(); err != nil {
				c.logger.Debug("mcp transport close", "error", err)
			}
		}
		c.wg.Wait()
	})
	return nil
}

func (c *Client) request(ctx context.Context, method string, params any) (*Response, error) {
	if !c.Alive() {
		return nil, ErrProcessExited
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	payload, err := json.Marshal(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%s after %s: %w", method, c.callTimeout, ErrTimeout)
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, payload)
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// deliver hands resp to its waiter. It reports false when no request is
// waiting on the id.
func (c *Client) deliver(resp *Response) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// failPending releases every waiter once the read loop has stopped.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pending = nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.readDone)
	defer c.failPending()

	for {
		raw, err := c.transport.Receive()
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Warn("mcp read loop stopped", "error", err)
			} else {
				c.logger.Debug("mcp stream closed")
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("skipping unparseable mcp message", "error", err, "bytes", len(raw))
		return
	}

	switch {
	case env.Method == "" && env.hasID():
		c.handleResponse(env)
	case env.Method != "" && env.hasID():
		c.handleServerRequest(env)
	case env.Method != "":
		c.handleNotification(env)
	default:
		// Some servers push a bare result carrying a refreshed catalog.
		if tools, ok := extractTools(env.Result); ok {
			if err := c.replaceTools(tools); err != nil {
				c.logger.Warn("invalid pushed tool list", "error", err)
			}
			return
		}
		c.logger.Debug("ignoring mcp message without id or method")
	}
}

func (c *Client) handleResponse(env envelope) {
	id, ok := parseID(env.ID)
	if !ok {
		c.logger.Warn("mcp response has non-numeric id", "id", string(env.ID))
		return
	}
	resp := &Response{ID: id, Result: env.Result, Error: env.Error}
	if !c.deliver(resp) {
		c.logger.Debug("dropping mcp response with no pending request", "id", id)
	}
}

func (c *Client) handleNotification(env envelope) {
	if tools, ok := extractTools(env.Params); ok {
		if err := c.replaceTools(tools); err != nil {
			c.logger.Warn("invalid tool list in notification", "method", env.Method, "error", err)
		}
		return
	}
	if env.Method != NotificationToolListChanged {
		c.logger.Debug("ignoring mcp notification", "method", env.Method)
		return
	}
	// The read loop cannot wait on its own response, so the re-list runs
	// on its own goroutine.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.reloadTools(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("failed to refresh mcp tools", "error", err)
		}
	}()
}

type responseMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (c *Client) handleServerRequest(env envelope) {
	reply := responseMessage{JSONRPC: "2.0", ID: env.ID}
	if env.Method == "ping" {
		reply.Result = struct{}{}
	} else {
		reply.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: "method not supported by client: " + env.Method}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.transport.Send(c.ctx, payload); err != nil {
		c.logger.Debug("failed to answer server request", "method", env.Method, "error", err)
	}
}

func extractTools(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var holder struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(raw, &holder); err != nil {
		return nil, false
	}
	if len(holder.Tools) == 0 || string(holder.Tools) == "null" {
		return nil, false
	}
	return holder.Tools, true
}
