// Package mcp implements the client side of the Model Context Protocol: one
// connection per configured server over subprocess pipes or a websocket,
// request/response correlation, catalog change notifications and a version
// counter the agent uses to decide when to rebuild its tool table.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ProtocolVersion is the protocol revision sent in the handshake.
const ProtocolVersion = "2024-11-05"

const (
	MethodInitialize            = "initialize"
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	NotificationInitialized     = "notifications/initialized"
	NotificationToolListChanged = "notifications/tools/list_changed"
)

// JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

var (
	// ErrNotConnected is returned when no connection exists for a server.
	ErrNotConnected = errors.New("mcp server is not connected")
	// ErrProcessExited is returned when the server process or socket is gone.
	ErrProcessExited = errors.New("mcp server has terminated")
	// ErrTimeout is returned when a request is not answered in time.
	ErrTimeout = errors.New("mcp request timed out")
	// ErrConnectionClosed is returned when a pending request is dropped because
	// the read loop ended.
	ErrConnectionClosed = errors.New("mcp connection closed")
)

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportWebSocket TransportType = "websocket"
)

// ServerConfig holds configuration for an MCP server. A URL selects the
// websocket transport; otherwise Command is spawned with piped stdio.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name" mapstructure:"name"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty" mapstructure:"env"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty" mapstructure:"workdir"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" mapstructure:"headers"`
	Enabled bool              `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// Transport returns the transport implied by the config.
func (c ServerConfig) Transport() TransportType {
	if strings.TrimSpace(c.URL) != "" {
		return TransportWebSocket
	}
	return TransportStdio
}

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.ContainsAny(c.Name, " \t\n") {
		return fmt.Errorf("server name %q must not contain whitespace", c.Name)
	}
	// Tool names are routed as mcp_<server>_<tool>, so the server part
	// cannot carry the separator.
	if strings.Contains(c.Name, "_") {
		return fmt.Errorf("server name %q must not contain underscores", c.Name)
	}
	switch c.Transport() {
	case TransportWebSocket:
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("server %s: invalid url: %w", c.Name, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("server %s: url must start with ws:// or wss://", c.Name)
		}
	default:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("server %s has no command or url configured", c.Name)
		}
		if c.WorkDir != "" && strings.Contains(filepath.Clean(c.WorkDir), "..") {
			return fmt.Errorf("server %s: workdir contains path traversal: %q", c.Name, c.WorkDir)
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("server %s: arg[%d] contains suspicious shell metacharacters: %q", c.Name, i, arg)
			}
		}
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a capability advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
	// Degraded marks an entry that failed full parsing and carries the default schema.
	Degraded bool `json:"-"`
}

// DefaultInputSchema is used for tools whose schema is missing or unusable.
var DefaultInputSchema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// Content is one element of a tool call result.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// CallToolResult is the outcome of tools/call. A protocol error reply is
// carried in RPCError rather than returned as a Go error.
type CallToolResult struct {
	Content  []Content       `json:"content"`
	IsError  bool            `json:"isError,omitempty"`
	RPCError *RPCError       `json:"-"`
	Raw      json.RawMessage `json:"-"`
}

// Request is an outgoing JSON-RPC request or notification. ID is nil for
// notifications.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a decoded JSON-RPC response.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// envelope is the superset of every inbound message shape.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (e envelope) hasID() bool {
	trimmed := strings.TrimSpace(string(e.ID))
	return trimmed != "" && trimmed != "null"
}

// parseID accepts integral numeric ids and strings holding an integer.
func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id, true
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return int64(f), true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

// ServerInfo is reported by the server during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// parseTools decodes a tool list. Entries that fail full parsing but carry a
// string name are kept with DefaultInputSchema; nameless entries are dropped.
// Only a non-array payload is an error.
func parseTools(raw json.RawMessage) ([]*Tool, []string, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("invalid tools array: %w", err)
	}

	tools := make([]*Tool, 0, len(entries))
	var problems []string
	for i, entry := range entries {
		tool, err := parseTool(entry)
		if err == nil {
			tools = append(tools, tool)
			continue
		}
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(entry, &fields)
		var name string
		if fields != nil && json.Unmarshal(fields["name"], &name) == nil && name != "" {
			degraded := &Tool{Name: name, InputSchema: DefaultInputSchema, Degraded: true}
			var desc string
			if json.Unmarshal(fields["description"], &desc) == nil {
				degraded.Description = desc
			}
			tools = append(tools, degraded)
			problems = append(problems, fmt.Sprintf("tool %d (%s): %v", i, name, err))
			continue
		}
		problems = append(problems, fmt.Sprintf("tool %d dropped: %v", i, err))
	}
	return tools, problems, nil
}

func parseTool(entry json.RawMessage) (*Tool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	var tool Tool
	if err := json.Unmarshal(fields["name"], &tool.Name); err != nil || tool.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if raw, ok := fields["description"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &tool.Description); err != nil {
			return nil, fmt.Errorf("description: %w", err)
		}
	}
	schema, ok := fields["inputSchema"]
	if !ok {
		return nil, fmt.Errorf("missing inputSchema")
	}
	switch strings.TrimSpace(string(schema)) {
	case "null":
		tool.InputSchema = DefaultInputSchema
	default:
		var obj map[string]any
		if err := json.Unmarshal(schema, &obj); err != nil {
			return nil, fmt.Errorf("inputSchema: %w", err)
		}
		tool.InputSchema = schema
	}
	return &tool, nil
}
