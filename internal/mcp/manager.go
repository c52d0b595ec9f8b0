package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/forge/internal/observability"
)

// maxParallelConnects bounds ConnectAll.
const maxParallelConnects = 4

// ServerTool is a tool tagged with the server that hosts it.
type ServerTool struct {
	Server string
	Tool   *Tool
}

// ServerStatus describes one configured server.
type ServerStatus struct {
	Name      string        `json:"name"`
	Transport TransportType `json:"transport"`
	Enabled   bool          `json:"enabled"`
	Connected bool          `json:"connected"`
	State     string        `json:"state"`
	Server    ServerInfo    `json:"server"`
	Tools     int           `json:"tools"`
	Version   uint64        `json:"version"`
}

// PersistFunc saves the server list after it has been edited.
type PersistFunc func(ctx context.Context, servers []ServerConfig) error

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics records connection and call metrics.
func WithMetrics(m *observability.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer spans tool calls.
func WithTracer(t *observability.Tracer) ManagerOption {
	return func(mgr *Manager) { mgr.tracer = t }
}

// WithClientOptions applies opts to every client the manager creates.
func WithClientOptions(opts ...ClientOption) ManagerOption {
	return func(mgr *Manager) { mgr.clientOpts = append(mgr.clientOpts, opts...) }
}

// WithPersist sets the callback used by AddServer, RemoveServer and
// SetEnabled.
func WithPersist(fn PersistFunc) ManagerOption {
	return func(mgr *Manager) { mgr.persist = fn }
}

// Manager owns the set of live server connections.
type Manager struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	clientOpts []ClientOption
	persist    PersistFunc

	mu      sync.RWMutex
	configs map[string]ServerConfig
	clients map[string]*Client
}

// NewManager creates a manager for servers. Nothing is connected until
// Connect or ConnectAll is called.
func NewManager(servers []ServerConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger.With("component", "mcp"),
		configs: make(map[string]ServerConfig, len(servers)),
		clients: make(map[string]*Client),
	}
	for _, cfg := range servers {
		m.configs[cfg.Name] = cfg
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect brings up the named server. A connection that fails at any stage
// leaves the server absent from the active set.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	existing := m.clients[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("mcp server %q is not configured", name)
	}
	if !cfg.Enabled {
		return fmt.Errorf("mcp server %q is disabled", name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if existing != nil {
		if existing.Alive() {
			return nil
		}
		// A dead connection is replaced rather than repaired.
		_ = m.Disconnect(name)
	}

	client := NewClient(cfg, m.logger, m.clientOpts...)
	err := client.Connect(ctx)
	m.metrics.RecordMCPConnect(name, err)
	if err != nil {
		m.logger.Error("failed to connect to mcp server", "server", name, "error", err)
		return err
	}

	m.mu.Lock()
	if other, raced := m.clients[name]; raced && other.Alive() {
		m.mu.Unlock()
		_ = client.Close()
		return nil
	}
	m.clients[name] = client
	m.mu.Unlock()

	m.metrics.SetMCPTools(name, len(client.Tools()))
	m.logger.Info("connected to mcp server", "server", name, "tools", len(client.Tools()))
	return nil
}

// ConnectAll connects every enabled server concurrently. Individual failures
// are logged and joined into the returned error; they do not stop the others.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(maxParallelConnects)
	for _, cfg := range m.Configs() {
		if !cfg.Enabled {
			continue
		}
		name := cfg.Name
		g.Go(func() error {
			if err := m.Connect(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Disconnect closes the named connection. Disconnecting a server that is not
// connected is a no-op.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.metrics.ForgetMCPServer(name)
	m.logger.Info("disconnected from mcp server", "server", name)
	return client.Close()
}

// Reconnect is Disconnect followed by Connect.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	if err := m.Disconnect(name); err != nil {
		return err
	}
	return m.Connect(ctx, name)
}

// DisconnectAll closes every connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()
			if err := client.Close(); err != nil {
				m.logger.Warn("failed to close mcp client", "server", name, "error", err)
			}
			m.metrics.ForgetMCPServer(name)
		}(name, client)
	}
	wg.Wait()
}

// Client returns the live client for name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// AllTools concatenates every connection's cached catalog, ordered by server
// then tool name.
func (m *Manager) AllTools() []ServerTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ServerTool
	for name, client := range m.clients {
		for _, tool := range client.Tools() {
			out = append(out, ServerTool{Server: name, Tool: tool})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// Version is the wrapping sum of every live connection's catalog version.
// Different catalogs can produce the same sum; callers use it only as a cheap
// change hint.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum uint64
	for _, client := range m.clients {
		sum += client.Version()
	}
	return sum
}

// HaveToolsChanged reports whether Version differs from last and returns the
// current value.
func (m *Manager) HaveToolsChanged(last uint64) (uint64, bool) {
	v := m.Version()
	return v, v != last
}

// CallTool invokes tool on server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (*CallToolResult, error) {
	client, ok := m.Client(server)
	if !ok {
		m.metrics.RecordMCPCall(server, "error")
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, server)
	}

	ctx, span := m.tracer.TraceMCPCall(ctx, server, tool)
	defer span.End()

	result, err := client.CallTool(ctx, tool, arguments)
	switch {
	case err != nil:
		observability.RecordError(span, err)
		m.metrics.RecordMCPCall(server, "error")
	case result.IsError:
		m.metrics.RecordMCPCall(server, "tool_error")
	default:
		m.metrics.RecordMCPCall(server, "success")
	}
	if err == nil {
		m.metrics.SetMCPTools(server, len(client.Tools()))
	}
	return result, err
}

// Configs returns the configured servers sorted by name.
func (m *Manager) Configs() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Servers reports the status of every configured server.
func (m *Manager) Servers() []ServerStatus {
	configs := m.Configs()
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(configs))
	for _, cfg := range configs {
		status := ServerStatus{
			Name:      cfg.Name,
			Transport: cfg.Transport(),
			Enabled:   cfg.Enabled,
			State:     StateDisconnected.String(),
		}
		if client, ok := m.clients[cfg.Name]; ok {
			status.Connected = client.Alive()
			status.State = client.State().String()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Version = client.Version()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// AddServer adds a server definition and persists the list.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.configs[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mcp server %q already exists", cfg.Name)
	}
	m.configs[cfg.Name] = cfg
	m.mu.Unlock()
	return m.save(ctx)
}

// RemoveServer disconnects and forgets a server, then persists the list.
func (m *Manager) RemoveServer(ctx context.Context, name string) error {
	m.mu.RLock()
	_, exists := m.configs[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("mcp server %q is not configured", name)
	}
	if err := m.Disconnect(name); err != nil {
		m.logger.Warn("error closing removed mcp server", "server", name, "error", err)
	}
	m.mu.Lock()
	delete(m.configs, name)
	m.mu.Unlock()
	return m.save(ctx)
}

// SetEnabled toggles a server. Disabling also disconnects it.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	cfg, exists := m.configs[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("mcp server %q is not configured", name)
	}
	cfg.Enabled = enabled
	m.configs[name] = cfg
	m.mu.Unlock()

	if !enabled {
		_ = m.Disconnect(name)
	}
	return m.save(ctx)
}

func (m *Manager) save(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist(ctx, m.Configs()); err != nil {
		return fmt.Errorf("save mcp servers: %w", err)
	}
	return nil
}
