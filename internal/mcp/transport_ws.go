package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsCloseTimeout     = time.Second
)

// WebSocketTransport exchanges one JSON message per text frame.
type WebSocketTransport struct {
	config ServerConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	conn      *websocket.Conn
	writeMu   sync.Mutex
	alive     atomic.Bool
	closeOnce sync.Once
}

// NewWebSocketTransport creates a websocket transport for cfg.
func NewWebSocketTransport(cfg ServerConfig, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config: cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
	}
}

// Start dials the server.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for websocket transport")
	}
	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.config.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}
	t.conn = conn
	t.alive.Store(true)
	t.logger.Debug("mcp websocket connected", "url", t.config.URL)
	return nil
}

// Send writes msg as a single text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	if !t.Alive() {
		return ErrProcessExited
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.alive.Store(false)
		return fmt.Errorf("write to mcp server: %w", err)
	}
	return nil
}

// Receive returns the payload of the next text or binary frame.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.alive.Store(false)
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Alive reports whether the socket is still open.
func (t *WebSocketTransport) Alive() bool {
	return t.alive.Load()
}

// Close sends a close frame and closes the socket.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.conn == nil {
			return
		}
		t.alive.Store(false)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
