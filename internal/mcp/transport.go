package mcp

import (
	"context"
	"log/slog"
)

// Transport moves whole JSON-RPC messages between the client and a server.
// Correlation, ids and timeouts live in Client; a transport only frames bytes.
type Transport interface {
	// Start establishes the underlying process or socket.
	Start(ctx context.Context) error
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until the next message arrives. It returns an error once
	// the stream is closed.
	Receive() ([]byte, error)
	// Alive reports whether the process or socket is still usable.
	Alive() bool
	// Close tears the transport down. It is safe to call more than once.
	Close() error
}

// NewTransport creates the transport implied by cfg.
func NewTransport(cfg ServerConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport() {
	case TransportWebSocket:
		return NewWebSocketTransport(cfg, logger.With("transport", "websocket"))
	default:
		return NewStdioTransport(cfg, logger.With("transport", "stdio"))
	}
}
