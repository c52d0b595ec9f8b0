package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestClientConnectLoadsTools(t *testing.T) {
	client, _, _ := connectFake(t, "fs", echoTools, nil)

	if client.State() != StateReady {
		t.Fatalf("state = %s, want ready", client.State())
	}
	if got := client.ServerInfo().Name; got != "fake" {
		t.Errorf("server name = %q", got)
	}
	tools := client.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}
	if client.Version() != 1 {
		t.Errorf("version = %d, want 1", client.Version())
	}
}

func TestClientHandshakeOrder(t *testing.T) {
	transport := newFakeTransport()
	server := startFakeServer(t, transport, echoTools, nil)
	client := NewClient(ServerConfig{Name: "fs", Command: "fake", Enabled: true}, testLogger(),
		WithTransportFactory(func(ServerConfig, *slog.Logger) Transport { return transport }))
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	want := []string{MethodInitialize, NotificationInitialized, MethodListTools}
	for i, method := range want {
		select {
		case env := <-server.requests:
			if env.Method != method {
				t.Fatalf("message %d method = %q, want %q", i, env.Method, method)
			}
			if method == NotificationInitialized && env.hasID() {
				t.Error("initialized must be a notification")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing message %d (%s)", i, method)
		}
	}
}

func TestClientConnectFailureClosesTransport(t *testing.T) {
	transport := newFakeTransport()
	server := startFakeServer(t, transport, echoTools, nil)
	server.failInit.Store(true)

	client := NewClient(ServerConfig{Name: "fs", Command: "fake", Enabled: true}, testLogger(),
		WithTransportFactory(func(ServerConfig, *slog.Logger) Transport { return transport }))
	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if transport.Alive() {
		t.Error("transport should be closed after a failed handshake")
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %s", client.State())
	}
	if err := client.Connect(context.Background()); err == nil {
		t.Error("a discarded client must not reconnect")
	}
}

func TestClientStartFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.startErr = errors.New("no such binary")
	client := NewClient(ServerConfig{Name: "fs", Command: "fake"}, testLogger(),
		WithTransportFactory(func(ServerConfig, *slog.Logger) Transport { return transport }))
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if client.Alive() {
		t.Error("client should not be alive")
	}
	if client.ctx.Err() == nil {
		t.Error("client context should be released after a failed start")
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", client.State())
	}
}

func TestClientCallTool(t *testing.T) {
	client, _, _ := connectFake(t, "fs", echoTools, func(name string, args json.RawMessage) (any, *RPCError) {
		var in struct{ Text string }
		_ = json.Unmarshal(args, &in)
		return CallToolResult{Content: []Content{{Type: "text", Text: name + ":" + in.Text}}}, nil
	})

	result, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echo:hi" {
		t.Errorf("content = %+v", result.Content)
	}
	if len(result.Raw) == 0 {
		t.Error("raw result not kept")
	}
}

func TestClientCallToolProtocolError(t *testing.T) {
	client, _, _ := connectFake(t, "fs", echoTools, func(string, json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "bad args"}
	})

	result, err := client.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("protocol errors must not be transport errors: %v", err)
	}
	if result.RPCError == nil || result.RPCError.Code != ErrCodeInvalidParams {
		t.Fatalf("rpc error = %+v", result.RPCError)
	}
	if !result.IsError {
		t.Error("expected IsError")
	}
}

func TestClientCallToolTimeout(t *testing.T) {
	client, _, server := connectFake(t, "fs", echoTools, nil, WithCallTimeout(50*time.Millisecond))
	server.mute.Store(true)

	_, err := client.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	client.pendingMu.Lock()
	pending := len(client.pending)
	client.pendingMu.Unlock()
	if pending != 0 {
		t.Errorf("timed out request left %d pending slots", pending)
	}
}

func TestClientCallToolDeadProcess(t *testing.T) {
	client, transport, _ := connectFake(t, "fs", echoTools, nil)

	transport.alive.Store(false)
	before := transport.sends.Load()

	_, err := client.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("err = %v, want ErrProcessExited", err)
	}
	if transport.sends.Load() != before {
		t.Error("dead connection must not be written to")
	}
}

func TestClientUnmatchedResponseIsDropped(t *testing.T) {
	client, transport, _ := connectFake(t, "fs", echoTools, nil)

	transport.push(t, `{"jsonrpc":"2.0","id":9999,"result":{"content":[]}}`)
	transport.push(t, `{"jsonrpc":"2.0","id":"not-a-number","result":{}}`)
	transport.push(t, `this is not json`)
	transport.push(t, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/tools/updated",
		"params":  map[string]any{"tools": json.RawMessage(`[{"name":"later","inputSchema":{"type":"object"}}]`)},
	})

	waitFor(t, "catalog update after stray frames", func() bool { return client.Version() == 2 })
	if tools := client.Tools(); len(tools) != 1 || tools[0].Name != "later" {
		t.Fatalf("tools = %+v", tools)
	}

	// The loop is still serving requests.
	if _, err := client.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("call after stray frames: %v", err)
	}
}

func TestClientListChangedReloads(t *testing.T) {
	client, transport, server := connectFake(t, "fs", echoTools, nil)

	server.setTools(`[{"name":"a","inputSchema":{"type":"object"}},{"name":"b","inputSchema":null}]`)
	transport.push(t, map[string]any{"jsonrpc": "2.0", "method": NotificationToolListChanged})

	waitFor(t, "re-list after list_changed", func() bool { return client.Version() == 2 })
	tools := client.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}
	if string(tools[1].InputSchema) != string(DefaultInputSchema) {
		t.Errorf("null schema should become the default, got %s", tools[1].InputSchema)
	}
}

func TestClientPushedResultReplacesTools(t *testing.T) {
	client, transport, _ := connectFake(t, "fs", echoTools, nil)

	transport.push(t, `{"jsonrpc":"2.0","result":{"tools":[{"name":"x","inputSchema":{"type":"object"}}]}}`)
	waitFor(t, "pushed catalog", func() bool { return client.Version() == 2 })
}

func TestClientAnswersServerRequests(t *testing.T) {
	_, transport, server := connectFake(t, "fs", echoTools, nil)
	// Drain the handshake.
	for i := 0; i < 3; i++ {
		<-server.requests
	}

	transport.push(t, `{"jsonrpc":"2.0","id":"srv-1","method":"roots/list"}`)
	select {
	case env := <-server.requests:
		if env.Error == nil || env.Error.Code != ErrCodeMethodNotFound {
			t.Fatalf("reply = %+v", env)
		}
		if string(env.ID) != `"srv-1"` {
			t.Errorf("reply id = %s", env.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply to server request")
	}
}

func TestClientStreamClosureMarksDead(t *testing.T) {
	client, transport, _ := connectFake(t, "fs", echoTools, nil)
	_ = transport.Close()

	waitFor(t, "client to notice closure", func() bool { return !client.Alive() })
	if _, err := client.CallTool(context.Background(), "echo", nil); !errors.Is(err, ErrProcessExited) {
		t.Errorf("err = %v, want ErrProcessExited", err)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	client, _, _ := connectFake(t, "fs", echoTools, nil)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %s", client.State())
	}
}
