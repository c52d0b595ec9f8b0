package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport driven by a scripted server.
type fakeTransport struct {
	incoming chan []byte
	outgoing chan []byte
	closed   chan struct{}

	alive     atomic.Bool
	sends     atomic.Int64
	startErr  error
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		outgoing: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.alive.Store(true)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) error {
	if !f.alive.Load() {
		return ErrProcessExited
	}
	f.sends.Add(1)
	select {
	case f.outgoing <- append([]byte(nil), msg...):
		return nil
	case <-f.closed:
		return ErrConnectionClosed
	}
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Alive() bool { return f.alive.Load() }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.alive.Store(false)
		close(f.closed)
	})
	return nil
}

// push delivers a raw frame to the client.
func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	var raw []byte
	switch msg := v.(type) {
	case string:
		raw = []byte(msg)
	default:
		var err error
		raw, err = json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
	}
	select {
	case f.incoming <- raw:
	case <-time.After(time.Second):
		t.Fatal("push blocked")
	}
}

// callHandler answers tools/call requests. Returning a non-nil RPCError sends
// an error reply.
type callHandler func(name string, args json.RawMessage) (any, *RPCError)

// fakeServer answers requests arriving on a fakeTransport.
type fakeServer struct {
	transport *fakeTransport
	tools     atomic.Value // json.RawMessage
	onCall    callHandler
	mute      atomic.Bool
	failInit  atomic.Bool
	requests  chan envelope
	done      chan struct{}
}

func startFakeServer(t *testing.T, transport *fakeTransport, tools string, onCall callHandler) *fakeServer {
	t.Helper()
	s := &fakeServer{
		transport: transport,
		onCall:    onCall,
		requests:  make(chan envelope, 64),
		done:      make(chan struct{}),
	}
	s.tools.Store(json.RawMessage(tools))
	go s.run()
	t.Cleanup(func() {
		_ = transport.Close()
		<-s.done
	})
	return s
}

func (s *fakeServer) setTools(tools string) { s.tools.Store(json.RawMessage(tools)) }

func (s *fakeServer) run() {
	defer close(s.done)
	for {
		var raw []byte
		select {
		case raw = <-s.transport.outgoing:
		case <-s.transport.closed:
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		select {
		case s.requests <- env:
		default:
		}
		if !env.hasID() || s.mute.Load() {
			continue
		}

		reply := map[string]any{"jsonrpc": "2.0", "id": env.ID}
		switch env.Method {
		case MethodInitialize:
			if s.failInit.Load() {
				reply["error"] = RPCError{Code: ErrCodeInternal, Message: "init refused"}
				break
			}
			reply["result"] = map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]string{"name": "fake", "version": "0.1"},
				"capabilities":    map[string]any{},
			}
		case MethodListTools:
			reply["result"] = map[string]any{"tools": s.tools.Load().(json.RawMessage)}
		case MethodCallTool:
			var params callToolParams
			_ = json.Unmarshal(env.Params, &params)
			result, rpcErr := map[string]any{"content": []Content{{Type: "text", Text: "ok"}}}, (*RPCError)(nil)
			if s.onCall != nil {
				var r any
				r, rpcErr = s.onCall(params.Name, params.Arguments)
				if r != nil {
					result = map[string]any{}
					encoded, _ := json.Marshal(r)
					_ = json.Unmarshal(encoded, &result)
				}
			}
			if rpcErr != nil {
				reply["error"] = rpcErr
			} else {
				reply["result"] = result
			}
		default:
			reply["error"] = RPCError{Code: ErrCodeMethodNotFound, Message: "unknown method"}
		}
		encoded, _ := json.Marshal(reply)
		select {
		case s.transport.incoming <- encoded:
		case <-s.transport.closed:
			return
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connectFake returns a ready client backed by a scripted server.
func connectFake(t *testing.T, name, tools string, onCall callHandler, opts ...ClientOption) (*Client, *fakeTransport, *fakeServer) {
	t.Helper()
	transport := newFakeTransport()
	server := startFakeServer(t, transport, tools, onCall)
	opts = append([]ClientOption{
		WithTransportFactory(func(ServerConfig, *slog.Logger) Transport { return transport }),
	}, opts...)
	client := NewClient(ServerConfig{Name: name, Command: "fake", Enabled: true}, testLogger(), opts...)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, transport, server
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const echoTools = `[{"name":"echo","description":"Echo text","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}}]`
