package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

func helperServerConfig(t *testing.T) ServerConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	return ServerConfig{
		Name:    "helper",
		Command: exe,
		Env:     map[string]string{helperEnv: "1"},
		Enabled: true,
	}
}

func TestStdioClientAgainstServer(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	m := NewManager([]ServerConfig{helperServerConfig(t)}, testLogger())
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "helper"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	names := map[string]bool{}
	for _, st := range m.AllTools() {
		names[st.Tool.Name] = true
	}
	for _, want := range []string{"echo", "read_file", "fail"} {
		if !names[want] {
			t.Errorf("missing tool %q in %v", want, names)
		}
	}

	catalog := NewCatalog(m)
	server, tool, ok := SplitToolName("mcp_helper_read_file")
	if !ok {
		t.Fatal("split failed")
	}
	result, err := catalog.Invoke(ctx, server, tool, json.RawMessage(`{"path":"/tmp/x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError || result.Content != "contents of /tmp/x" {
		t.Errorf("result = %+v", result)
	}

	result, _ = catalog.Invoke(ctx, "helper", "fail", nil)
	if !result.IsError || result.Content != "it broke" {
		t.Errorf("fail result = %+v", result)
	}
}

func TestStdioDeadProcessIsNotContacted(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	client := NewClient(helperServerConfig(t), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	stdio := client.transport.(*StdioTransport)
	if err := stdio.cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitFor(t, "process exit", func() bool { return !client.Alive() })

	if _, err := client.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`)); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("err = %v, want ErrProcessExited", err)
	}
	if err := stdio.Send(ctx, []byte(`{}`)); !errors.Is(err, ErrProcessExited) {
		t.Errorf("send after exit = %v", err)
	}
}

func TestStdioStartFailure(t *testing.T) {
	transport := NewStdioTransport(ServerConfig{Name: "x", Command: "/nonexistent/forge-mcp-server"}, testLogger())
	if err := transport.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if transport.Alive() {
		t.Error("transport should not be alive")
	}
	if err := transport.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
