package server

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mcpToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func mcpRoundTrip(t *testing.T, m *MCPServer, request string) map[string]json.RawMessage {
	t.Helper()
	resp := m.HandleMessage(context.Background(), json.RawMessage(request))
	require.NotNil(t, resp)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestMCPServerMirrorsTools(t *testing.T) {
	env := newTestEnv(t, 0)
	m := NewMCPServer(env.bridge, env.sessions, "test", nil)

	n, err := m.SyncTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out := mcpRoundTrip(t, m, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(out["result"], &list))
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "sleep", "fail"}, names)
}

func TestMCPServerForwardsCalls(t *testing.T) {
	env := newTestEnv(t, 0)
	m := NewMCPServer(env.bridge, env.sessions, "test", nil)
	_, err := m.SyncTools(context.Background())
	require.NoError(t, err)

	out := mcpRoundTrip(t, m, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"a":1}}}`)
	var result mcpToolResult
	require.NoError(t, json.Unmarshal(out["result"], &result))
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"a":1}`, result.Content[0].Text)

	out = mcpRoundTrip(t, m, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fail","arguments":{}}}`)
	require.NoError(t, json.Unmarshal(out["result"], &result))
	assert.True(t, result.IsError)
	assert.Equal(t, "tool failed", result.Content[0].Text)

	// Calls run under the front end's own session.
	_, err = env.sessions.Get(m.SessionID())
	assert.NoError(t, err)
}

func TestMCPServerReplacesReapedSession(t *testing.T) {
	env := newTestEnv(t, 0)
	m := NewMCPServer(env.bridge, env.sessions, "test", nil)
	_, err := m.SyncTools(context.Background())
	require.NoError(t, err)

	old := m.SessionID()
	reaped := env.sessions.ReapInactive(time.Now().Add(24 * time.Hour))
	require.Contains(t, reaped, old)

	out := mcpRoundTrip(t, m, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"b":2}}}`)
	var result mcpToolResult
	require.NoError(t, json.Unmarshal(out["result"], &result))
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"b":2}`, result.Content[0].Text)

	assert.NotEqual(t, old, m.SessionID())
	_, err = env.sessions.Get(old)
	assert.Error(t, err)
	_, err = env.sessions.Get(m.SessionID())
	assert.NoError(t, err)
}

func TestMCPServerServe(t *testing.T) {
	env := newTestEnv(t, 0)
	m := NewMCPServer(env.bridge, env.sessions, "test", nil)
	_, err := m.SyncTools(context.Background())
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, inR, outW) }()

	go func() {
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	}()

	line := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := outR.Read(buf)
		line <- string(buf[:n])
	}()

	select {
	case got := <-line:
		assert.True(t, strings.Contains(got, `"id":1`), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from stdio front end")
	}

	cancel()
	_ = inW.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
