package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/server"
	"github.com/bebsworthy/toolbridge/internal/session"
	"github.com/bebsworthy/toolbridge/internal/testutil/toolserver"
)

func startBridge(t *testing.T) *httptest.Server {
	t.Helper()
	b := bridge.New(toolserver.NewSpawner(), bridge.Options{RequestTimeout: 2 * time.Second})
	require.NoError(t, b.Start(context.Background()))
	sm := session.NewManager(b.Pending(), session.Options{})
	srv := server.New(b, sm, server.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
		sm.Close(nil)
		_ = b.Close()
	})
	return ts
}

func newClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c, err := New(ts.URL, Config{ReconnectDelay: 10 * time.Millisecond, MaxReconnectAttempts: 2})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(raw, DefaultConfig())
		assert.Error(t, err, raw)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), raw)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, len(toolserver.Tools))

	result, err := c.CallTool(ctx, "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(result))

	first, err := c.Session(ctx)
	require.NoError(t, err)
	_, err = c.CallTool(ctx, "echo", nil)
	require.NoError(t, err)
	second, err := c.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestCallToolAPIError(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)

	_, err := c.CallTool(context.Background(), "fail", nil)
	var apiErr *APIError
	require.True(t, stderrors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.EqualValues(t, toolserver.FailCode, apiErr.Code)
	assert.Equal(t, "tool failed", apiErr.Message)
}

func TestUnreachableBridge(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, Config{HTTPTimeout: time.Second})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection), "got %v", err)
}

func TestPushChannelCall(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)
	ctx := context.Background()

	p, err := c.OpenPushChannel(ctx)
	require.NoError(t, err)
	defer p.Close()

	result, err := p.CallTool(ctx, "echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))

	_, err = p.CallTool(ctx, "fail", nil)
	var rpcErr *protocol.RPCError
	require.True(t, stderrors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, toolserver.FailCode, rpcErr.Code)
}

func TestPushChannelNotifications(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)
	ctx := context.Background()

	p, err := c.OpenPushChannel(ctx)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CallTool(ctx, "notify", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)

	select {
	case env := <-p.Notifications():
		assert.Equal(t, "notifications/message", env.Method)
		assert.JSONEq(t, `{"text":"hello"}`, string(env.Params))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification pushed")
	}
}

func TestPushChannelInvalidSessionIsPermanent(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)

	p := newPushChannel("ws"+ts.URL[len("http"):]+"/ws?session=bogus", c.config, c.logger)
	defer p.Close()

	start := time.Now()
	err := p.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSession), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPushChannelRetriesUntilExhausted(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + ts.URL[len("http"):] + "/ws"
	ts.Close()

	cfg := DefaultConfig()
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	c, err := New("http://localhost", cfg)
	require.NoError(t, err)

	p := newPushChannel(url, c.config, c.logger)
	defer p.Close()
	err = p.ConnectWithRetry(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection), "got %v", err)
}

func TestLogs(t *testing.T) {
	ts := startBridge(t)
	c := newClient(t, ts)
	ctx := context.Background()

	_, err := c.CallTool(ctx, "log", json.RawMessage(`{"text":"cache cold"}`))
	require.NoError(t, err)
	_, err = c.CallTool(ctx, "log", json.RawMessage(`{"text":"warning: slow disk"}`))
	require.NoError(t, err)

	logs, err := c.Logs(ctx, LogQuery{Pattern: "^warning", Since: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, logs.Lines, 1)
	assert.Equal(t, "warning: slow disk", logs.Lines[0].Text)
	assert.Equal(t, 2, logs.Stats.LineCount)

	_, err = c.Logs(ctx, LogQuery{Pattern: "["})
	var apiErr *APIError
	require.True(t, stderrors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestEndpointKeepsBasePath(t *testing.T) {
	c, err := New("http://bridge.example.com/api/", DefaultConfig())
	require.NoError(t, err)

	got, err := c.endpoint("/tools/" + url.PathEscape("a b?") + "?x=1")
	require.NoError(t, err)
	assert.Equal(t, "http://bridge.example.com/api/tools/a%20b%3F?x=1", got)
}
