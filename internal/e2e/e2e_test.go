package e2e

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/client"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/testutil/toolserver"
)

func TestMain(m *testing.M) {
	if os.Getenv(toolserver.HelperEnv) == "1" {
		os.Exit(toolserver.Main())
	}
	os.Exit(m.Run())
}

func apiError(t *testing.T, err error) *client.APIError {
	t.Helper()
	var apiErr *client.APIError
	require.True(t, stderrors.As(err, &apiErr), "expected an API error, got %v", err)
	return apiErr
}

func TestToolCallsThroughRealProcess(t *testing.T) {
	s := NewSuite(t, Options{})
	ctx := context.Background()

	h, err := s.Client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.SubprocessAlive)
	require.NotNil(t, h.Subprocess)
	assert.Equal(t, s.Bridge.Health().Pid, h.Subprocess.Pid)

	tools, err := s.Client.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, len(toolserver.Tools))

	result, err := s.Client.CallTool(ctx, "echo", json.RawMessage(`{"msg":"across a pipe"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"across a pipe"}`, string(result))

	result, err = s.Client.CallTool(ctx, "garbage", nil)
	require.NoError(t, err, "a malformed line does not break the connection")
	assert.JSONEq(t, `{"ok":true}`, string(result))

	_, err = s.Client.CallTool(ctx, "fail", nil)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.EqualValues(t, toolserver.FailCode, apiErr.Code)
}

func TestStderrIsCapturedFromRealProcess(t *testing.T) {
	s := NewSuite(t, Options{})
	ctx := context.Background()

	_, err := s.Client.CallTool(ctx, "log", json.RawMessage(`{"text":"index rebuilt in 3ms"}`))
	require.NoError(t, err)

	pid := s.Bridge.Health().Pid
	require.Eventually(t, func() bool {
		logs, err := s.Client.Logs(ctx, client.LogQuery{Pattern: "index rebuilt"})
		return err == nil && len(logs.Lines) == 1 && logs.Lines[0].Pid == pid
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCrashCancelsInFlightCallsAndRespawns(t *testing.T) {
	s := NewSuite(t, Options{})
	ctx := context.Background()
	firstPid := s.Bridge.Health().Pid
	require.NotZero(t, firstPid)

	silentErr := make(chan error, 1)
	go func() {
		_, err := s.Client.CallTool(ctx, "silent", nil)
		silentErr <- err
	}()
	require.True(t, s.WaitForPending(1, 5*time.Second), "silent call never became pending")

	_, err := s.Client.CallTool(ctx, "exit", json.RawMessage(`{"code":3}`))
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, errors.CodeConnectionLost, apiErr.Code)

	select {
	case err := <-silentErr:
		apiErr := apiError(t, err)
		assert.Equal(t, errors.CodeConnectionLost, apiErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call was not cancelled by the crash")
	}

	require.True(t, s.WaitForState(bridge.StateConnected, 10*time.Second))
	h := s.Bridge.Health()
	assert.NotEqual(t, firstPid, h.Pid, "a new process was spawned")
	assert.Equal(t, 0, h.ReconnectAttempts)

	result, err := s.Client.CallTool(ctx, "echo", json.RawMessage(`{"after":"crash"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"after":"crash"}`, string(result))
}

func TestToolServerThatNeverStartsEndsInFailed(t *testing.T) {
	s := NewSuite(t, Options{
		Env: []string{toolserver.ExitEnv + "=2"},
		Reconnect: bridge.ReconnectPolicy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxAttempts:  2,
		},
	})
	ctx := context.Background()

	require.True(t, s.WaitForState(bridge.StateFailed, 10*time.Second))

	h, err := s.Client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "failed", h.Status)
	assert.False(t, h.SubprocessAlive)
	assert.NotEmpty(t, h.LastError)

	_, err = s.Client.CallTool(ctx, "echo", nil)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, errors.CodeMaxReconnectAttempts, apiErr.Code)

	_, err = s.Client.Reconnect(ctx)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestPushChannelAgainstRealProcess(t *testing.T) {
	s := NewSuite(t, Options{})
	ctx := context.Background()

	push, err := s.Client.OpenPushChannel(ctx)
	require.NoError(t, err)
	defer push.Close()

	_, err = push.CallTool(ctx, "notify", json.RawMessage(`{"progress":50}`))
	require.NoError(t, err)

	select {
	case env := <-push.Notifications():
		assert.Equal(t, "notifications/message", env.Method)
		assert.JSONEq(t, `{"progress":50}`, string(env.Params))
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not pushed")
	}
}
