package subprocess_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/toolbridge/internal/config"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/subprocess"
	"github.com/bebsworthy/toolbridge/internal/testutil/toolserver"
)

func TestMain(m *testing.M) {
	if os.Getenv(toolserver.HelperEnv) == "1" {
		os.Exit(toolserver.Main())
	}
	os.Exit(m.Run())
}

func helperConfig(env ...string) subprocess.Config {
	return subprocess.Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         append([]string{toolserver.HelperEnv + "=1"}, env...),
		WarmUp:      100 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}
}

type collector struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
	malformed [][]byte
	stderr    []string
	arrived   chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 100)}
}

func (c *collector) handlers() subprocess.Handlers {
	return subprocess.Handlers{
		OnEnvelope: func(env *protocol.Envelope) {
			c.mu.Lock()
			c.envelopes = append(c.envelopes, env)
			c.mu.Unlock()
			c.arrived <- struct{}{}
		},
		OnMalformed: func(line []byte, err error) {
			c.mu.Lock()
			c.malformed = append(c.malformed, append([]byte(nil), line...))
			c.mu.Unlock()
		},
		OnStderr: func(pid int, line []byte) {
			c.mu.Lock()
			c.stderr = append(c.stderr, fmt.Sprintf("%d:%s", pid, line))
			c.mu.Unlock()
		},
	}
}

func (c *collector) wait(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for envelope %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Envelope(nil), c.envelopes...)
}

func callEnvelope(t *testing.T, id, tool, args string) *protocol.Envelope {
	t.Helper()
	params, err := protocol.NewToolCallParams(tool, json.RawMessage(args))
	require.NoError(t, err)
	return protocol.NewRequest(id, protocol.MethodToolsCall, params)
}

func TestStart_RoundTrip(t *testing.T) {
	c := newCollector()
	p, err := subprocess.Start(context.Background(), helperConfig(), c.handlers(), nil)
	require.NoError(t, err)
	defer p.Kill()

	assert.True(t, p.IsAlive())
	assert.Greater(t, p.Pid(), 0)
	assert.Equal(t, -1, p.ExitCode())

	require.NoError(t, p.Send(callEnvelope(t, "req-1", "echo", `{"msg":"hi"}`)))

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.KindResponse, got[0].Kind())
	assert.Equal(t, "req-1", got[0].ID.Value())
	assert.JSONEq(t, `{"msg":"hi"}`, string(got[0].Result))
}

func TestSend_ConcurrentWritesStayLineAtomic(t *testing.T) {
	c := newCollector()
	p, err := subprocess.Start(context.Background(), helperConfig(), c.handlers(), nil)
	require.NoError(t, err)
	defer p.Kill()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, p.Send(callEnvelope(t, fmt.Sprintf("req-%d", i), "echo", `{"i":1}`)))
		}(i)
	}
	wg.Wait()

	got := c.wait(t, n)
	assert.Len(t, got, n)
	for _, env := range got {
		assert.Equal(t, protocol.KindResponse, env.Kind())
	}
	c.mu.Lock()
	assert.Empty(t, c.malformed)
	c.mu.Unlock()
}

func TestMalformedLineIsDropped(t *testing.T) {
	c := newCollector()
	p, err := subprocess.Start(context.Background(), helperConfig(), c.handlers(), nil)
	require.NoError(t, err)
	defer p.Kill()

	require.NoError(t, p.Send(callEnvelope(t, "g", "garbage", `{}`)))
	got := c.wait(t, 1)
	assert.Equal(t, "g", got[0].ID.Value())

	c.mu.Lock()
	require.Len(t, c.malformed, 1)
	assert.Equal(t, "this is not json", string(c.malformed[0]))
	c.mu.Unlock()

	assert.True(t, p.IsAlive(), "malformed output must not end the connection")
}

func TestStderrLinesReachHandler(t *testing.T) {
	c := newCollector()
	p, err := subprocess.Start(context.Background(), helperConfig(), c.handlers(), nil)
	require.NoError(t, err)
	defer p.Kill()

	require.NoError(t, p.Send(callEnvelope(t, "l", "log", `{"text":"loading index"}`)))
	c.wait(t, 1)

	want := fmt.Sprintf("%d:loading index", p.Pid())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.stderr) == 1 && c.stderr[0] == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExitDuringWarmUpIsSpawnError(t *testing.T) {
	cfg := helperConfig(toolserver.ExitEnv + "=1")
	cfg.WarmUp = 10 * time.Second

	start := time.Now()
	_, err := subprocess.Start(context.Background(), cfg, subprocess.Handlers{}, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), cfg.WarmUp, "an early exit ends warm-up immediately")
	assert.True(t, stderrors.Is(err, errors.ErrSpawn))
}

func TestMissingExecutableIsSpawnError(t *testing.T) {
	cfg := helperConfig()
	cfg.Command = "/nonexistent/tool-server"
	_, err := subprocess.Start(context.Background(), cfg, subprocess.Handlers{}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSpawn))

	_, err = subprocess.Start(context.Background(), subprocess.Config{}, subprocess.Handlers{}, nil)
	assert.True(t, stderrors.Is(err, errors.ErrSpawn))
}

func TestTerminationReportsExitCode(t *testing.T) {
	c := newCollector()
	p, err := subprocess.Start(context.Background(), helperConfig(), c.handlers(), nil)
	require.NoError(t, err)

	require.NoError(t, p.Send(callEnvelope(t, "bye", "exit", `{"code":3}`)))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.IsAlive())
	assert.Equal(t, 3, p.ExitCode())

	err = p.Send(callEnvelope(t, "late", "echo", `{}`))
	assert.True(t, stderrors.Is(err, errors.ErrConnectionLost))
}

func TestStopAndKill(t *testing.T) {
	p, err := subprocess.Start(context.Background(), helperConfig(), subprocess.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Stop())
	assert.False(t, p.IsAlive())
	assert.NoError(t, p.Stop(), "stopping twice is a no-op")

	p, err = subprocess.Start(context.Background(), helperConfig(), subprocess.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	<-p.Done()
	assert.Equal(t, -1, p.ExitCode())
}

func TestStopLetsStdinCloseEndTheProcess(t *testing.T) {
	p, err := subprocess.Start(context.Background(), helperConfig(), subprocess.Handlers{}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 2*time.Second, "a server that exits on EOF needs no signal")
	assert.Equal(t, 0, p.ExitCode(), "clean exit, not SIGTERM")
}

func sleeperConfig(t *testing.T) subprocess.Config {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep is not installed")
	}
	return subprocess.Config{
		Command:     path,
		Args:        []string{"60"},
		WarmUp:      50 * time.Millisecond,
		StopTimeout: 200 * time.Millisecond,
	}
}

func TestStopSignalsAfterStopTimeout(t *testing.T) {
	p, err := subprocess.Start(context.Background(), sleeperConfig(t), subprocess.Handlers{}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "stdin close gets the full stop timeout")
	assert.Less(t, elapsed, 2*time.Second)
	assert.False(t, p.IsAlive())
	assert.Equal(t, -1, p.ExitCode())
}

func TestSendNeverBlocksOnStalledReader(t *testing.T) {
	p, err := subprocess.Start(context.Background(), sleeperConfig(t), subprocess.Handlers{}, nil)
	require.NoError(t, err)
	defer p.Kill()

	env := callEnvelope(t, "big", "echo", fmt.Sprintf(`{"msg":%q}`, strings.Repeat("x", 8*1024)))

	var sendErr error
	start := time.Now()
	for i := 0; i < 5000 && sendErr == nil; i++ {
		sendErr = p.Send(env)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, sendErr, "the pipe and write queue must fill up")
	assert.True(t, stderrors.Is(sendErr, errors.ErrQueueFull), "got %v", sendErr)
	assert.True(t, p.IsAlive())
}

func TestProcessSpawner(t *testing.T) {
	spawner := subprocess.NewProcessSpawner(helperConfig(), nil)
	conn, err := spawner.Spawn(context.Background(), subprocess.Handlers{})
	require.NoError(t, err)
	defer conn.Kill()
	assert.True(t, conn.IsAlive())
}

func TestConfigFrom(t *testing.T) {
	cfg := subprocess.ConfigFrom(config.SubprocessConfig{
		Command:     "tool",
		Args:        []string{"--stdio"},
		WarmUp:      time.Second,
		StopTimeout: 3 * time.Second,
	})
	assert.Equal(t, "tool", cfg.Command)
	assert.Equal(t, []string{"--stdio"}, cfg.Args)
	assert.Equal(t, time.Second, cfg.WarmUp)
	assert.Equal(t, 3*time.Second, cfg.StopTimeout)
}

func TestStartCancelled(t *testing.T) {
	cfg := helperConfig()
	cfg.WarmUp = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := subprocess.Start(ctx, cfg, subprocess.Handlers{}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSpawn))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}
