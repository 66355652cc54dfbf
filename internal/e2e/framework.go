// Package e2e drives the complete bridge against a real tool server process.
//
// The tool server is the test binary itself, re-executed with
// toolserver.HelperEnv set, so these tests go through real pipes, real
// process exits and real respawns. They verify:
//
// - Request/response correlation across an OS process boundary
// - Crash detection, cancellation of in-flight calls and automatic respawn
// - Stderr capture of the live tool server
// - The HTTP API and push channel as seen by the client package
//
// Test binaries using this package must call toolserver.Main from TestMain
// when toolserver.HelperEnv is set.
package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/client"
	"github.com/bebsworthy/toolbridge/internal/logging"
	"github.com/bebsworthy/toolbridge/internal/server"
	"github.com/bebsworthy/toolbridge/internal/session"
	"github.com/bebsworthy/toolbridge/internal/subprocess"
	"github.com/bebsworthy/toolbridge/internal/testutil/toolserver"
)

// Options tune a Suite. Zero values take test-friendly defaults.
type Options struct {
	RequestTimeout time.Duration
	Reconnect      bridge.ReconnectPolicy
	// Env is added to the tool server's environment.
	Env []string
}

// Suite is one running bridge in front of a real tool server process, plus a
// client pointed at it.
type Suite struct {
	t        *testing.T
	Bridge   *bridge.Bridge
	Sessions *session.Manager
	Server   *server.Server
	HTTP     *httptest.Server
	Client   *client.Client
	cleanup  []func() error
}

// ToolServerConfig starts the current test binary as the scripted tool server.
func ToolServerConfig(env ...string) subprocess.Config {
	return subprocess.Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         append([]string{toolserver.HelperEnv + "=1"}, env...),
		WarmUp:      100 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}
}

// NewSuite starts a bridge and its HTTP front end. A failed first spawn is
// logged, not fatal: the bridge keeps retrying and tests may assert on that.
func NewSuite(t *testing.T, opts Options) *Suite {
	t.Helper()
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Reconnect == (bridge.ReconnectPolicy{}) {
		opts.Reconnect = bridge.ReconnectPolicy{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			MaxAttempts:  5,
		}
	}

	logger := logging.Discard()
	spawner := subprocess.NewProcessSpawner(ToolServerConfig(opts.Env...), logger.Component("subprocess"))
	b := bridge.New(spawner, bridge.Options{
		RequestTimeout: opts.RequestTimeout,
		Reconnect:      opts.Reconnect,
		Logger:         logger.Component("bridge"),
	})
	s := &Suite{t: t, Bridge: b}
	s.addCleanup(b.Close)

	if err := b.Start(context.Background()); err != nil {
		t.Logf("Initial tool server spawn failed: %v", err)
	}

	s.Sessions = session.NewManager(b.Pending(), session.Options{Logger: logger.Component("session")})
	s.addCleanup(func() error {
		s.Sessions.Close(nil)
		return nil
	})

	s.Server = server.New(b, s.Sessions, server.Options{Logger: logger})
	s.HTTP = httptest.NewServer(s.Server.Handler())
	s.addCleanup(func() error {
		s.HTTP.Close()
		return nil
	})
	s.addCleanup(s.Server.Close)

	c, err := client.New(s.HTTP.URL, client.Config{HTTPTimeout: 10 * time.Second})
	if err != nil {
		s.Cleanup()
		t.Fatalf("Failed to create client: %v", err)
	}
	s.Client = c

	t.Cleanup(s.Cleanup)
	t.Logf("Bridge listening on %s", s.HTTP.URL)
	return s
}

// WaitForState polls the bridge until it reaches state or timeout elapses.
func (s *Suite) WaitForState(state bridge.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Bridge.State() == state {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.t.Logf("Bridge state is %s, wanted %s", s.Bridge.State(), state)
	return false
}

// WaitForPending polls until n calls are awaiting responses.
func (s *Suite) WaitForPending(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Bridge.Pending().Len() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (s *Suite) addCleanup(cleanup func() error) {
	s.cleanup = append(s.cleanup, cleanup)
}

// Cleanup releases everything in reverse order of creation. It is safe to
// call more than once.
func (s *Suite) Cleanup() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		if err := s.cleanup[i](); err != nil {
			s.t.Logf("Cleanup error: %v", err)
		}
	}
	s.cleanup = nil
}
