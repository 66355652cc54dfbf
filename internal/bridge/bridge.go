// Package bridge multiplexes calls from many clients onto one tool server
// connection and keeps that connection alive.
//
// The Bridge owns the Reconnection Controller state machine:
//
//	disconnected -> connecting -> connected
//	connected    -> reconnecting      (tool server exited, or ForceReconnect)
//	reconnecting -> connected         (spawn succeeded)
//	reconnecting -> reconnecting      (spawn failed, attempts remain)
//	reconnecting -> failed            (attempts exhausted)
//	failed       -> connected         (manual ForceReconnect succeeded)
//
// Entering reconnecting fails every outstanding call with a connection lost
// error. Calls issued while not connected are queued and replayed in order
// once the connection is restored; new calls wait for that replay to finish.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bebsworthy/toolbridge/internal/buffer"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/pending"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/queue"
	"github.com/bebsworthy/toolbridge/internal/subprocess"
)

// Options configures a Bridge. Zero values take defaults.
type Options struct {
	RequestTimeout time.Duration
	Reconnect      ReconnectPolicy
	QueueSize      int
	Logger         *slog.Logger
	Observer       Observer

	// StderrLines bounds the tail of tool server stderr kept for
	// diagnostics.
	StderrLines int

	// OnRetry is called before each reconnect delay with the attempt number
	// about to be made.
	OnRetry func(attempt int, delay time.Duration)
}

// NotificationHandler receives requests and notifications the tool server
// sends on its own initiative.
type NotificationHandler func(env *protocol.Envelope)

// Health is a point-in-time view of the bridge.
type Health struct {
	State             State         `json:"state"`
	SubprocessAlive   bool          `json:"subprocessAlive"`
	Pid               int           `json:"pid,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	PendingRequests   int           `json:"pendingRequests"`
	QueuedMessages    int           `json:"queuedMessages"`
	Uptime            time.Duration `json:"uptime"`
	ConnectedSince    time.Time     `json:"connectedSince,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	RecentStderr      []string      `json:"recentStderr,omitempty"`
}

// recentStderrLines is how much of the stderr tail Health reports.
const recentStderrLines = 5

// Bridge is the core request pipeline plus the reconnection controller.
type Bridge struct {
	spawner  subprocess.Spawner
	policy   ReconnectPolicy
	logger   *slog.Logger
	observer Observer
	onRetry  func(int, time.Duration)

	pending *pending.Table
	queue   *queue.Queue
	stderr  *buffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders send-or-queue decisions against queue drains and the
	// transition into reconnecting.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           subprocess.Conn
	attempts       int
	looping        bool
	lastErr        error
	startedAt      time.Time
	connectedSince time.Time
	closed         bool

	handlersMu sync.RWMutex
	handlers   []NotificationHandler

	loops sync.WaitGroup
}

// New creates a bridge in the disconnected state. Call Start to spawn the
// tool server.
func New(spawner subprocess.Spawner, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Reconnect
	defaults := DefaultReconnectPolicy()
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = defaults.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		spawner:   spawner,
		policy:    policy,
		logger:    logger,
		observer:  observer,
		onRetry:   opts.OnRetry,
		pending:   pending.NewTable(opts.RequestTimeout, logger),
		queue:     queue.New(opts.QueueSize, logger),
		stderr:    buffer.NewRingBuffer(opts.StderrLines),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		startedAt: time.Now(),
	}
}

// Pending exposes the pending request table.
func (b *Bridge) Pending() *pending.Table {
	return b.pending
}

// Queue exposes the outage queue.
func (b *Bridge) Queue() *queue.Queue {
	return b.queue
}

// Stderr exposes the tail of the tool server's stderr.
func (b *Bridge) Stderr() *buffer.RingBuffer {
	return b.stderr
}

// OnNotification registers a handler for unsolicited tool server traffic.
func (b *Bridge) OnNotification(handler NotificationHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// setStateLocked records a transition. Caller holds mu.
func (b *Bridge) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("Connection state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	b.observer.StateChanged(from, to)
}

// Start spawns the tool server. If the first spawn fails the bridge enters
// reconnecting and keeps trying in the background; the spawn error is
// returned for logging.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.ConnectionLostError("bridge is closed", nil)
	}
	if b.state != StateDisconnected {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started (state %s)", b.state)
	}
	b.setStateLocked(StateConnecting)
	b.looping = true
	b.mu.Unlock()

	conn, err := b.spawn(ctx)
	if err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		b.logger.Warn("Initial tool server spawn failed", slog.String("error", err.Error()))
		b.enterReconnecting("initial spawn failed", true)
		return err
	}
	b.onConnected(conn)
	return nil
}

func (b *Bridge) spawn(ctx context.Context) (subprocess.Conn, error) {
	return b.spawner.Spawn(ctx, subprocess.Handlers{
		OnEnvelope:  b.handleEnvelope,
		OnMalformed: func([]byte, error) { b.observer.MalformedLine() },
		OnStderr:    func(pid int, line []byte) { b.stderr.AddText(string(line), pid) },
	})
}

// onConnected installs conn, resets the attempt counter and replays the
// queue. sendMu is held across the replay so new sends wait for it.
func (b *Bridge) onConnected(conn subprocess.Conn) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Kill()
		return
	}
	b.conn = conn
	b.attempts = 0
	b.looping = false
	b.lastErr = nil
	b.connectedSince = time.Now()
	b.setStateLocked(StateConnected)
	b.mu.Unlock()

	b.logger.Info("Connected to tool server", slog.Int("pid", conn.Pid()))

	b.loops.Add(1)
	go b.supervise(conn)

	if _, err := b.queue.Drain(conn); err != nil {
		// Leftovers would otherwise be sent after fresh traffic.
		dropped := b.queue.Clear()
		for _, entry := range dropped {
			if entry.Envelope.Kind() == protocol.KindRequest {
				b.pending.Reject(entry.Envelope.Key(), err)
			}
		}
		b.logger.Warn("Replay stopped early",
			slog.Int("dropped", len(dropped)),
			slog.String("error", err.Error()))
	}
}

// supervise waits for conn to terminate and starts recovery unless conn was
// already replaced or torn down on purpose.
func (b *Bridge) supervise(conn subprocess.Conn) {
	defer b.loops.Done()

	select {
	case <-conn.Done():
	case <-b.ctx.Done():
		return
	}

	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.mu.Unlock()

	reason := fmt.Sprintf("tool server exited with code %d", conn.ExitCode())
	b.logger.Warn("Tool server terminated", slog.Int("pid", conn.Pid()), slog.Int("exit_code", conn.ExitCode()))
	b.enterReconnecting(reason, false)
}

// enterReconnecting moves to reconnecting, fails outstanding calls and
// starts the reconnect loop unless one is already running. ownsLoop is set
// by callers that already hold the loop token.
func (b *Bridge) enterReconnecting(reason string, ownsLoop bool) {
	b.sendMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.sendMu.Unlock()
		return
	}
	b.setStateLocked(StateReconnecting)
	start := ownsLoop || !b.looping
	b.looping = true
	b.mu.Unlock()

	b.pending.CancelAll(reason)
	b.sendMu.Unlock()

	if start {
		b.loops.Add(1)
		go b.reconnectLoop()
	}
}

func (b *Bridge) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.policy.InitialDelay
	bo.MaxInterval = b.policy.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0
	bo.Reset()
	return backoff.WithContext(bo, b.ctx)
}

// reconnectLoop waits out the backoff delay before every spawn attempt.
func (b *Bridge) reconnectLoop() {
	defer b.loops.Done()

	bo := b.newBackOff()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		if b.attempts >= b.policy.MaxAttempts {
			attempts, lastErr := b.attempts, b.lastErr
			b.setStateLocked(StateFailed)
			b.looping = false
			b.mu.Unlock()

			err := errors.MaxReconnectAttemptsError(attempts, lastErr)
			b.logger.Error("Giving up on tool server", slog.String("error", err.Error()))
			b.pending.CancelAll("reconnect attempts exhausted")
			return
		}
		attempt := b.attempts + 1
		b.mu.Unlock()

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return
		}
		if b.onRetry != nil {
			b.onRetry(attempt, delay)
		}
		b.logger.Info("Reconnecting to tool server",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.policy.MaxAttempts),
			slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			timer.Stop()
			return
		}

		b.mu.Lock()
		b.attempts = attempt
		b.mu.Unlock()

		conn, err := b.spawn(b.ctx)
		if err == nil {
			b.observer.ReconnectAttempt(true)
			b.onConnected(conn)
			return
		}

		b.observer.ReconnectAttempt(false)
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		b.logger.Warn("Reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
}

// ForceReconnect restarts the tool server on request. Outside the failed
// state it tears down the current process and follows the crash path. In the
// failed state it makes one immediate attempt, and returns a max reconnect
// attempts error if that attempt fails.
func (b *Bridge) ForceReconnect(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errors.ConnectionLostError("bridge is closed", nil)
	}
	if b.looping {
		b.mu.Unlock()
		return "reconnect already in progress", nil
	}

	if b.state == StateFailed {
		b.looping = true
		b.mu.Unlock()

		b.logger.Info("Manual reconnect requested in failed state")
		conn, err := b.spawn(ctx)
		if err != nil {
			b.mu.Lock()
			b.looping = false
			b.lastErr = err
			attempts := b.attempts
			b.mu.Unlock()
			b.observer.ReconnectAttempt(false)
			return "", errors.MaxReconnectAttemptsError(attempts, err)
		}
		b.observer.ReconnectAttempt(true)
		b.onConnected(conn)
		return "reconnected to tool server", nil
	}

	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		b.logger.Info("Tearing down tool server for manual reconnect", slog.Int("pid", conn.Pid()))
		_ = conn.Kill()
	}
	b.enterReconnecting("manual reconnect requested", false)
	return "reconnect started", nil
}

// Call sends a request to the tool server and waits for its response, the
// request deadline, a connection loss, or ctx. A JSON-RPC error answer is
// returned as a *protocol.RPCError.
func (b *Bridge) Call(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	env := protocol.NewRequest(uuid.NewString(), method, params)
	key := env.Key()

	done, err := b.pending.Register(key, sessionID)
	if err != nil {
		return nil, err
	}
	if err := b.submit(env, sessionID); err != nil {
		b.pending.Reject(key, err)
		return nil, err
	}

	select {
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Response.Error != nil {
			return nil, res.Response.Error
		}
		return res.Response.Result, nil
	case <-ctx.Done():
		b.pending.Reject(key, ctx.Err())
		return nil, ctx.Err()
	}
}

// Notify sends a notification without waiting for anything.
func (b *Bridge) Notify(sessionID, method string, params json.RawMessage) error {
	return b.submit(protocol.NewNotification(method, params), sessionID)
}

// Forward passes env to the tool server unchanged, such as a client's answer
// to a request the tool server sent. Nothing is registered for it.
func (b *Bridge) Forward(sessionID string, env *protocol.Envelope) error {
	if env.Kind() == protocol.KindInvalid {
		return errors.ProtocolError(errors.CodeInvalidEnvelope, "refusing to forward an invalid envelope", nil)
	}
	return b.submit(env, sessionID)
}

// submit writes env to the live connection or queues it for replay.
func (b *Bridge) submit(env *protocol.Envelope, sessionID string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	state, conn, closed, attempts, lastErr := b.state, b.conn, b.closed, b.attempts, b.lastErr
	b.mu.Unlock()

	switch {
	case closed:
		return errors.ConnectionLostError("bridge is closed", nil)
	case state == StateFailed:
		return errors.MaxReconnectAttemptsError(attempts, lastErr)
	case state == StateConnected && conn != nil:
		return conn.Send(env)
	default:
		b.logger.Debug("Queueing message until the tool server is back",
			slog.String("state", state.String()),
			slog.String("method", env.Method))
		return b.queue.Enqueue(env, sessionID)
	}
}

func (b *Bridge) handleEnvelope(env *protocol.Envelope) {
	switch env.Kind() {
	case protocol.KindResponse:
		b.pending.Settle(env.Key(), env)
	case protocol.KindRequest, protocol.KindNotification:
		b.observer.NotificationReceived()
		b.handlersMu.RLock()
		handlers := append([]NotificationHandler(nil), b.handlers...)
		b.handlersMu.RUnlock()
		for _, h := range handlers {
			h(env)
		}
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health returns a snapshot of the bridge.
func (b *Bridge) Health() Health {
	b.mu.Lock()
	h := Health{
		State:             b.state,
		ReconnectAttempts: b.attempts,
		Uptime:            time.Since(b.startedAt),
	}
	if b.conn != nil && b.conn.IsAlive() {
		h.SubprocessAlive = true
		h.Pid = b.conn.Pid()
		h.ConnectedSince = b.connectedSince
	}
	if b.lastErr != nil {
		h.LastError = b.lastErr.Error()
	}
	b.mu.Unlock()

	h.PendingRequests = b.pending.Len()
	h.QueuedMessages = b.queue.Len()
	h.RecentStderr = b.stderr.Tail(recentStderrLines)
	return h
}

// Close stops the tool server and fails everything outstanding. The bridge
// cannot be restarted.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.setStateLocked(StateDisconnected)
	b.mu.Unlock()

	b.cancel()
	b.pending.CancelAll("bridge shutting down")
	if dropped := b.queue.Clear(); len(dropped) > 0 {
		b.logger.Info("Discarded queued messages on shutdown", slog.Int("count", len(dropped)))
	}

	var err error
	if conn != nil {
		err = conn.Stop()
	}
	b.loops.Wait()
	b.stderr.Close()
	return err
}
