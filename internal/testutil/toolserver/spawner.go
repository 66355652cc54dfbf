package toolserver

import (
	"bytes"
	"context"
	"sync"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/subprocess"
)

// Spawner hands out in-memory connections to fresh Servers. It satisfies
// subprocess.Spawner.
type Spawner struct {
	mu        sync.Mutex
	failNext  int
	failAll   bool
	attempts  int
	conns     []*Conn
	nextPid   int
	onAttempt func(n int)
}

// NewSpawner creates a spawner whose connections succeed until told otherwise.
func NewSpawner() *Spawner {
	return &Spawner{nextPid: 4000}
}

// FailNext makes the next n spawn attempts fail.
func (s *Spawner) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetFailing makes every spawn attempt fail until reset.
func (s *Spawner) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// OnAttempt registers a callback invoked with the attempt number on every
// spawn.
func (s *Spawner) OnAttempt(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttempt = fn
}

// Attempts returns the number of spawn attempts so far.
func (s *Spawner) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Current returns the most recently spawned connection, or nil.
func (s *Spawner) Current() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Spawn implements subprocess.Spawner.
func (s *Spawner) Spawn(ctx context.Context, handlers subprocess.Handlers) (subprocess.Conn, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	fail := s.failAll || s.failNext > 0
	if s.failNext > 0 {
		s.failNext--
	}
	onAttempt := s.onAttempt
	s.mu.Unlock()

	if onAttempt != nil {
		onAttempt(attempt)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.SpawnError("spawn cancelled", err)
	}
	if fail {
		return nil, errors.SpawnError("tool server exited with code 1 during warm-up", nil).
			WithDetails("exit_code", 1)
	}

	s.mu.Lock()
	s.nextPid++
	conn := newConn(s.nextPid, handlers)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return conn, nil
}

// Conn is an in-memory tool server connection. Lines are handled in order by
// a dedicated goroutine, mirroring a real stdin/stdout pair.
type Conn struct {
	pid      int
	handlers subprocess.Handlers
	server   *Server
	inbox    chan []byte

	mu       sync.Mutex
	alive    bool
	exitCode int
	done     chan struct{}
}

func newConn(pid int, handlers subprocess.Handlers) *Conn {
	c := &Conn{
		pid:      pid,
		handlers: handlers,
		inbox:    make(chan []byte, 256),
		alive:    true,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	c.server = New(c.deliver, c.Terminate)
	c.server.SetStderr(c.deliverStderr)
	go c.run()
	return c
}

func (c *Conn) run() {
	for {
		select {
		case line := <-c.inbox:
			c.server.Handle(line)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) deliver(line []byte) {
	if !c.IsAlive() {
		return
	}
	env, err := protocol.Parse(line)
	if err != nil {
		if c.handlers.OnMalformed != nil {
			c.handlers.OnMalformed(line, err)
		}
		return
	}
	if c.handlers.OnEnvelope != nil {
		c.handlers.OnEnvelope(env)
	}
}

func (c *Conn) deliverStderr(line []byte) {
	if !c.IsAlive() || c.handlers.OnStderr == nil {
		return
	}
	c.handlers.OnStderr(c.pid, bytes.TrimRight(line, "\n"))
}

// Server exposes the scripted server behind the connection.
func (c *Conn) Server() *Server {
	return c.server
}

// Send implements subprocess.Conn.
func (c *Conn) Send(env *protocol.Envelope) error {
	line, err := protocol.MarshalLine(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return errors.ConnectionLostError("tool server is not running", nil)
	}
	select {
	case c.inbox <- line:
		return nil
	default:
		return errors.QueueFullError("tool server stdin is full")
	}
}

// IsAlive implements subprocess.Conn.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Pid implements subprocess.Conn.
func (c *Conn) Pid() int {
	return c.pid
}

// Done implements subprocess.Conn.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ExitCode implements subprocess.Conn.
func (c *Conn) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Terminate simulates the process exiting with code.
func (c *Conn) Terminate(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return
	}
	c.alive = false
	c.exitCode = code
	close(c.done)
}

// Stop implements subprocess.Conn.
func (c *Conn) Stop() error {
	c.Terminate(0)
	return nil
}

// Kill implements subprocess.Conn.
func (c *Conn) Kill() error {
	c.Terminate(-1)
	return nil
}
