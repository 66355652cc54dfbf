// Package subprocess owns the tool server child process.
//
// A Process frames outbound envelopes as single lines on the child's stdin
// through one writer goroutine, splits the child's stdout into lines and
// parses each as a JSON-RPC envelope, and reports termination through Done.
//
// Example usage:
//
//	spawner := subprocess.NewProcessSpawner(subprocess.Config{
//		Command: "/usr/local/bin/tool-server",
//		WarmUp:  2 * time.Second,
//	}, logger)
//
//	conn, err := spawner.Spawn(ctx, subprocess.Handlers{
//		OnEnvelope: func(env *protocol.Envelope) { ... },
//	})
//	if err != nil {
//		return err // a *errors.BridgeError of type spawn
//	}
//	<-conn.Done()
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bebsworthy/toolbridge/internal/config"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

const (
	readBufferSize  = 64 * 1024
	writeQueueSize  = 1024
	maxLoggedLine   = 256
	defaultStopWait = 5 * time.Second
)

// Handlers receive inbound traffic. OnEnvelope and OnMalformed are called from
// the stdout reader goroutine, one line at a time and in arrival order.
// OnStderr is called from the stderr reader with each diagnostic line.
type Handlers struct {
	OnEnvelope  func(*protocol.Envelope)
	OnMalformed func(line []byte, err error)
	OnStderr    func(pid int, line []byte)
}

// Conn is a live connection to a tool server.
type Conn interface {
	// Send queues env for writing as one line without blocking. It returns a
	// connection lost error once the process has terminated and a queue full
	// error when the peer has stopped consuming its input.
	Send(env *protocol.Envelope) error
	IsAlive() bool
	Pid() int
	// Done is closed after the process exits and all of its output has been
	// delivered to the handlers.
	Done() <-chan struct{}
	ExitCode() int
	Stop() error
	Kill() error
}

// Spawner starts tool server connections.
type Spawner interface {
	Spawn(ctx context.Context, handlers Handlers) (Conn, error)
}

// Config describes how to start the tool server.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Env         []string
	WarmUp      time.Duration
	StopTimeout time.Duration
}

// ConfigFrom converts the subprocess section of the bridge configuration.
func ConfigFrom(cfg config.SubprocessConfig) Config {
	return Config{
		Command:     cfg.Command,
		Args:        cfg.Args,
		WorkingDir:  cfg.WorkingDir,
		Env:         cfg.Env,
		WarmUp:      cfg.WarmUp,
		StopTimeout: cfg.StopTimeout,
	}
}

// ProcessSpawner starts real OS processes.
type ProcessSpawner struct {
	config Config
	logger *slog.Logger
}

// NewProcessSpawner creates a spawner for the configured executable.
func NewProcessSpawner(cfg Config, logger *slog.Logger) *ProcessSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSpawner{config: cfg, logger: logger}
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, handlers Handlers) (Conn, error) {
	p, err := Start(ctx, s.config, handlers, s.logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Process is one running tool server.
type Process struct {
	config   Config
	handlers Handlers
	logger   *slog.Logger

	cmd   *exec.Cmd
	pid   int
	stdin io.WriteCloser

	writeCh    chan []byte
	writerDone chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	done       chan struct{}
	readers    sync.WaitGroup

	mutex    sync.RWMutex
	alive    bool
	exitCode int
	exitErr  error
}

// Start spawns the process and waits out the warm-up delay. A process that
// cannot be started, or that exits before warm-up ends, yields a spawn error.
func Start(ctx context.Context, cfg Config, handlers Handlers, logger *slog.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.SpawnError("no tool server command configured", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.SpawnError("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.SpawnError("failed to create stderr pipe", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.SpawnError("failed to create stdin pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.SpawnError(fmt.Sprintf("failed to start %s", cfg.Command), err).
			WithDetails("command", cfg.Command)
	}

	p := &Process{
		config:     cfg,
		handlers:   handlers,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		stdin:      stdin,
		writeCh:    make(chan []byte, writeQueueSize),
		writerDone: make(chan struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		alive:      true,
		exitCode:   -1,
	}
	p.logger = logger.With(slog.Int("pid", p.pid))

	p.readers.Add(2)
	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go p.writeLoop()
	go p.wait()

	p.logger.Info("Tool server started", slog.String("command", cfg.Command), slog.Any("args", cfg.Args))

	if err := p.warmUp(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Process) warmUp(ctx context.Context) error {
	timer := time.NewTimer(p.config.WarmUp)
	defer timer.Stop()

	select {
	case <-timer.C:
		select {
		case <-p.done:
		default:
			return nil
		}
	case <-p.done:
	case <-ctx.Done():
		_ = p.Kill()
		<-p.done
		return errors.SpawnError("spawn cancelled", ctx.Err())
	}

	return errors.SpawnError(
		fmt.Sprintf("tool server exited with code %d during warm-up", p.ExitCode()), p.exitError()).
		WithDetails("exit_code", p.ExitCode())
}

func (p *Process) readStdout(stdout io.Reader) {
	defer p.readers.Done()

	reader := bufio.NewReaderSize(stdout, readBufferSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			p.handleLine(line)
		}
		if err != nil {
			if err != io.EOF && !stderrors.Is(err, os.ErrClosed) {
				p.logger.Warn("Tool server stdout read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (p *Process) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	env, err := protocol.Parse(line)
	if err != nil {
		p.logger.Warn("Dropping malformed line from tool server",
			slog.String("error", err.Error()),
			slog.String("line", truncate(line, maxLoggedLine)))
		if p.handlers.OnMalformed != nil {
			p.handlers.OnMalformed(line, err)
		}
		return
	}

	if p.handlers.OnEnvelope != nil {
		p.handlers.OnEnvelope(env)
	}
}

func (p *Process) readStderr(stderr io.Reader) {
	defer p.readers.Done()

	reader := bufio.NewReaderSize(stderr, readBufferSize)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			p.logger.Debug("Tool server stderr", slog.String("line", string(trimmed)))
			if p.handlers.OnStderr != nil {
				p.handlers.OnStderr(p.Pid(), trimmed)
			}
		}
		if err != nil {
			return
		}
	}
}

// writeLoop is the only writer of the child's stdin.
func (p *Process) writeLoop() {
	defer close(p.writerDone)
	defer p.stdin.Close()

	for {
		select {
		case data := <-p.writeCh:
			if _, err := p.stdin.Write(data); err != nil {
				p.logger.Warn("Tool server stdin write failed", slog.String("error", err.Error()))
				return
			}
		case <-p.closing:
			return
		case <-p.done:
			return
		}
	}
}

func (p *Process) wait() {
	// Wait closes the pipes, so every read has to finish first.
	p.readers.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if stderrors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			exitCode = 1
		}
	}

	p.mutex.Lock()
	p.alive = false
	p.exitCode = exitCode
	p.exitErr = err
	p.mutex.Unlock()

	p.logger.Info("Tool server exited", slog.Int("exit_code", exitCode))
	close(p.done)
}

// Send implements Conn.
func (p *Process) Send(env *protocol.Envelope) error {
	data, err := protocol.MarshalLine(env)
	if err != nil {
		return errors.ProtocolError(errors.CodeInvalidEnvelope, "failed to encode envelope", err)
	}

	select {
	case <-p.done:
		return errors.ConnectionLostError("tool server is not running", nil)
	case <-p.writerDone:
		return errors.ConnectionLostError("tool server stdin is closed", nil)
	default:
	}

	// Must not block: callers hold the bridge send lock.
	select {
	case p.writeCh <- data:
		return nil
	case <-p.done:
		return errors.ConnectionLostError("tool server is not running", nil)
	case <-p.writerDone:
		return errors.ConnectionLostError("tool server stdin is closed", nil)
	default:
		return errors.QueueFullError("tool server is not reading its stdin").
			WithDetails("queued", len(p.writeCh))
	}
}

// IsAlive reports whether the process is still running.
func (p *Process) IsAlive() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.alive
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.pid
}

// Done implements Conn.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 while running or when the process
// was killed by a signal.
func (p *Process) ExitCode() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.exitCode
}

func (p *Process) exitError() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.exitErr
}

// Stop closes stdin and gives the process the stop timeout to exit on its
// own. A process still running after that gets SIGTERM, and after another
// stop timeout it is killed.
func (p *Process) Stop() error {
	if !p.IsAlive() {
		return nil
	}
	p.closeOnce.Do(func() { close(p.closing) })
	// The writer may be parked on a full pipe and never see closing.
	_ = p.stdin.Close()

	timeout := p.config.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopWait
	}
	if p.waitExit(timeout) {
		return nil
	}

	p.logger.Info("Tool server still running after stdin close, sending SIGTERM", slog.Duration("timeout", timeout))
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) {
			<-p.done
			return nil
		}
		return p.Kill()
	}
	if p.waitExit(timeout) {
		return nil
	}

	p.logger.Warn("Tool server did not stop in time, killing", slog.Duration("timeout", timeout))
	if err := p.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

func (p *Process) waitExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Kill forcefully kills the process.
func (p *Process) Kill() error {
	if !p.IsAlive() {
		return nil
	}
	p.closeOnce.Do(func() { close(p.closing) })
	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill tool server: %w", err)
	}
	return nil
}

func truncate(line []byte, n int) string {
	if len(line) <= n {
		return string(line)
	}
	return string(line[:n]) + "..."
}
